package engine

import (
	"sync"
)

// groupState tracks one order group's legs and health
type groupState struct {
	legs     []string
	resolved bool
	degraded bool
}

// GroupTracker links the legs of cancels-other order groups. When one leg
// reaches FILLED or CANCELED the remaining legs must be canceled; a leg
// whose cancel fails leaves the group degraded.
type GroupTracker struct {
	mu     sync.RWMutex
	groups map[string]*groupState
}

// NewGroupTracker creates an empty tracker
func NewGroupTracker() *GroupTracker {
	return &GroupTracker{groups: make(map[string]*groupState)}
}

// Register links an order into a group
func (gt *GroupTracker) Register(groupID, orderID string) {
	if groupID == "" {
		return
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()

	g, ok := gt.groups[groupID]
	if !ok {
		g = &groupState{}
		gt.groups[groupID] = g
	}
	g.legs = append(g.legs, orderID)
}

// OnLegTerminal reports the sibling order ids that must be canceled when a
// leg fills or cancels. Only the first terminal leg triggers sibling
// cancelation; later calls return nothing.
func (gt *GroupTracker) OnLegTerminal(groupID, orderID string) []string {
	if groupID == "" {
		return nil
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()

	g, ok := gt.groups[groupID]
	if !ok || g.resolved {
		return nil
	}
	g.resolved = true

	var siblings []string
	for _, leg := range g.legs {
		if leg != orderID {
			siblings = append(siblings, leg)
		}
	}
	return siblings
}

// MarkDegraded flags a group whose sibling cancel failed
func (gt *GroupTracker) MarkDegraded(groupID string) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if g, ok := gt.groups[groupID]; ok {
		g.degraded = true
	}
}

// IsDegraded reports whether a group had a failed sibling cancel
func (gt *GroupTracker) IsDegraded(groupID string) bool {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	g, ok := gt.groups[groupID]
	return ok && g.degraded
}

// Stats summarizes tracked groups
func (gt *GroupTracker) Stats() map[string]interface{} {
	gt.mu.RLock()
	defer gt.mu.RUnlock()

	var degraded int
	for _, g := range gt.groups {
		if g.degraded {
			degraded++
		}
	}
	return map[string]interface{}{
		"groups":   len(gt.groups),
		"degraded": degraded,
	}
}
