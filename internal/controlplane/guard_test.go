package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/governance"
	"trading-engine/internal/ledger"
)

type stubLedger struct {
	mu      sync.Mutex
	records map[string]*ledger.IdempotencyRecord
	audits  []*ledger.AuditEntry
}

func newStubLedger() *stubLedger {
	return &stubLedger{records: make(map[string]*ledger.IdempotencyRecord)}
}

func (s *stubLedger) PutIdempotencyRecord(_ context.Context, rec *ledger.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return ledger.ErrIdempotencyKeyExists
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *stubLedger) GetIdempotencyRecord(_ context.Context, key string) (*ledger.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

func (s *stubLedger) AppendAudit(_ context.Context, entry *ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *stubLedger) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

type stubOrders struct {
	mu       sync.Mutex
	flattens int
	resolved []string
}

func (s *stubOrders) FlattenAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flattens++
	return 3, nil
}

func (s *stubOrders) ResolveReview(_ context.Context, orderID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, orderID)
	return nil
}

func newTestGuard(t *testing.T) (*Guard, *stubLedger, *stubOrders, *governance.Owner) {
	t.Helper()
	owner := governance.NewOwner(governance.NewState("v1"))
	t.Cleanup(owner.Stop)

	led := newStubLedger()
	orders := &stubOrders{}
	g := NewGuard(DefaultConfig(), NewMemoryStore(), led, owner, orders, nil, nil)
	return g, led, orders, owner
}

func TestDuplicateKeyReplays(t *testing.T) {
	g, led, _, _ := newTestGuard(t)
	ctx := context.Background()
	cmd := Command{Name: CmdPause, Actor: "ops", Params: map[string]interface{}{"reason": "maintenance"}}

	first, err := g.Execute(ctx, "key-1", cmd)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Replayed {
		t.Error("first execution must not be a replay")
	}
	if !first.OK || first.State.TradingEnabled {
		t.Errorf("pause should succeed and disable trading: %+v", first)
	}

	second, err := g.Execute(ctx, "key-1", cmd)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Error("duplicate key must be flagged replayed")
	}
	if second.OK != first.OK || second.Message != first.Message {
		t.Error("replay must return the recorded result")
	}
	if led.auditCount() != 1 {
		t.Errorf("expected exactly one audit entry, got %d", led.auditCount())
	}
}

func TestReplayReproducesFailure(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	ctx := context.Background()

	if _, err := g.Execute(ctx, "p1", Command{Name: CmdPause, Actor: "ops"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Second pause with a new key fails with the state error in the result
	failed, err := g.Execute(ctx, "p2", Command{Name: CmdPause, Actor: "ops"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if failed.OK {
		t.Fatal("pausing twice should fail")
	}
	if failed.Message != governance.ErrAlreadyPaused.Error() {
		t.Errorf("expected %q, got %q", governance.ErrAlreadyPaused.Error(), failed.Message)
	}

	replay, err := g.Execute(ctx, "p2", Command{Name: CmdPause, Actor: "ops"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.OK || !replay.Replayed {
		t.Errorf("replay must reproduce the failure: %+v", replay)
	}
}

func TestConcurrentSameKeyExecutesOnce(t *testing.T) {
	g, led, orders, _ := newTestGuard(t)
	cmd := Command{Name: CmdFlattenAll, Actor: "ops"}

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Execute(context.Background(), "flat-1", cmd)
			if err != nil {
				t.Errorf("execute %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	orders.mu.Lock()
	flattens := orders.flattens
	orders.mu.Unlock()
	if flattens != 1 {
		t.Fatalf("expected exactly one flatten execution, got %d", flattens)
	}
	if led.auditCount() != 1 {
		t.Errorf("expected one audit entry, got %d", led.auditCount())
	}

	var replays int
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Replayed {
			replays++
		}
		if r.Message != "canceled 3 open orders" {
			t.Errorf("all callers should see the winner's result, got %q", r.Message)
		}
	}
	if replays != 7 {
		t.Errorf("expected 7 replayed results, got %d", replays)
	}
}

func TestMissingKeyRejected(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	if _, err := g.Execute(context.Background(), "", Command{Name: CmdPause}); err != ErrMissingKey {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	res, err := g.Execute(context.Background(), "u1", Command{Name: "self_destruct", Actor: "ops"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Error("unknown command must not succeed")
	}
}

func TestResolveReview(t *testing.T) {
	g, _, orders, _ := newTestGuard(t)
	res, err := g.Execute(context.Background(), "r1", Command{
		Name: CmdResolveReview, Actor: "ops",
		Params: map[string]interface{}{"order_id": "ord-9", "note": "confirmed gone at venue"},
	})
	if err != nil || !res.OK {
		t.Fatalf("resolve failed: res=%+v err=%v", res, err)
	}
	orders.mu.Lock()
	defer orders.mu.Unlock()
	if len(orders.resolved) != 1 || orders.resolved[0] != "ord-9" {
		t.Errorf("expected ord-9 resolved, got %v", orders.resolved)
	}
}

func TestKillSwitchThenResumeRefused(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	ctx := context.Background()

	if _, err := g.Execute(ctx, "k1", Command{Name: CmdKillSwitch, Actor: "ops", Params: map[string]interface{}{"reason": "incident"}}); err != nil {
		t.Fatalf("kill: %v", err)
	}
	res, err := g.Execute(ctx, "k2", Command{Name: CmdResume, Actor: "ops"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.OK {
		t.Error("resume must be refused while kill switch is set")
	}
	if res.Message != governance.ErrKillSwitchSet.Error() {
		t.Errorf("expected kill-switch refusal, got %q", res.Message)
	}
}

func TestMemoryStoreReserveSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	won, err := s.Reserve(ctx, "x", time.Minute)
	if err != nil || !won {
		t.Fatalf("first reserve should win: %v %v", won, err)
	}
	won, err = s.Reserve(ctx, "x", time.Minute)
	if err != nil || won {
		t.Fatalf("second reserve should lose: %v %v", won, err)
	}

	// Expired locks are reclaimable
	s.nowFn = func() time.Time { return time.Now().Add(2 * time.Minute) }
	won, err = s.Reserve(ctx, "x", time.Minute)
	if err != nil || !won {
		t.Fatalf("expired lock should be reclaimable: %v %v", won, err)
	}
}
