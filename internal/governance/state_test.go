package governance

import (
	"context"
	"testing"
)

func TestPauseResume(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	defer owner.Stop()
	ctx := context.Background()

	st, err := owner.Apply(ctx, Mutation{Kind: MutatePause, Actor: "ops", Reason: "maintenance"})
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if st.TradingEnabled {
		t.Error("trading should be disabled after pause")
	}
	if st.PausedReason != "maintenance" {
		t.Errorf("expected paused reason 'maintenance', got %q", st.PausedReason)
	}

	if _, err := owner.Apply(ctx, Mutation{Kind: MutatePause, Actor: "ops"}); err != ErrAlreadyPaused {
		t.Errorf("expected ErrAlreadyPaused, got %v", err)
	}

	st, err = owner.Apply(ctx, Mutation{Kind: MutateResume, Actor: "ops"})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !st.TradingEnabled {
		t.Error("trading should be enabled after resume")
	}
}

func TestKillSwitchBlocksResume(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	defer owner.Stop()
	ctx := context.Background()

	if _, err := owner.Apply(ctx, Mutation{Kind: MutateKill, Actor: "ops", Reason: "incident"}); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if _, err := owner.Apply(ctx, Mutation{Kind: MutateResume, Actor: "ops"}); err != ErrKillSwitchSet {
		t.Errorf("expected ErrKillSwitchSet, got %v", err)
	}
}

func TestReduceExposureValidation(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	defer owner.Stop()
	ctx := context.Background()

	if _, err := owner.Apply(ctx, Mutation{Kind: MutateReduceExposure, Strategy: "trend-1", Factor: 1.5}); err != ErrInvalidFactor {
		t.Errorf("expected ErrInvalidFactor for 1.5, got %v", err)
	}

	st, err := owner.Apply(ctx, Mutation{Kind: MutateReduceExposure, Strategy: "trend-1", Factor: 0.5})
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if got := st.ExposureReduction["trend-1"]; got != 0.5 {
		t.Errorf("expected reduction 0.5, got %v", got)
	}
	if owner.Snapshot().ReductionFactor("trend-1") != 0.5 {
		t.Error("snapshot should reflect reduction")
	}
	if owner.Snapshot().ReductionFactor("other") != 1.0 {
		t.Error("unreduced strategy should have factor 1.0")
	}
}

func TestPromoteModel(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	defer owner.Stop()
	ctx := context.Background()

	if _, err := owner.Apply(ctx, Mutation{Kind: MutatePromoteModel, Model: ""}); err != ErrEmptyModel {
		t.Errorf("expected ErrEmptyModel, got %v", err)
	}
	st, err := owner.Apply(ctx, Mutation{Kind: MutatePromoteModel, Model: "v2026.08.1"})
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if st.ActiveModelVersion != "v2026.08.1" {
		t.Errorf("expected model v2026.08.1, got %s", st.ActiveModelVersion)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	defer owner.Stop()

	snap := owner.Snapshot()
	snap.StrategyEnabled["x"] = false
	snap.TradingEnabled = false

	fresh := owner.Snapshot()
	if !fresh.TradingEnabled {
		t.Error("mutating a snapshot must not affect owner state")
	}
	if _, ok := fresh.StrategyEnabled["x"]; ok {
		t.Error("snapshot maps must be copies")
	}
}

func TestApplyAfterStop(t *testing.T) {
	owner := NewOwner(NewState("v1"))
	owner.Stop()

	if _, err := owner.Apply(context.Background(), Mutation{Kind: MutatePause}); err != ErrOwnerStopped {
		t.Errorf("expected ErrOwnerStopped, got %v", err)
	}
}
