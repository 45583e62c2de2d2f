package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

func openSnapshots(t *testing.T) *SQLiteSnapshots {
	t.Helper()
	snaps, err := NewSQLiteSnapshots(filepath.Join(t.TempDir(), "strategies.db"))
	if err != nil {
		t.Fatalf("failed to open snapshot db: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })
	return snaps
}

func TestSnapshotsFollowStoreMutations(t *testing.T) {
	ctx := context.Background()
	snaps := openSnapshots(t)

	s := NewStrategyStore(zerolog.Nop())
	s.SetPersister(snaps)

	_ = s.Load(straddle("s1", 0))
	_ = s.Load(straddle("s2", 0))
	s.ApplyUpdate(models.StrategyUpdate{StrategyID: "s1", Positions: straddle("s1", 0).Positions[:1], TotalPnL: 250})
	s.Remove("s2")

	all, err := snaps.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(all))
	}
	got := all[0].Strategy
	if got.ID != "s1" || got.TotalPnL != 250 || len(got.Positions) != 1 || len(got.Legs) != 2 {
		t.Errorf("snapshot = %+v", got)
	}
	if all[0].SavedAt.IsZero() {
		t.Error("SavedAt not recorded")
	}

	if _, err := snaps.GetSnapshot(ctx, "s2"); !errors.Is(err, errors.ErrStrategyNotFound) {
		t.Errorf("expected ErrStrategyNotFound for removed strategy, got %v", err)
	}
}

func TestRestoreKeepsFirstSeenOrder(t *testing.T) {
	ctx := context.Background()
	snaps := openSnapshots(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := snaps.SaveStrategy(ctx, straddle(id, 0)); err != nil {
			t.Fatalf("SaveStrategy(%s): %v", id, err)
		}
	}
	// Re-saving must not move a strategy to the end.
	if err := snaps.SaveStrategy(ctx, straddle("b", 42)); err != nil {
		t.Fatal(err)
	}

	s := NewStrategyStore(zerolog.Nop())
	n, err := snaps.Restore(ctx, s)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 3 {
		t.Fatalf("restored %d, want 3", n)
	}
	ids := s.IDs()
	if ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("restore order = %v", ids)
	}
	b, _ := s.Get("b")
	if b.TotalPnL != 42 {
		t.Errorf("b TotalPnL = %v, want 42", b.TotalPnL)
	}
}
