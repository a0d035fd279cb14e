package authcore

import (
	"context"
	"testing"
	"time"
)

func TestSweepDeletesOnlyPersistentPendingKeys(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newMockUserStore(), &stubMailer{}, testConfig())
	ctx := context.Background()

	// A healthy pending key with a TTL, a damaged one without, and an
	// unrelated persistent key.
	if err := rdb.Set(ctx, pendingUserKeyPrefix+":healthy", "x", time.Hour).Err(); err != nil {
		t.Fatalf("seed healthy key failed: %v", err)
	}
	if err := rdb.Set(ctx, pendingUserKeyPrefix+":damaged", "x", 0).Err(); err != nil {
		t.Fatalf("seed damaged key failed: %v", err)
	}
	if err := rdb.Set(ctx, "unrelated:key", "x", 0).Err(); err != nil {
		t.Fatalf("seed unrelated key failed: %v", err)
	}

	deleted, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}

	if !mr.Exists(pendingUserKeyPrefix + ":healthy") {
		t.Fatal("healthy pending key must survive the sweep")
	}
	if mr.Exists(pendingUserKeyPrefix + ":damaged") {
		t.Fatal("persistent pending key must be swept")
	}
	if !mr.Exists("unrelated:key") {
		t.Fatal("keys outside the pending namespace must be untouched")
	}
}

func TestSweepEmptyKeyspace(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newMockUserStore(), &stubMailer{}, testConfig())

	deleted, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no deletions, got %d", deleted)
	}
}
