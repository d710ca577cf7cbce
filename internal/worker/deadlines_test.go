package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"haven.app/ash/internal/store"
)

func newTestPoller(t *testing.T) (*DeadlinePoller, store.DeadlineStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	deadlines := store.New(client, "ash").Deadlines()
	return NewDeadlinePoller(deadlines, time.Second, 100), deadlines
}

func TestSweepOnce_FiresDueHandlersAndCompletes(t *testing.T) {
	poller, deadlines := newTestPoller(t)
	ctx := context.Background()

	var fired []int64
	poller.Register(store.KindAutoInitiate, func(_ context.Context, entityID int64, _ time.Time) error {
		fired = append(fired, entityID)
		return nil
	})

	if err := deadlines.Arm(ctx, store.KindAutoInitiate, 1, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := deadlines.Arm(ctx, store.KindAutoInitiate, 2, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Arm future failed: %v", err)
	}

	poller.SweepOnce(ctx)

	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("fired = %v, want only the due entity", fired)
	}

	// The handled entry is gone; the future one survives.
	due, err := deadlines.Due(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 || due[0].EntityID != 2 {
		t.Errorf("remaining = %v, want only entity 2", due)
	}
}

func TestSweepOnce_FailedHandlerIsRetriedNextSweep(t *testing.T) {
	poller, deadlines := newTestPoller(t)
	ctx := context.Background()

	calls := 0
	poller.Register(store.KindFollowup, func(context.Context, int64, time.Time) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	if err := deadlines.Arm(ctx, store.KindFollowup, 7, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	poller.SweepOnce(ctx)
	poller.SweepOnce(ctx)

	if calls != 2 {
		t.Fatalf("handler called %d times, want 2 (retry after failure)", calls)
	}
	due, err := deadlines.Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("entry still armed after successful retry: %v", due)
	}
}

func TestSweepOnce_RearmedDeadlineSurvivesCompletion(t *testing.T) {
	poller, deadlines := newTestPoller(t)
	ctx := context.Background()

	rearmAt := time.Now().Add(5 * time.Minute)
	poller.Register(store.KindSessionIdle, func(hctx context.Context, entityID int64, _ time.Time) error {
		// Handler observes fresh activity and pushes the deadline out.
		return deadlines.Arm(hctx, store.KindSessionIdle, entityID, rearmAt)
	})

	if err := deadlines.Arm(ctx, store.KindSessionIdle, 3, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	poller.SweepOnce(ctx)

	due, err := deadlines.Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 || due[0].EntityID != 3 {
		t.Fatalf("re-armed deadline missing: %v", due)
	}
	if due[0].FireAt.Unix() != rearmAt.Unix() {
		t.Errorf("FireAt = %v, want the re-armed time %v", due[0].FireAt, rearmAt)
	}
}

func TestSweepOnce_OrphanKindIsDropped(t *testing.T) {
	poller, deadlines := newTestPoller(t)
	ctx := context.Background()

	if err := deadlines.Arm(ctx, store.DeadlineKind("legacy"), 9, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	poller.SweepOnce(ctx)

	due, err := deadlines.Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("orphan deadline still present: %v", due)
	}
}
