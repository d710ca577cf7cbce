package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"haven.app/ash/internal/model"
)

func newTestStores(t *testing.T) (*Stores, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "ash"), mr
}

func TestAlertStore_CreateEnforcesSingleActive(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	alerts := stores.Alerts()

	first := &model.Alert{ID: 1, UserID: "u1", Severity: model.SeverityHigh, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := &model.Alert{ID: 2, UserID: "u1", Severity: model.SeverityCritical, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("Create for second active alert = %v, want ErrConflict", err)
	}

	// A different user is unaffected.
	other := &model.Alert{ID: 3, UserID: "u2", Severity: model.SeverityHigh, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, other); err != nil {
		t.Fatalf("Create for other user failed: %v", err)
	}
}

func TestAlertStore_TransitionStatusResolvesRaces(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	alerts := stores.Alerts()

	alert := &model.Alert{ID: 10, UserID: "u1", Severity: model.SeverityHigh, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, alert); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The acknowledge wins.
	ok, err := alerts.TransitionStatus(ctx, 10, model.AlertStatusCreated, model.AlertStatusAcknowledged)
	if err != nil || !ok {
		t.Fatalf("TransitionStatus ack = (%v, %v), want (true, nil)", ok, err)
	}

	// The late auto-initiate loses and must be a no-op.
	ok, err = alerts.TransitionStatus(ctx, 10, model.AlertStatusCreated, model.AlertStatusAutoInitiated)
	if err != nil {
		t.Fatalf("TransitionStatus auto-initiate errored: %v", err)
	}
	if ok {
		t.Fatal("auto-initiate transition succeeded after acknowledge; exactly one writer may win")
	}

	got, err := alerts.Get(ctx, 10)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.AlertStatusAcknowledged {
		t.Errorf("Status = %s, want acknowledged", got.Status)
	}
}

func TestAlertStore_ReleaseActiveAllowsNewAlert(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	alerts := stores.Alerts()

	alert := &model.Alert{ID: 20, UserID: "u1", Severity: model.SeverityHigh, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, alert); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := alerts.ReleaseActive(ctx, "u1", 20); err != nil {
		t.Fatalf("ReleaseActive failed: %v", err)
	}

	next := &model.Alert{ID: 21, UserID: "u1", Severity: model.SeverityHigh, Status: model.AlertStatusCreated, CreatedAt: time.Now()}
	if err := alerts.Create(ctx, next); err != nil {
		t.Fatalf("Create after release failed: %v", err)
	}
}

func TestCooldownStore_ExpiryComparison(t *testing.T) {
	stores, mr := newTestStores(t)
	ctx := context.Background()
	cooldowns := stores.Cooldowns()

	if err := cooldowns.Set(ctx, "u1", 10*time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	expiry, found, err := cooldowns.Expiry(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("Expiry = (%v, %v, %v), want found", expiry, found, err)
	}
	if !expiry.After(time.Now()) {
		t.Errorf("expiry %v should be in the future", expiry)
	}

	// TTL reclaim removes the entry entirely.
	mr.FastForward(11 * time.Minute)
	_, found, err = cooldowns.Expiry(ctx, "u1")
	if err != nil {
		t.Fatalf("Expiry after TTL failed: %v", err)
	}
	if found {
		t.Error("cooldown entry should be gone after TTL")
	}
}

func TestDeadlineStore_DueAndCompleteIfDue(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	deadlines := stores.Deadlines()

	now := time.Now()
	if err := deadlines.Arm(ctx, KindAutoInitiate, 1, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Arm overdue failed: %v", err)
	}
	if err := deadlines.Arm(ctx, KindSessionIdle, 2, now.Add(time.Hour)); err != nil {
		t.Fatalf("Arm future failed: %v", err)
	}

	due, err := deadlines.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due returned %d entries, want 1", len(due))
	}
	if due[0].Kind != KindAutoInitiate || due[0].EntityID != 1 {
		t.Errorf("Due[0] = %+v, want auto_initiate:1", due[0])
	}

	ok, err := deadlines.CompleteIfDue(ctx, KindAutoInitiate, 1, now)
	if err != nil || !ok {
		t.Fatalf("CompleteIfDue = (%v, %v), want (true, nil)", ok, err)
	}

	// Completing again is a no-op.
	ok, err = deadlines.CompleteIfDue(ctx, KindAutoInitiate, 1, now)
	if err != nil {
		t.Fatalf("second CompleteIfDue errored: %v", err)
	}
	if ok {
		t.Error("second CompleteIfDue succeeded, want no-op")
	}
}

func TestDeadlineStore_RearmSurvivesCompletion(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	deadlines := stores.Deadlines()

	now := time.Now()
	if err := deadlines.Arm(ctx, KindSessionIdle, 5, now.Add(-time.Second)); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	// An inbound message re-armed the idle deadline before the poller got to it.
	if err := deadlines.Arm(ctx, KindSessionIdle, 5, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("re-Arm failed: %v", err)
	}

	ok, err := deadlines.CompleteIfDue(ctx, KindSessionIdle, 5, now)
	if err != nil {
		t.Fatalf("CompleteIfDue errored: %v", err)
	}
	if ok {
		t.Fatal("CompleteIfDue removed a re-armed deadline; the new fire-at must survive")
	}

	due, err := deadlines.Due(ctx, now.Add(6*time.Minute), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 || due[0].EntityID != 5 {
		t.Fatalf("re-armed deadline missing from index: %+v", due)
	}
}

func TestSessionStore_ActiveLifecycle(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	sessions := stores.Sessions()

	session := &model.Session{
		ID:              100,
		UserID:          "u1",
		Trigger:         model.TriggerAutoInitiated,
		TriggerSeverity: model.SeverityHigh,
		Status:          model.SessionStatusStarting,
		StartedAt:       time.Now(),
		LastActivityAt:  time.Now(),
	}
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	id, found, err := sessions.ActiveID(ctx, "u1")
	if err != nil || !found || id != 100 {
		t.Fatalf("ActiveID = (%d, %v, %v), want (100, true, nil)", id, found, err)
	}

	dup := &model.Session{ID: 101, UserID: "u1", Status: model.SessionStatusStarting, StartedAt: time.Now()}
	if err := sessions.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create = %v, want ErrConflict", err)
	}

	ok, err := sessions.TransitionStatus(ctx, 100, model.SessionStatusStarting, model.SessionStatusActive)
	if err != nil || !ok {
		t.Fatalf("TransitionStatus = (%v, %v), want (true, nil)", ok, err)
	}

	got, err := sessions.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.SessionStatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
}

func TestFollowupStore_ReplyRefIsOneShot(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	followups := stores.Followups()

	if err := followups.SetReplyRef(ctx, "u1", 55, time.Hour); err != nil {
		t.Fatalf("SetReplyRef failed: %v", err)
	}

	id, found, err := followups.TakeReplyRef(ctx, "u1")
	if err != nil || !found || id != 55 {
		t.Fatalf("TakeReplyRef = (%d, %v, %v), want (55, true, nil)", id, found, err)
	}

	_, found, err = followups.TakeReplyRef(ctx, "u1")
	if err != nil {
		t.Fatalf("second TakeReplyRef errored: %v", err)
	}
	if found {
		t.Error("reply ref should be consumed by the first take")
	}
}

func TestHistoryStore_BoundedChronological(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	history := stores.History()

	for i := 0; i < 5; i++ {
		msg := model.HistoryMessage{UserID: "u1", Content: string(rune('a' + i))}
		if err := history.Append(ctx, "c1", msg, 3); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := history.Recent(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d messages, want 3 (trimmed)", len(recent))
	}
	if recent[0].Content != "c" || recent[2].Content != "e" {
		t.Errorf("Recent order = %v, want oldest-first c..e", recent)
	}
}

func TestPreferenceStore_OptOutRoundTrip(t *testing.T) {
	stores, _ := newTestStores(t)
	ctx := context.Background()
	prefs := stores.Preferences()

	opted, err := prefs.OptedOut(ctx, "u1")
	if err != nil || opted {
		t.Fatalf("OptedOut default = (%v, %v), want (false, nil)", opted, err)
	}

	if err := prefs.SetOptOut(ctx, "u1", true); err != nil {
		t.Fatalf("SetOptOut failed: %v", err)
	}
	opted, err = prefs.OptedOut(ctx, "u1")
	if err != nil || !opted {
		t.Fatalf("OptedOut after set = (%v, %v), want (true, nil)", opted, err)
	}

	if err := prefs.SetOptOut(ctx, "u1", false); err != nil {
		t.Fatalf("SetOptOut clear failed: %v", err)
	}
	opted, err = prefs.OptedOut(ctx, "u1")
	if err != nil || opted {
		t.Fatalf("OptedOut after clear = (%v, %v), want (false, nil)", opted, err)
	}
}
