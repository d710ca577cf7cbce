package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"haven.app/ash/common/id"
	"haven.app/ash/core/config"
	"haven.app/ash/internal/guard"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
)

func init() {
	_ = id.Init(1)
}

type postCall struct {
	channelID string
	msg       transport.Message
}

type fakeSender struct {
	mu      sync.Mutex
	posts   []postCall
	updates []postCall
	postErr error
	dmErr   error
	nextID  int
}

func (f *fakeSender) PostMessage(_ context.Context, channelID string, msg transport.Message) (*transport.PostedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posts = append(f.posts, postCall{channelID: channelID, msg: msg})
	f.nextID++
	return &transport.PostedMessage{ChannelID: channelID, MessageID: "m" + string(rune('0'+f.nextID))}, nil
}

func (f *fakeSender) UpdateMessage(_ context.Context, channelID, messageID string, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, postCall{channelID: channelID, msg: msg})
	return nil
}

func (f *fakeSender) SendDM(_ context.Context, userID string, msg transport.Message) (*transport.PostedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	return &transport.PostedMessage{ChannelID: "dm-" + userID, MessageID: "dm1"}, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *store.Stores) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := store.New(client, "ash")
	sender := &fakeSender{}
	cooldown := guard.NewCooldown(stores.Cooldowns(), 10*time.Minute)

	d, err := New(stores, cooldown, sender, metrics.NewNoopRecorder(),
		config.AlertingConfig{
			Threshold:         "medium",
			Cooldown:          10 * time.Minute,
			MediumChannelID:   "ch-med",
			HighChannelID:     "ch-high",
			CriticalChannelID: "ch-crit",
			ResponderRoleID:   "crt-role",
		},
		config.EscalationConfig{Timeout: 5 * time.Minute, MinSeverity: "high"},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d, sender, stores
}

func classified(severity model.Severity) *model.Classification {
	return &model.Classification{Severity: severity, Confidence: 0.9, ClassifiedAt: time.Now()}
}

func guildMsg(userID string) model.GuildMessage {
	return model.GuildMessage{MessageID: "msg1", UserID: userID, ChannelID: "general", Content: "text"}
}

func TestDispatch_RoutesBySeverityTier(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	ctx := context.Background()

	cases := []struct {
		severity model.Severity
		channel  string
	}{
		{model.SeverityMedium, "ch-med"},
		{model.SeverityHigh, "ch-high"},
		{model.SeverityCritical, "ch-crit"},
	}
	for i, tc := range cases {
		user := "user" + string(rune('a'+i))
		alert, err := d.Dispatch(ctx, guildMsg(user), classified(tc.severity))
		if err != nil {
			t.Fatalf("Dispatch(%s) failed: %v", tc.severity, err)
		}
		if alert == nil {
			t.Fatalf("Dispatch(%s) produced no alert", tc.severity)
		}
		if got := sender.posts[i].channelID; got != tc.channel {
			t.Errorf("severity %s routed to %s, want %s", tc.severity, got, tc.channel)
		}
	}
}

func TestDispatch_BelowThresholdAndDegradedNeverAlert(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityLow))
	if err != nil || alert != nil {
		t.Fatalf("low severity Dispatch = (%v, %v), want no alert", alert, err)
	}

	degraded := &model.Classification{Severity: model.SeverityCritical, Degraded: true}
	alert, err = d.Dispatch(ctx, guildMsg("u1"), degraded)
	if err != nil || alert != nil {
		t.Fatalf("degraded Dispatch = (%v, %v), want no alert even at critical", alert, err)
	}

	if len(sender.posts) != 0 {
		t.Errorf("posted %d messages, want 0", len(sender.posts))
	}
}

func TestDispatch_CooldownSuppressesRegardlessOfSeverity(t *testing.T) {
	d, sender, stores := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityMedium))
	if err != nil || alert == nil {
		t.Fatalf("first Dispatch = (%v, %v), want alert", alert, err)
	}
	// Resolve it so only the cooldown stands in the way.
	if err := stores.Alerts().ReleaseActive(ctx, "u1", alert.ID); err != nil {
		t.Fatalf("ReleaseActive failed: %v", err)
	}

	// A more severe message inside the window is still suppressed.
	suppressed, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityCritical))
	if err != nil {
		t.Fatalf("second Dispatch errored: %v", err)
	}
	if suppressed != nil {
		t.Fatal("critical message dispatched inside cooldown; window is severity-agnostic")
	}
	if len(sender.posts) != 1 {
		t.Errorf("posted %d messages, want 1", len(sender.posts))
	}
}

func TestDispatch_ResponderPingOnlyHighAndUp(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityMedium)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if _, err := d.Dispatch(ctx, guildMsg("u2"), classified(model.SeverityHigh)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if strings.Contains(sender.posts[0].msg.Content, "crt-role") {
		t.Error("medium alert pinged the response team")
	}
	if !strings.Contains(sender.posts[1].msg.Content, "crt-role") {
		t.Error("high alert did not ping the response team")
	}
}

func TestDispatch_ArmsAutoInitiateForHighOnly(t *testing.T) {
	d, _, stores := newTestDispatcher(t)
	ctx := context.Background()

	medAlert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityMedium))
	if err != nil || medAlert == nil {
		t.Fatalf("medium Dispatch = (%v, %v)", medAlert, err)
	}
	highAlert, err := d.Dispatch(ctx, guildMsg("u2"), classified(model.SeverityHigh))
	if err != nil || highAlert == nil {
		t.Fatalf("high Dispatch = (%v, %v)", highAlert, err)
	}

	due, err := stores.Deadlines().Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("armed %d deadlines, want 1 (high only)", len(due))
	}
	if due[0].Kind != store.KindAutoInitiate || due[0].EntityID != highAlert.ID {
		t.Errorf("deadline = %+v, want auto_initiate for alert %d", due[0], highAlert.ID)
	}
}

func TestDispatch_PostFailureReleasesClaim(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	ctx := context.Background()

	sender.postErr = errors.New("gateway down")
	if _, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityHigh)); err == nil {
		t.Fatal("Dispatch should surface the post failure")
	}

	// Redelivery can retry now that the claim was rolled back.
	sender.postErr = nil
	alert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityHigh))
	if err != nil || alert == nil {
		t.Fatalf("retry Dispatch = (%v, %v), want alert", alert, err)
	}
}

func TestAcknowledge_ResolvesAndCancelsTimer(t *testing.T) {
	d, sender, stores := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityHigh))
	if err != nil || alert == nil {
		t.Fatalf("Dispatch = (%v, %v)", alert, err)
	}

	actor := model.Interaction{ActorID: "resp1", ActorIsResponder: true}
	acked, err := d.Acknowledge(ctx, alert.ID, actor)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if acked.Status != model.AlertStatusAcknowledged {
		t.Errorf("Status = %s, want acknowledged", acked.Status)
	}
	if acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "resp1" {
		t.Errorf("AcknowledgedBy = %v, want resp1", acked.AcknowledgedBy)
	}

	due, err := stores.Deadlines().Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 0 {
		t.Error("auto-initiate deadline still armed after acknowledge")
	}

	if len(sender.updates) != 1 {
		t.Errorf("posted alert updated %d times, want 1", len(sender.updates))
	}

	// The user's active slot is free again.
	if _, found, _ := stores.Alerts().ActiveID(ctx, "u1"); found {
		t.Error("active alert pointer still set after acknowledge")
	}
}

func TestAcknowledge_RejectsNonResponderAndDoubleAck(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := d.Dispatch(ctx, guildMsg("u1"), classified(model.SeverityHigh))
	if err != nil || alert == nil {
		t.Fatalf("Dispatch = (%v, %v)", alert, err)
	}

	if _, err := d.Acknowledge(ctx, alert.ID, model.Interaction{ActorID: "rando"}); !errors.Is(err, ErrNotResponder) {
		t.Fatalf("non-responder ack = %v, want ErrNotResponder", err)
	}

	actor := model.Interaction{ActorID: "resp1", ActorIsResponder: true}
	if _, err := d.Acknowledge(ctx, alert.ID, actor); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if _, err := d.Acknowledge(ctx, alert.ID, actor); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second ack = %v, want ErrAlreadyResolved", err)
	}
}
