package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"haven.app/ash/common/id"
	"haven.app/ash/common/logger"
	"haven.app/ash/core/config"
	"haven.app/ash/internal/guard"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
)

// Embed colors per severity tier.
const (
	colorMedium   = 0xE6B400
	colorHigh     = 0xE67E22
	colorCritical = 0xCC3333
	colorResolved = 0x4A934A
)

// Dispatcher turns actionable classifications into routed, acknowledgeable
// alerts. It owns the threshold gate, the per-user cooldown, severity-tier
// routing, and arming the auto-initiate deadline.
type Dispatcher struct {
	alerts    store.AlertStore
	deadlines store.DeadlineStore
	cooldown  *guard.Cooldown
	sender    transport.ChatSender
	recorder  metrics.Recorder

	threshold       model.Severity
	channels        map[model.Severity]string
	responderRoleID string

	autoInitiateAfter time.Duration
	autoInitiateMin   model.Severity

	now func() time.Time
}

func New(
	stores *store.Stores,
	cooldown *guard.Cooldown,
	sender transport.ChatSender,
	recorder metrics.Recorder,
	alerting config.AlertingConfig,
	escalation config.EscalationConfig,
) (*Dispatcher, error) {
	threshold, err := model.ParseSeverity(alerting.Threshold)
	if err != nil {
		return nil, fmt.Errorf("alert threshold: %w", err)
	}
	autoMin, err := model.ParseSeverity(escalation.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("auto-initiate min severity: %w", err)
	}

	return &Dispatcher{
		alerts:    stores.Alerts(),
		deadlines: stores.Deadlines(),
		cooldown:  cooldown,
		sender:    sender,
		recorder:  recorder,
		threshold: threshold,
		channels: map[model.Severity]string{
			model.SeverityMedium:   alerting.MediumChannelID,
			model.SeverityHigh:     alerting.HighChannelID,
			model.SeverityCritical: alerting.CriticalChannelID,
		},
		responderRoleID:   alerting.ResponderRoleID,
		autoInitiateAfter: escalation.Timeout,
		autoInitiateMin:   autoMin,
		now:               time.Now,
	}, nil
}

// Dispatch evaluates one classified message. It returns the created alert, or
// nil when the message was gated out (below threshold, degraded, cooling down,
// or the user already has an active alert).
func (d *Dispatcher) Dispatch(ctx context.Context, msg model.GuildMessage, c *model.Classification) (*model.Alert, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(msg.UserID),
		ChannelID: logger.Ptr(msg.ChannelID),
		MessageID: logger.Ptr(msg.MessageID),
		Component: "dispatch",
	})

	if c.Degraded {
		d.recorder.Record(ctx, metrics.Event{
			Type:     metrics.EventClassifierDegraded,
			UserHash: metrics.HashUser(msg.UserID),
		})
		return nil, nil
	}
	if !c.Actionable() || !c.Severity.AtLeast(d.threshold) {
		return nil, nil
	}

	allowed, expiry, err := d.cooldown.Allow(ctx, msg.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking cooldown: %w", err)
	}
	if !allowed {
		slog.InfoContext(ctx, "alert suppressed by cooldown",
			"severity", c.Severity,
			"cooldown_expires", expiry)
		d.recorder.Record(ctx, metrics.Event{
			Type:     metrics.EventAlertSuppressed,
			UserHash: metrics.HashUser(msg.UserID),
			Severity: c.Severity,
			Detail:   "cooldown",
		})
		return nil, nil
	}

	alert := &model.Alert{
		ID:        id.New(),
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		Severity:  c.Severity,
		Status:    model.AlertStatusCreated,
		CreatedAt: d.now().UTC(),
	}

	if err := d.alerts.Create(ctx, alert); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.InfoContext(ctx, "alert suppressed, user already has an active alert",
				"severity", c.Severity)
			d.recorder.Record(ctx, metrics.Event{
				Type:     metrics.EventAlertSuppressed,
				UserHash: metrics.HashUser(msg.UserID),
				Severity: c.Severity,
				Detail:   "active_alert",
			})
			return nil, nil
		}
		return nil, fmt.Errorf("creating alert: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{AlertID: logger.Ptr(alert.ID)})

	posted, err := d.sender.PostMessage(ctx, d.channelFor(c.Severity), d.alertMessage(alert, c))
	if err != nil {
		// Undo the claim so a redelivery can try again with a fresh alert.
		if relErr := d.alerts.ReleaseActive(ctx, msg.UserID, alert.ID); relErr != nil {
			slog.ErrorContext(ctx, "failed to release alert after post failure", "error", relErr)
		}
		return nil, fmt.Errorf("posting alert: %w", err)
	}

	alert.AlertChannelID = posted.ChannelID
	alert.AlertMessageID = posted.MessageID
	if err := d.alerts.Save(ctx, alert); err != nil {
		slog.ErrorContext(ctx, "failed to persist posted message ref", "error", err)
	}

	if err := d.cooldown.Trip(ctx, msg.UserID); err != nil {
		slog.ErrorContext(ctx, "failed to start cooldown", "error", err)
	}

	if c.Severity.AtLeast(d.autoInitiateMin) {
		fireAt := d.now().Add(d.autoInitiateAfter)
		if err := d.deadlines.Arm(ctx, store.KindAutoInitiate, alert.ID, fireAt); err != nil {
			// Without a durable timer the escalation would silently never fire.
			// Surface the failure; the channel alert stands and responders can
			// still acknowledge or initiate manually.
			return nil, fmt.Errorf("arming auto-initiate deadline: %w", err)
		}
	}

	slog.InfoContext(ctx, "alert dispatched",
		"severity", c.Severity,
		"confidence", c.Confidence,
		"staff_review", c.StaffReview)
	d.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventAlertDispatched,
		EntityID: alert.ID,
		UserHash: metrics.HashUser(msg.UserID),
		Severity: c.Severity,
	})

	return alert, nil
}

// channelFor routes to the tier channel, falling back down the ladder when a
// tier has no channel configured.
func (d *Dispatcher) channelFor(severity model.Severity) string {
	order := []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium}
	for _, tier := range order {
		if severity.AtLeast(tier) && d.channels[tier] != "" {
			return d.channels[tier]
		}
	}
	return d.channels[model.SeverityMedium]
}

func (d *Dispatcher) alertMessage(alert *model.Alert, c *model.Classification) transport.Message {
	embed := &transport.Embed{
		Title: fmt.Sprintf("%s severity alert", titleCase(string(alert.Severity))),
		Color: severityColor(alert.Severity),
		Fields: []transport.EmbedField{
			{Name: "User", Value: fmt.Sprintf("<@%s>", alert.UserID), Inline: true},
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", alert.ChannelID), Inline: true},
			{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", c.Confidence*100), Inline: true},
		},
	}
	if c.Rationale != "" {
		embed.Description = c.Rationale
	}
	if c.StaffReview {
		embed.Fields = append(embed.Fields, transport.EmbedField{
			Name: "Review", Value: "Classifier recommends human review",
		})
	}

	msg := transport.Message{
		Embed: embed,
		Buttons: []transport.Button{
			{Label: "Acknowledge", CustomID: fmt.Sprintf("ack:%d", alert.ID), Style: "primary"},
			{Label: "Have Ash reach out", CustomID: fmt.Sprintf("initiate:%d", alert.ID), Style: "secondary"},
		},
	}

	// High and critical alerts page the response team.
	if alert.Severity.AtLeast(model.SeverityHigh) && d.responderRoleID != "" {
		msg.Content = fmt.Sprintf("<@&%s>", d.responderRoleID)
	}
	return msg
}

func severityColor(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return colorCritical
	case model.SeverityHigh:
		return colorHigh
	default:
		return colorMedium
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
