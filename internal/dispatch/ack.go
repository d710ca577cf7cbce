package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"haven.app/ash/common/logger"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
)

// ErrAlreadyResolved is returned when an acknowledge arrives after the alert
// left the created state (another responder acked it, or auto-initiate fired).
var ErrAlreadyResolved = errors.New("alert already resolved")

// ErrNotResponder is returned when a non-responder clicks an alert button.
var ErrNotResponder = errors.New("only crisis responders may act on alerts")

// Acknowledge resolves an alert as human-handled. Exactly one of acknowledge
// and auto-initiate wins; the loser observes ErrAlreadyResolved.
func (d *Dispatcher) Acknowledge(ctx context.Context, alertID int64, actor model.Interaction) (*model.Alert, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		AlertID:   logger.Ptr(alertID),
		Component: "dispatch",
	})

	if !actor.ActorIsResponder {
		return nil, ErrNotResponder
	}

	alert, err := d.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("loading alert: %w", err)
	}

	ok, err := d.alerts.TransitionStatus(ctx, alertID, model.AlertStatusCreated, model.AlertStatusAcknowledged)
	if err != nil {
		return nil, fmt.Errorf("transitioning alert: %w", err)
	}
	if !ok {
		current, getErr := d.alerts.Get(ctx, alertID)
		if getErr == nil {
			return current, ErrAlreadyResolved
		}
		return nil, ErrAlreadyResolved
	}

	now := d.now().UTC()
	alert.Status = model.AlertStatusAcknowledged
	alert.AcknowledgedBy = &actor.ActorID
	alert.AcknowledgedAt = &now
	if err := d.alerts.Save(ctx, alert); err != nil {
		slog.ErrorContext(ctx, "failed to persist acknowledgement details", "error", err)
	}

	// The pending auto-initiate timer is void once a human has the alert.
	if err := d.deadlines.Cancel(ctx, store.KindAutoInitiate, alertID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel auto-initiate deadline", "error", err)
	}
	if err := d.alerts.ReleaseActive(ctx, alert.UserID, alertID); err != nil {
		slog.ErrorContext(ctx, "failed to release active alert", "error", err)
	}

	d.updatePostedAlert(ctx, alert, fmt.Sprintf("Acknowledged by <@%s>", actor.ActorID), colorResolved)

	slog.InfoContext(ctx, "alert acknowledged", "acknowledged_by", actor.ActorID)
	d.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventAlertAcknowledged,
		EntityID: alertID,
		UserHash: metrics.HashUser(alert.UserID),
		Severity: alert.Severity,
	})

	return alert, nil
}

// MarkResolved rewrites the posted alert embed after a terminal transition
// made elsewhere (auto-initiate, expiry). Best-effort.
func (d *Dispatcher) MarkResolved(ctx context.Context, alert *model.Alert, note string) {
	color := colorResolved
	if alert.Status == model.AlertStatusAutoInitiated {
		color = colorHigh
	}
	d.updatePostedAlert(ctx, alert, note, color)
}

func (d *Dispatcher) updatePostedAlert(ctx context.Context, alert *model.Alert, note string, color int) {
	if alert.AlertChannelID == "" || alert.AlertMessageID == "" {
		return
	}

	msg := transport.Message{
		Embed: &transport.Embed{
			Title:       fmt.Sprintf("%s severity alert", titleCase(string(alert.Severity))),
			Description: note,
			Color:       color,
			Fields: []transport.EmbedField{
				{Name: "User", Value: fmt.Sprintf("<@%s>", alert.UserID), Inline: true},
				{Name: "Status", Value: string(alert.Status), Inline: true},
			},
		},
	}
	if err := d.sender.UpdateMessage(ctx, alert.AlertChannelID, alert.AlertMessageID, msg); err != nil {
		slog.WarnContext(ctx, "failed to update posted alert", "error", err)
	}
}
