package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"haven.app/ash/common/logger"
	"haven.app/ash/core/config"
	"haven.app/ash/internal/dispatch"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
)

// SessionStarter opens an outbound conversation for an alert. Implemented by
// the session engine; declared here so escalation does not depend on it.
type SessionStarter interface {
	StartFromAlert(ctx context.Context, alert *model.Alert, trigger model.SessionTrigger) (*model.Session, error)
}

// Scheduler resolves alerts that nobody acknowledged in time. The deadline
// poller delivers due auto-initiate timers here; responders can also trigger
// the same path immediately via the alert's initiate button.
type Scheduler struct {
	alerts     store.AlertStore
	prefs      store.PreferenceStore
	deadlines  store.DeadlineStore
	dispatcher *dispatch.Dispatcher
	starter    SessionStarter
	recorder   metrics.Recorder

	minSeverity model.Severity
}

func New(
	stores *store.Stores,
	dispatcher *dispatch.Dispatcher,
	starter SessionStarter,
	recorder metrics.Recorder,
	cfg config.EscalationConfig,
) (*Scheduler, error) {
	minSeverity, err := model.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("escalation min severity: %w", err)
	}

	return &Scheduler{
		alerts:      stores.Alerts(),
		prefs:       stores.Preferences(),
		deadlines:   stores.Deadlines(),
		dispatcher:  dispatcher,
		starter:     starter,
		recorder:    recorder,
		minSeverity: minSeverity,
	}, nil
}

// HandleDue processes one fired auto-initiate deadline. Eligibility is
// re-checked at fire time: acknowledgement, opt-out, or a severity below the
// floor each void the timer.
func (s *Scheduler) HandleDue(ctx context.Context, alertID int64, now time.Time) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		AlertID:   logger.Ptr(alertID),
		Component: "escalate",
	})

	alert, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "auto-initiate deadline for unknown alert")
			return nil
		}
		return fmt.Errorf("loading alert: %w", err)
	}

	if alert.Terminal() {
		// A responder got there first.
		return nil
	}

	optedOut, err := s.prefs.OptedOut(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut || !alert.Severity.AtLeast(s.minSeverity) {
		reason := "below severity floor"
		if optedOut {
			reason = "user opted out"
		}
		return s.expire(ctx, alert, reason)
	}

	ok, err := s.alerts.TransitionStatus(ctx, alertID, model.AlertStatusCreated, model.AlertStatusAutoInitiated)
	if err != nil {
		return fmt.Errorf("transitioning alert: %w", err)
	}
	if !ok {
		// Lost the race against an acknowledge that landed mid-check.
		return nil
	}
	alert.Status = model.AlertStatusAutoInitiated

	return s.initiate(ctx, alert, model.TriggerAutoInitiated)
}

// InitiateNow is the responder-driven variant: skip the wait and have Ash
// reach out immediately.
func (s *Scheduler) InitiateNow(ctx context.Context, alertID int64, actor model.Interaction) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		AlertID:   logger.Ptr(alertID),
		Component: "escalate",
	})

	if !actor.ActorIsResponder {
		return dispatch.ErrNotResponder
	}

	alert, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert: %w", err)
	}

	optedOut, err := s.prefs.OptedOut(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return s.expire(ctx, alert, "user opted out")
	}

	ok, err := s.alerts.TransitionStatus(ctx, alertID, model.AlertStatusCreated, model.AlertStatusAutoInitiated)
	if err != nil {
		return fmt.Errorf("transitioning alert: %w", err)
	}
	if !ok {
		return dispatch.ErrAlreadyResolved
	}
	alert.Status = model.AlertStatusAutoInitiated

	if err := s.deadlines.Cancel(ctx, store.KindAutoInitiate, alertID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel auto-initiate deadline", "error", err)
	}

	slog.InfoContext(ctx, "responder triggered immediate outreach", "actor", actor.ActorID)
	return s.initiate(ctx, alert, model.TriggerManual)
}

func (s *Scheduler) initiate(ctx context.Context, alert *model.Alert, trigger model.SessionTrigger) error {
	if err := s.alerts.ReleaseActive(ctx, alert.UserID, alert.ID); err != nil {
		slog.ErrorContext(ctx, "failed to release active alert", "error", err)
	}

	session, err := s.starter.StartFromAlert(ctx, alert, trigger)
	if err != nil {
		s.dispatcher.MarkResolved(ctx, alert, "Ash could not reach the user by DM")
		slog.ErrorContext(ctx, "failed to start outreach session", "error", err)
		return nil
	}

	s.dispatcher.MarkResolved(ctx, alert, "Ash is reaching out")
	slog.InfoContext(ctx, "outreach session started",
		"session_id", session.ID,
		"trigger", trigger)
	return nil
}

func (s *Scheduler) expire(ctx context.Context, alert *model.Alert, reason string) error {
	ok, err := s.alerts.TransitionStatus(ctx, alert.ID, model.AlertStatusCreated, model.AlertStatusExpired)
	if err != nil {
		return fmt.Errorf("expiring alert: %w", err)
	}
	if !ok {
		return nil
	}
	alert.Status = model.AlertStatusExpired

	if err := s.alerts.ReleaseActive(ctx, alert.UserID, alert.ID); err != nil {
		slog.ErrorContext(ctx, "failed to release active alert", "error", err)
	}

	s.dispatcher.MarkResolved(ctx, alert, "Expired: "+reason)
	slog.InfoContext(ctx, "alert expired", "reason", reason)
	s.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventAlertExpired,
		EntityID: alert.ID,
		UserHash: metrics.HashUser(alert.UserID),
		Severity: alert.Severity,
		Detail:   reason,
	})
	return nil
}
