package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"haven.app/ash/common/id"
	"haven.app/ash/common/logger"
	"haven.app/ash/core/config"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
)

// Scheduler books a deferred check-in DM after qualifying sessions and sends
// it when the deadline fires. Eligibility is evaluated twice: once at session
// end (severity, duration, rate limits) and again at fire time (opt-out),
// because a day can pass between the two.
type Scheduler struct {
	followups store.FollowupStore
	prefs     store.PreferenceStore
	deadlines store.DeadlineStore
	sender    transport.ChatSender
	recorder  metrics.Recorder

	cfg         config.FollowupConfig
	minSeverity model.Severity

	now func() time.Time
}

func New(
	stores *store.Stores,
	sender transport.ChatSender,
	recorder metrics.Recorder,
	cfg config.FollowupConfig,
) (*Scheduler, error) {
	minSeverity, err := model.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, fmt.Errorf("followup min severity: %w", err)
	}

	return &Scheduler{
		followups:   stores.Followups(),
		prefs:       stores.Preferences(),
		deadlines:   stores.Deadlines(),
		sender:      sender,
		recorder:    recorder,
		cfg:         cfg,
		minSeverity: minSeverity,
		now:         time.Now,
	}, nil
}

// OnSessionEnded implements the session engine's end hook.
func (s *Scheduler) OnSessionEnded(ctx context.Context, session *model.Session) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(session.ID),
		UserID:    logger.Ptr(session.UserID),
		Component: "followup",
	})

	if session.EndReason != nil && *session.EndReason == model.EndReasonOptedOut {
		return
	}
	if !session.TriggerSeverity.AtLeast(s.minSeverity) {
		return
	}
	if session.Trigger == model.TriggerFollowup {
		// Continuations don't chain further check-ins.
		return
	}
	if dur := session.Duration(s.now()); dur < s.cfg.MinSessionDuration || dur > s.cfg.MaxSessionDuration {
		slog.DebugContext(ctx, "session duration outside follow-up band", "duration", dur)
		return
	}

	recent, err := s.followups.HasRecent(ctx, session.UserID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to check recent follow-up marker", "error", err)
		return
	}
	if recent {
		slog.InfoContext(ctx, "follow-up suppressed by recent-contact window")
		return
	}

	fireAt := s.now().UTC().Add(s.cfg.Delay)
	followup := &model.Followup{
		ID:        id.New(),
		SessionID: session.ID,
		UserID:    session.UserID,
		Severity:  session.TriggerSeverity,
		FireAt:    fireAt,
		Status:    model.FollowupStatusPending,
		CreatedAt: s.now().UTC(),
	}

	if err := s.followups.Create(ctx, followup); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.InfoContext(ctx, "follow-up already pending for user")
			return
		}
		slog.ErrorContext(ctx, "failed to create follow-up", "error", err)
		return
	}

	if err := s.deadlines.Arm(ctx, store.KindFollowup, followup.ID, fireAt); err != nil {
		// A pending record without a durable timer would never fire and would
		// block the user's pending slot; void it instead.
		slog.ErrorContext(ctx, "failed to arm follow-up deadline", "error", err)
		if resErr := s.resolve(ctx, followup, model.FollowupStatusCancelled, "deadline_unavailable"); resErr != nil {
			slog.ErrorContext(ctx, "failed to void unarmed follow-up", "error", resErr)
		}
		return
	}

	slog.InfoContext(ctx, "follow-up scheduled",
		"followup_id", followup.ID,
		"fire_at", fireAt)
	s.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventFollowupScheduled,
		EntityID: followup.ID,
		UserHash: metrics.HashUser(session.UserID),
		Severity: session.TriggerSeverity,
	})
}

// HandleDue sends one due check-in. Opt-out at fire time is recorded as a
// skipped status, never silently dropped.
func (s *Scheduler) HandleDue(ctx context.Context, followupID int64, now time.Time) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		FollowupID: logger.Ptr(followupID),
		Component:  "followup",
	})

	followup, err := s.followups.Get(ctx, followupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "follow-up deadline for unknown record")
			return nil
		}
		return fmt.Errorf("loading follow-up: %w", err)
	}
	if followup.Status != model.FollowupStatusPending {
		return nil
	}

	optedOut, err := s.prefs.OptedOut(ctx, followup.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return s.resolve(ctx, followup, model.FollowupStatusSkippedOptOut, "opt_out")
	}

	variant, text := variantFor(followup.ID)
	if _, err := s.sender.SendDM(ctx, followup.UserID, transport.Message{Content: text}); err != nil {
		if errors.Is(err, transport.ErrDMUnavailable) {
			return s.resolve(ctx, followup, model.FollowupStatusCancelled, "dm_unavailable")
		}
		return fmt.Errorf("sending check-in dm: %w", err)
	}

	ok, err := s.followups.TransitionStatus(ctx, followupID, model.FollowupStatusPending, model.FollowupStatusSent)
	if err != nil {
		return fmt.Errorf("marking follow-up sent: %w", err)
	}
	if !ok {
		return nil
	}

	sentAt := s.now().UTC()
	followup.Status = model.FollowupStatusSent
	followup.SentAt = &sentAt
	followup.Variant = variant
	if err := s.followups.Save(ctx, followup); err != nil {
		slog.ErrorContext(ctx, "failed to persist sent follow-up", "error", err)
	}

	if err := s.followups.ReleasePending(ctx, followup.UserID, followupID); err != nil {
		slog.ErrorContext(ctx, "failed to release pending slot", "error", err)
	}
	if err := s.followups.MarkRecent(ctx, followup.UserID, s.cfg.RecentWindow); err != nil {
		slog.ErrorContext(ctx, "failed to mark recent follow-up", "error", err)
	}
	// Replies inside the window reopen the conversation as a continuation.
	if err := s.followups.SetReplyRef(ctx, followup.UserID, followupID, s.cfg.ReplyWindow); err != nil {
		slog.ErrorContext(ctx, "failed to set reply ref", "error", err)
	}

	slog.InfoContext(ctx, "follow-up sent", "variant", variant)
	s.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventFollowupSent,
		EntityID: followupID,
		UserHash: metrics.HashUser(followup.UserID),
		Severity: followup.Severity,
	})
	return nil
}

// CancelPending voids the user's pending follow-up, used when a new live
// conversation makes a scheduled check-in redundant.
func (s *Scheduler) CancelPending(ctx context.Context, userID string) error {
	followupID, found, err := s.followups.PendingID(ctx, userID)
	if err != nil {
		return fmt.Errorf("looking up pending follow-up: %w", err)
	}
	if !found {
		return nil
	}

	ok, err := s.followups.TransitionStatus(ctx, followupID, model.FollowupStatusPending, model.FollowupStatusCancelled)
	if err != nil {
		return fmt.Errorf("cancelling follow-up: %w", err)
	}
	if !ok {
		return nil
	}

	if err := s.deadlines.Cancel(ctx, store.KindFollowup, followupID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel follow-up deadline", "error", err)
	}
	if err := s.followups.ReleasePending(ctx, userID, followupID); err != nil {
		slog.ErrorContext(ctx, "failed to release pending slot", "error", err)
	}

	slog.InfoContext(ctx, "pending follow-up cancelled", "followup_id", followupID)
	return nil
}

func (s *Scheduler) resolve(ctx context.Context, followup *model.Followup, status model.FollowupStatus, detail string) error {
	ok, err := s.followups.TransitionStatus(ctx, followup.ID, model.FollowupStatusPending, status)
	if err != nil {
		return fmt.Errorf("resolving follow-up: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.followups.ReleasePending(ctx, followup.UserID, followup.ID); err != nil {
		slog.ErrorContext(ctx, "failed to release pending slot", "error", err)
	}

	slog.InfoContext(ctx, "follow-up skipped", "status", status, "detail", detail)
	s.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventFollowupSkipped,
		EntityID: followup.ID,
		UserHash: metrics.HashUser(followup.UserID),
		Severity: followup.Severity,
		Detail:   detail,
	})
	return nil
}
