package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"haven.app/ash/common/id"
	"haven.app/ash/common/llm"
	"haven.app/ash/common/logger"
	"haven.app/ash/core/config"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/store"
	"haven.app/ash/internal/transport"
)

// ErrOptedOut is returned when a session would contact an opted-out user.
var ErrOptedOut = errors.New("user has opted out of contact")

// ErrSessionActive is returned when the user already has an open session.
var ErrSessionActive = errors.New("user already has an active session")

// EndListener is notified after a session reaches a terminal state. The
// follow-up scheduler hangs off this hook.
type EndListener interface {
	OnSessionEnded(ctx context.Context, session *model.Session)
}

// Archiver receives closed sessions for long-term audit storage.
type Archiver interface {
	ArchiveSession(ctx context.Context, session *model.Session) error
}

// Engine owns the DM conversation lifecycle: opening outreach, turn-by-turn
// replies, idle and max-duration deadlines, hand-off, and closing. At most one
// open session exists per user, enforced by the store's active pointer.
type Engine struct {
	sessions  store.SessionStore
	prefs     store.PreferenceStore
	deadlines store.DeadlineStore
	followups store.FollowupStore
	sender    transport.ChatSender
	chat      llm.ChatClient // nil means canned replies only
	recorder  metrics.Recorder
	archiver  Archiver // optional
	listeners []EndListener

	cfg config.SessionConfig

	// Channel where flag_for_human notes land.
	escalationChannelID string

	now func() time.Time
}

func NewEngine(
	stores *store.Stores,
	sender transport.ChatSender,
	chat llm.ChatClient,
	recorder metrics.Recorder,
	cfg config.SessionConfig,
	escalationChannelID string,
) *Engine {
	return &Engine{
		sessions:            stores.Sessions(),
		prefs:               stores.Preferences(),
		deadlines:           stores.Deadlines(),
		followups:           stores.Followups(),
		sender:              sender,
		chat:                chat,
		recorder:            recorder,
		cfg:                 cfg,
		escalationChannelID: escalationChannelID,
		now:                 time.Now,
	}
}

func (e *Engine) SetArchiver(a Archiver)       { e.archiver = a }
func (e *Engine) AddEndListener(l EndListener) { e.listeners = append(e.listeners, l) }

// StartFromAlert opens an outreach conversation for an escalated alert.
func (e *Engine) StartFromAlert(ctx context.Context, alert *model.Alert, trigger model.SessionTrigger) (*model.Session, error) {
	session := &model.Session{
		ID:              id.New(),
		UserID:          alert.UserID,
		AlertID:         &alert.ID,
		Trigger:         trigger,
		TriggerSeverity: alert.Severity,
		Status:          model.SessionStatusStarting,
	}
	return e.start(ctx, session)
}

// StartContinuation opens a lightweight session when a user replies to a
// check-in DM within the reply window.
func (e *Engine) StartContinuation(ctx context.Context, userID string, severity model.Severity) (*model.Session, error) {
	session := &model.Session{
		ID:              id.New(),
		UserID:          userID,
		Trigger:         model.TriggerFollowup,
		TriggerSeverity: severity,
		Status:          model.SessionStatusStarting,
	}
	return e.start(ctx, session)
}

func (e *Engine) start(ctx context.Context, session *model.Session) (*model.Session, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(session.ID),
		UserID:    logger.Ptr(session.UserID),
		Component: "session",
	})

	optedOut, err := e.prefs.OptedOut(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return nil, ErrOptedOut
	}

	now := e.now().UTC()
	session.StartedAt = now
	session.LastActivityAt = now

	if err := e.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrSessionActive
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	// A live conversation supersedes any scheduled check-in.
	if session.Trigger != model.TriggerFollowup {
		e.cancelPendingFollowup(ctx, session.UserID)
	}

	// Timers are armed before first contact: a session must never run without
	// durable deadlines, so a failure here aborts before the user hears from us.
	if err := e.deadlines.Arm(ctx, store.KindSessionIdle, session.ID, now.Add(e.cfg.IdleTimeout)); err != nil {
		e.abortStart(ctx, session)
		return nil, fmt.Errorf("arming idle deadline: %w", err)
	}
	if err := e.deadlines.Arm(ctx, store.KindSessionMax, session.ID, now.Add(e.cfg.MaxDuration)); err != nil {
		e.abortStart(ctx, session)
		return nil, fmt.Errorf("arming max-duration deadline: %w", err)
	}

	opening := openingMessage(session.Trigger)
	if _, err := e.sender.SendDM(ctx, session.UserID, transport.Message{Content: opening}); err != nil {
		// The session never becomes active; close it out and free the slot.
		e.abortStart(ctx, session)
		slog.WarnContext(ctx, "could not open dm conversation", "error", err)
		return nil, fmt.Errorf("opening dm: %w", err)
	}

	session.Transcript = []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "assistant", Content: opening},
	}

	ok, err := e.sessions.TransitionStatus(ctx, session.ID, model.SessionStatusStarting, model.SessionStatusActive)
	if err != nil || !ok {
		// The slot must not stay claimed by a session stuck in starting.
		e.abortStart(ctx, session)
		return nil, fmt.Errorf("activating session: %w", err)
	}
	session.Status = model.SessionStatusActive
	if err := e.sessions.Save(ctx, session); err != nil {
		slog.ErrorContext(ctx, "failed to persist opening transcript", "error", err)
	}

	slog.InfoContext(ctx, "session started", "trigger", session.Trigger)
	e.recorder.Record(ctx, metrics.Event{
		Type:     metrics.EventSessionStarted,
		EntityID: session.ID,
		UserHash: metrics.HashUser(session.UserID),
		Severity: session.TriggerSeverity,
		Detail:   string(session.Trigger),
	})
	return session, nil
}

// abortStart tears down a session that never reached active: close the record,
// drop any armed deadlines, and free the per-user slot.
func (e *Engine) abortStart(ctx context.Context, session *model.Session) {
	if _, err := e.sessions.TransitionStatus(ctx, session.ID, model.SessionStatusStarting, model.SessionStatusEnded); err != nil {
		slog.ErrorContext(ctx, "failed to close aborted session", "error", err)
	}
	if err := e.deadlines.Cancel(ctx, store.KindSessionIdle, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel idle deadline", "error", err)
	}
	if err := e.deadlines.Cancel(ctx, store.KindSessionMax, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel max-duration deadline", "error", err)
	}
	if err := e.sessions.ReleaseActive(ctx, session.UserID, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to release session slot", "error", err)
	}
}

// OnInboundDM routes a user's direct message. An open session gets a reply; a
// DM inside a follow-up reply window opens a continuation; anything else is
// dropped.
func (e *Engine) OnInboundDM(ctx context.Context, dm model.DirectMessage) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(dm.UserID),
		MessageID: logger.Ptr(dm.MessageID),
		Component: "session",
	})

	sessionID, found, err := e.sessions.ActiveID(ctx, dm.UserID)
	if err != nil {
		return fmt.Errorf("looking up active session: %w", err)
	}

	if !found {
		return e.maybeContinueFromFollowup(ctx, dm)
	}

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !session.Open() {
		// Terminal record with a stale pointer; nothing to do.
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(session.ID)})

	// Opt-out wins over everything, re-read on every inbound turn.
	optedOut, err := e.prefs.OptedOut(ctx, dm.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return e.End(ctx, session, model.EndReasonOptedOut, nil)
	}

	if isStopRequest(dm.Content) {
		if err := e.prefs.SetOptOut(ctx, dm.UserID, true); err != nil {
			slog.ErrorContext(ctx, "failed to record opt-out", "error", err)
		}
		return e.End(ctx, session, model.EndReasonOptedOut, nil)
	}

	now := e.now().UTC()
	session.LastActivityAt = now
	session.Transcript = appendBounded(session.Transcript, llm.Message{Role: "user", Content: dm.Content}, e.cfg.TranscriptLimit)

	// Activity pushes the idle deadline out; Arm overwrites the old fire-at.
	if err := e.deadlines.Arm(ctx, store.KindSessionIdle, session.ID, now.Add(e.cfg.IdleTimeout)); err != nil {
		slog.ErrorContext(ctx, "failed to re-arm idle deadline", "error", err)
	}

	reply, endReason := e.generateReply(ctx, session)
	if reply != "" {
		if _, err := e.sender.SendDM(ctx, dm.UserID, transport.Message{Content: reply}); err != nil {
			slog.ErrorContext(ctx, "failed to send reply dm", "error", err)
		} else {
			session.Transcript = appendBounded(session.Transcript, llm.Message{Role: "assistant", Content: reply}, e.cfg.TranscriptLimit)
		}
	}

	if err := e.sessions.Save(ctx, session); err != nil {
		slog.ErrorContext(ctx, "failed to persist session turn", "error", err)
	}

	if endReason != nil {
		return e.End(ctx, session, *endReason, nil)
	}
	return nil
}

func (e *Engine) cancelPendingFollowup(ctx context.Context, userID string) {
	followupID, found, err := e.followups.PendingID(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to look up pending follow-up", "error", err)
		return
	}
	if !found {
		return
	}

	ok, err := e.followups.TransitionStatus(ctx, followupID, model.FollowupStatusPending, model.FollowupStatusCancelled)
	if err != nil {
		slog.ErrorContext(ctx, "failed to cancel pending follow-up", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := e.deadlines.Cancel(ctx, store.KindFollowup, followupID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel follow-up deadline", "error", err)
	}
	if err := e.followups.ReleasePending(ctx, userID, followupID); err != nil {
		slog.ErrorContext(ctx, "failed to release pending follow-up slot", "error", err)
	}
	slog.InfoContext(ctx, "pending follow-up superseded by new session", "followup_id", followupID)
}

func (e *Engine) maybeContinueFromFollowup(ctx context.Context, dm model.DirectMessage) error {
	followupID, found, err := e.followups.TakeReplyRef(ctx, dm.UserID)
	if err != nil {
		return fmt.Errorf("checking follow-up reply window: %w", err)
	}
	if !found {
		slog.DebugContext(ctx, "dm outside any session or reply window, ignoring")
		return nil
	}

	followup, err := e.followups.Get(ctx, followupID)
	if err != nil {
		slog.WarnContext(ctx, "reply ref points at missing follow-up", "followup_id", followupID, "error", err)
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{FollowupID: logger.Ptr(followupID)})
	session, err := e.StartContinuation(ctx, dm.UserID, followup.Severity)
	if err != nil {
		if errors.Is(err, ErrOptedOut) || errors.Is(err, ErrSessionActive) {
			return nil
		}
		return err
	}

	slog.InfoContext(ctx, "follow-up reply opened a continuation session", "session_id", session.ID)
	// Feed the reply itself through the normal turn path.
	return e.OnInboundDM(ctx, dm)
}

// generateReply runs one LLM turn. A requested end_conversation surfaces as a
// non-nil end reason; flag_for_human posts to the responder channel and the
// conversation continues.
func (e *Engine) generateReply(ctx context.Context, session *model.Session) (string, *model.EndReason) {
	if e.chat == nil {
		return fallbackReply, nil
	}

	resp, err := e.chat.ChatWithTools(ctx, llm.ChatRequest{
		Messages:    session.Transcript,
		Tools:       conversationTools(),
		MaxTokens:   e.cfg.ReplyMaxTokens,
		Temperature: llm.Temp(0.7),
	})
	if err != nil {
		slog.ErrorContext(ctx, "reply generation failed, using fallback", "error", err)
		return fallbackReply, nil
	}

	reply := strings.TrimSpace(resp.Content)
	var endReason *model.EndReason

	for _, call := range resp.ToolCalls {
		switch call.Name {
		case "end_conversation":
			args, err := llm.ParseToolArguments[endConversationArgs](call.Arguments)
			if err != nil {
				slog.WarnContext(ctx, "bad end_conversation arguments", "error", err)
				continue
			}
			reason := model.EndReasonUserEnded
			endReason = &reason
			slog.InfoContext(ctx, "model requested conversation end", "reason", args.Reason)
			if reply == "" {
				reply = farewellFor(model.EndReasonUserEnded)
			}
		case "flag_for_human":
			args, err := llm.ParseToolArguments[flagForHumanArgs](call.Arguments)
			if err != nil {
				slog.WarnContext(ctx, "bad flag_for_human arguments", "error", err)
				continue
			}
			e.flagForHuman(ctx, session, args.Reason)
		default:
			slog.WarnContext(ctx, "model called unknown tool", "tool", call.Name)
		}
	}

	if reply == "" && endReason == nil {
		reply = fallbackReply
	}
	return reply, endReason
}

func (e *Engine) flagForHuman(ctx context.Context, session *model.Session, reason string) {
	if e.escalationChannelID == "" {
		slog.WarnContext(ctx, "flag_for_human with no escalation channel configured", "reason", reason)
		return
	}
	_, err := e.sender.PostMessage(ctx, e.escalationChannelID, transport.Message{
		Content: handoffAlertText(session.UserID, reason),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to post human-attention flag", "error", err)
		return
	}
	slog.InfoContext(ctx, "conversation flagged for human attention", "reason", reason)
}

func conversationTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "end_conversation",
			Description: "End the conversation gracefully when the member wants to stop or the talk has reached a natural close.",
			Parameters:  llm.GenerateSchema[endConversationArgs](),
		},
		{
			Name:        "flag_for_human",
			Description: "Ask a human responder to step into this conversation.",
			Parameters:  llm.GenerateSchema[flagForHumanArgs](),
		},
	}
}

// HandleIdleDue processes a fired idle deadline. If activity arrived after the
// deadline was armed the timer is pushed out instead of closing the session.
func (e *Engine) HandleIdleDue(ctx context.Context, sessionID int64, now time.Time) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(sessionID),
		Component: "session",
	})

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading session: %w", err)
	}
	if !session.Open() {
		return nil
	}

	// Preference is re-read before any contact; an opt-out since the last turn
	// closes the session silently.
	optedOut, err := e.prefs.OptedOut(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return e.End(ctx, session, model.EndReasonOptedOut, nil)
	}

	idleAt := session.LastActivityAt.Add(e.cfg.IdleTimeout)
	if now.Before(idleAt) {
		// Raced with an inbound message; keep the later fire-at.
		if err := e.deadlines.Arm(ctx, store.KindSessionIdle, sessionID, idleAt); err != nil {
			return fmt.Errorf("re-arming idle deadline: %w", err)
		}
		return nil
	}

	ok, err := e.sessions.TransitionStatus(ctx, sessionID, model.SessionStatusActive, model.SessionStatusIdlePending)
	if err != nil {
		return fmt.Errorf("marking session idle: %w", err)
	}
	if !ok {
		return nil
	}
	session.Status = model.SessionStatusIdlePending

	if _, err := e.sender.SendDM(ctx, session.UserID, transport.Message{Content: idleClosingMessage}); err != nil {
		slog.WarnContext(ctx, "failed to send idle closing dm", "error", err)
	}
	return e.End(ctx, session, model.EndReasonIdleTimeout, nil)
}

// HandleMaxDue closes a session that hit its maximum duration.
func (e *Engine) HandleMaxDue(ctx context.Context, sessionID int64, now time.Time) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(sessionID),
		Component: "session",
	})

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading session: %w", err)
	}
	if !session.Open() {
		return nil
	}

	optedOut, err := e.prefs.OptedOut(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return e.End(ctx, session, model.EndReasonOptedOut, nil)
	}

	if _, err := e.sender.SendDM(ctx, session.UserID, transport.Message{Content: maxClosingMessage}); err != nil {
		slog.WarnContext(ctx, "failed to send max-duration closing dm", "error", err)
	}
	return e.End(ctx, session, model.EndReasonMaxDuration, nil)
}

// End drives the session to its terminal state, cancels its deadlines, frees
// the per-user slot, archives the record, and notifies listeners. Idempotent:
// losing the status race means someone else already closed it.
func (e *Engine) End(ctx context.Context, session *model.Session, reason model.EndReason, handoffBy *string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(session.ID),
		UserID:    logger.Ptr(session.UserID),
		Component: "session",
	})

	target := model.SessionStatusEnded
	if reason == model.EndReasonHandedOff {
		target = model.SessionStatusHandedOff
	}

	won := false
	for _, from := range []model.SessionStatus{
		model.SessionStatusActive,
		model.SessionStatusIdlePending,
		model.SessionStatusStarting,
	} {
		ok, err := e.sessions.TransitionStatus(ctx, session.ID, from, target)
		if err != nil {
			return fmt.Errorf("closing session: %w", err)
		}
		if ok {
			won = true
			break
		}
	}
	if !won {
		return nil
	}

	now := e.now().UTC()
	session.Status = target
	session.EndedAt = &now
	session.EndReason = &reason
	session.HandoffBy = handoffBy
	if err := e.sessions.Save(ctx, session); err != nil {
		slog.ErrorContext(ctx, "failed to persist closed session", "error", err)
	}

	if err := e.deadlines.Cancel(ctx, store.KindSessionIdle, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel idle deadline", "error", err)
	}
	if err := e.deadlines.Cancel(ctx, store.KindSessionMax, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to cancel max deadline", "error", err)
	}
	if err := e.sessions.ReleaseActive(ctx, session.UserID, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to release session slot", "error", err)
	}

	if e.archiver != nil {
		if err := e.archiver.ArchiveSession(ctx, session); err != nil {
			slog.ErrorContext(ctx, "failed to archive session", "error", err)
		}
	}

	eventType := metrics.EventSessionEnded
	if reason == model.EndReasonHandedOff {
		eventType = metrics.EventSessionHandedOff
	}
	slog.InfoContext(ctx, "session ended",
		"reason", reason,
		"duration", session.Duration(now).Round(time.Second).String())
	e.recorder.Record(ctx, metrics.Event{
		Type:     eventType,
		EntityID: session.ID,
		UserHash: metrics.HashUser(session.UserID),
		Severity: session.TriggerSeverity,
		Detail:   string(reason),
	})

	for _, l := range e.listeners {
		l.OnSessionEnded(ctx, session)
	}
	return nil
}

// appendBounded keeps the system prompt and the most recent turns.
func appendBounded(transcript []llm.Message, msg llm.Message, limit int) []llm.Message {
	transcript = append(transcript, msg)
	if limit <= 0 || len(transcript) <= limit {
		return transcript
	}

	var system []llm.Message
	rest := transcript
	if len(transcript) > 0 && transcript[0].Role == "system" {
		system = transcript[:1]
		rest = transcript[1:]
	}
	keep := limit - len(system)
	if keep < 1 {
		keep = 1
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return append(append([]llm.Message{}, system...), rest...)
}

func isStopRequest(content string) bool {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "stop", "stop.", "please stop", "leave me alone", "opt out", "unsubscribe":
		return true
	}
	return false
}
