package session

import (
	"context"
	"fmt"
	"log/slog"

	"haven.app/ash/common/logger"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/transport"
)

// OnGuildMessage watches shared channels for hand-off: a crisis responder
// mentioning a user who has an open session means a human has taken over, and
// Ash bows out immediately.
func (e *Engine) OnGuildMessage(ctx context.Context, msg model.GuildMessage) error {
	if !msg.AuthorIsResponder || msg.AuthorIsBot || len(msg.MentionedUserIDs) == 0 {
		return nil
	}

	for _, mentioned := range msg.MentionedUserIDs {
		sessionID, found, err := e.sessions.ActiveID(ctx, mentioned)
		if err != nil {
			return fmt.Errorf("looking up session for mention: %w", err)
		}
		if !found {
			continue
		}

		session, err := e.sessions.Get(ctx, sessionID)
		if err != nil {
			slog.WarnContext(ctx, "active pointer to missing session", "session_id", sessionID, "error", err)
			continue
		}
		if !session.Open() {
			continue
		}

		hctx := logger.WithLogFields(ctx, logger.LogFields{
			SessionID: logger.Ptr(session.ID),
			UserID:    logger.Ptr(mentioned),
			Component: "session",
		})

		// The human has the conversation now; the transfer DM is still contact
		// and must respect an opt-out set since the session started.
		optedOut, err := e.prefs.OptedOut(hctx, mentioned)
		if err != nil {
			return fmt.Errorf("checking opt-out: %w", err)
		}
		if optedOut {
			if err := e.End(hctx, session, model.EndReasonOptedOut, nil); err != nil {
				return err
			}
			continue
		}

		if _, err := e.sender.SendDM(hctx, mentioned, transport.Message{Content: handoffMessage}); err != nil {
			slog.WarnContext(hctx, "failed to send hand-off dm", "error", err)
		}

		responder := msg.UserID
		slog.InfoContext(hctx, "responder took over session", "responder", responder)
		if err := e.End(hctx, session, model.EndReasonHandedOff, &responder); err != nil {
			return err
		}
	}
	return nil
}
