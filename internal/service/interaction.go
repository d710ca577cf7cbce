package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"haven.app/ash/common/logger"
	"haven.app/ash/internal/dispatch"
	"haven.app/ash/internal/escalate"
	"haven.app/ash/internal/model"
)

// InteractionService routes alert button clicks. Custom ids carry the action
// and the persisted alert id, so clicks remain valid across restarts.
type InteractionService struct {
	dispatcher *dispatch.Dispatcher
	escalator  *escalate.Scheduler
}

func NewInteractionService(dispatcher *dispatch.Dispatcher, escalator *escalate.Scheduler) *InteractionService {
	return &InteractionService{dispatcher: dispatcher, escalator: escalator}
}

func (s *InteractionService) Handle(ctx context.Context, in model.Interaction) error {
	action, alertID, err := parseCustomID(in.CustomID)
	if err != nil {
		slog.WarnContext(ctx, "unparseable interaction", "custom_id", in.CustomID, "error", err)
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		AlertID:   logger.Ptr(alertID),
		UserID:    logger.Ptr(in.ActorID),
		Component: "interaction",
	})

	switch action {
	case "ack":
		_, err = s.dispatcher.Acknowledge(ctx, alertID, in)
	case "initiate":
		err = s.escalator.InitiateNow(ctx, alertID, in)
	default:
		slog.WarnContext(ctx, "unknown interaction action", "action", action)
		return nil
	}

	// Permission and late-click outcomes are terminal, not retryable.
	if errors.Is(err, dispatch.ErrNotResponder) || errors.Is(err, dispatch.ErrAlreadyResolved) {
		slog.InfoContext(ctx, "interaction rejected", "action", action, "reason", err)
		return nil
	}
	return err
}

func parseCustomID(customID string) (string, int64, error) {
	action, idStr, found := strings.Cut(customID, ":")
	if !found {
		return "", 0, fmt.Errorf("custom id %q has no separator", customID)
	}
	alertID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("custom id %q has no alert id: %w", customID, err)
	}
	return action, alertID, nil
}
