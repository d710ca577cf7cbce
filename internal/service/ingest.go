package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"haven.app/ash/common/logger"
	"haven.app/ash/internal/classifier"
	"haven.app/ash/internal/dispatch"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/session"
	"haven.app/ash/internal/store"
)

// IngestService runs the per-message pipeline: hand-off watch, channel history
// bookkeeping, classification, dispatch.
type IngestService struct {
	history    store.HistoryStore
	gateway    *classifier.Gateway
	dispatcher *dispatch.Dispatcher
	engine     *session.Engine

	historyWindow int
}

func NewIngestService(
	stores *store.Stores,
	gateway *classifier.Gateway,
	dispatcher *dispatch.Dispatcher,
	engine *session.Engine,
	historyWindow int,
) *IngestService {
	return &IngestService{
		history:       stores.History(),
		gateway:       gateway,
		dispatcher:    dispatcher,
		engine:        engine,
		historyWindow: historyWindow,
	}
}

func (s *IngestService) HandleGuildMessage(ctx context.Context, msg model.GuildMessage) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(msg.UserID),
		ChannelID: logger.Ptr(msg.ChannelID),
		MessageID: logger.Ptr(msg.MessageID),
		Component: "ingest",
	})

	// Hand-off detection sees every channel message, including responders'.
	if err := s.engine.OnGuildMessage(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "hand-off watch failed", "error", err)
	}

	if msg.AuthorIsBot {
		return nil
	}

	// Context window is the messages before this one.
	recent, err := s.history.Recent(ctx, msg.ChannelID, int64(s.historyWindow))
	if err != nil {
		slog.ErrorContext(ctx, "failed to read channel history", "error", err)
		recent = nil
	}
	if err := s.history.Append(ctx, msg.ChannelID, model.HistoryMessage{
		UserID:  msg.UserID,
		Content: msg.Content,
	}, int64(s.historyWindow)); err != nil {
		slog.ErrorContext(ctx, "failed to append channel history", "error", err)
	}

	classification, err := s.gateway.Classify(ctx, classifier.Request{
		Text:    msg.Content,
		History: recent,
	})
	if err != nil {
		if errors.Is(err, classifier.ErrInvalidInput) {
			// Nothing actionable; swallowed so the message is not redelivered.
			return nil
		}
		return fmt.Errorf("classifying message: %w", err)
	}

	if _, err := s.dispatcher.Dispatch(ctx, msg, classification); err != nil {
		return fmt.Errorf("dispatching alert: %w", err)
	}
	return nil
}

func (s *IngestService) HandleDirectMessage(ctx context.Context, dm model.DirectMessage) error {
	return s.engine.OnInboundDM(ctx, dm)
}
