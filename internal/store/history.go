package store

import (
	"context"
	"encoding/json"
	"fmt"

	"haven.app/ash/internal/model"
)

type historyStore struct {
	kv *Stores
}

func (s *historyStore) historyKey(channelID string) string {
	return s.kv.key("history", channelID)
}

func (s *historyStore) Append(ctx context.Context, channelID string, msg model.HistoryMessage, limit int64) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history message: %w", err)
	}

	pipe := s.kv.client.TxPipeline()
	pipe.LPush(ctx, s.historyKey(channelID), data)
	pipe.LTrim(ctx, s.historyKey(channelID), 0, limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending channel history: %w", err)
	}
	return nil
}

// Recent returns up to n messages, oldest first.
func (s *historyStore) Recent(ctx context.Context, channelID string, n int64) ([]model.HistoryMessage, error) {
	raw, err := s.kv.client.LRange(ctx, s.historyKey(channelID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading channel history: %w", err)
	}

	messages := make([]model.HistoryMessage, 0, len(raw))
	// LPUSH stores newest first; walk backwards to restore chronological order.
	for i := len(raw) - 1; i >= 0; i-- {
		var msg model.HistoryMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
