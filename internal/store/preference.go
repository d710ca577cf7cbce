package store

import (
	"context"
	"fmt"
)

type preferenceStore struct {
	kv *Stores
}

func (s *preferenceStore) optOutKey(userID string) string {
	return s.kv.key("optout", userID)
}

func (s *preferenceStore) OptedOut(ctx context.Context, userID string) (bool, error) {
	val, err := s.kv.client.Get(ctx, s.optOutKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("get opt-out flag: %w", err)
	}
	return val == "1", nil
}

func (s *preferenceStore) SetOptOut(ctx context.Context, userID string, optedOut bool) error {
	if !optedOut {
		if err := s.kv.client.Del(ctx, s.optOutKey(userID)).Err(); err != nil {
			return fmt.Errorf("clear opt-out flag: %w", err)
		}
		return nil
	}
	if err := s.kv.client.Set(ctx, s.optOutKey(userID), "1", 0).Err(); err != nil {
		return fmt.Errorf("set opt-out flag: %w", err)
	}
	return nil
}
