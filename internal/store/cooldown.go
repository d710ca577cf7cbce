package store

import (
	"context"
	"fmt"
	"time"
)

type cooldownStore struct {
	kv *Stores
}

func (s *cooldownStore) cooldownKey(userID string) string {
	return s.kv.key("cooldown", userID)
}

func (s *cooldownStore) Set(ctx context.Context, userID string, d time.Duration) error {
	expiry := time.Now().UTC().Add(d)
	// The TTL reclaims memory; the stored timestamp is what Expiry compares
	// against, so a lazily-expired entry never suppresses a dispatch it shouldn't.
	if err := s.kv.client.Set(ctx, s.cooldownKey(userID), expiry.Format(time.RFC3339Nano), d).Err(); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

func (s *cooldownStore) Expiry(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := s.kv.client.Get(ctx, s.cooldownKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cooldown expiry: %w", err)
	}
	return expiry, true, nil
}

func (s *cooldownStore) Clear(ctx context.Context, userID string) error {
	if err := s.kv.client.Del(ctx, s.cooldownKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}
