package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"haven.app/ash/internal/model"
)

type followupStore struct {
	kv *Stores
}

func (s *followupStore) recordKey(id int64) string {
	return s.kv.key("followup", strconv.FormatInt(id, 10))
}

func (s *followupStore) statusKey(id int64) string {
	return s.kv.key("followup", strconv.FormatInt(id, 10), "status")
}

func (s *followupStore) pendingKey(userID string) string {
	return s.kv.key("followup", "pending", userID)
}

func (s *followupStore) recentKey(userID string) string {
	return s.kv.key("followup", "recent", userID)
}

func (s *followupStore) replyKey(userID string) string {
	return s.kv.key("followup", "reply", userID)
}

func (s *followupStore) Create(ctx context.Context, followup *model.Followup) error {
	idStr := strconv.FormatInt(followup.ID, 10)

	ok, err := s.kv.client.SetNX(ctx, s.pendingKey(followup.UserID), idStr, 0).Result()
	if err != nil {
		return fmt.Errorf("claiming pending followup slot: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	if err := s.persist(ctx, followup); err != nil {
		_, _ = releaseIf.Run(ctx, s.kv.client, []string{s.pendingKey(followup.UserID)}, idStr).Result()
		return err
	}
	return nil
}

func (s *followupStore) persist(ctx context.Context, followup *model.Followup) error {
	if err := s.kv.setJSON(ctx, s.recordKey(followup.ID), followup); err != nil {
		return err
	}
	if err := s.kv.client.Set(ctx, s.statusKey(followup.ID), string(followup.Status), 0).Err(); err != nil {
		return fmt.Errorf("set followup status: %w", err)
	}
	return nil
}

func (s *followupStore) Get(ctx context.Context, id int64) (*model.Followup, error) {
	var followup model.Followup
	if err := s.kv.getJSON(ctx, s.recordKey(id), &followup); err != nil {
		return nil, err
	}
	if status, err := s.kv.client.Get(ctx, s.statusKey(id)).Result(); err == nil {
		followup.Status = model.FollowupStatus(status)
	}
	return &followup, nil
}

func (s *followupStore) Save(ctx context.Context, followup *model.Followup) error {
	return s.persist(ctx, followup)
}

func (s *followupStore) TransitionStatus(ctx context.Context, id int64, from, to model.FollowupStatus) (bool, error) {
	n, err := casStatus.Run(ctx, s.kv.client, []string{s.statusKey(id)}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("followup status cas: %w", err)
	}
	return n == 1, nil
}

func (s *followupStore) ReleasePending(ctx context.Context, userID string, id int64) error {
	idStr := strconv.FormatInt(id, 10)
	if _, err := releaseIf.Run(ctx, s.kv.client, []string{s.pendingKey(userID)}, idStr).Result(); err != nil {
		return fmt.Errorf("releasing pending followup: %w", err)
	}
	return nil
}

func (s *followupStore) PendingID(ctx context.Context, userID string) (int64, bool, error) {
	val, err := s.kv.client.Get(ctx, s.pendingKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get pending followup: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse pending followup id: %w", err)
	}
	return id, true, nil
}

func (s *followupStore) MarkRecent(ctx context.Context, userID string, window time.Duration) error {
	if err := s.kv.client.Set(ctx, s.recentKey(userID), time.Now().UTC().Format(time.RFC3339Nano), window).Err(); err != nil {
		return fmt.Errorf("marking recent followup: %w", err)
	}
	return nil
}

func (s *followupStore) HasRecent(ctx context.Context, userID string) (bool, error) {
	_, err := s.kv.client.Get(ctx, s.recentKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("get recent followup marker: %w", err)
	}
	return true, nil
}

func (s *followupStore) SetReplyRef(ctx context.Context, userID string, id int64, window time.Duration) error {
	if err := s.kv.client.Set(ctx, s.replyKey(userID), strconv.FormatInt(id, 10), window).Err(); err != nil {
		return fmt.Errorf("setting followup reply ref: %w", err)
	}
	return nil
}

func (s *followupStore) TakeReplyRef(ctx context.Context, userID string) (int64, bool, error) {
	val, err := s.kv.client.GetDel(ctx, s.replyKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("taking followup reply ref: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse followup reply ref: %w", err)
	}
	return id, true, nil
}
