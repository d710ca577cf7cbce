package store

import (
	"context"
	"fmt"
	"strconv"

	"haven.app/ash/internal/model"
)

type alertStore struct {
	kv *Stores
}

func (s *alertStore) recordKey(id int64) string {
	return s.kv.key("alert", strconv.FormatInt(id, 10))
}

func (s *alertStore) statusKey(id int64) string {
	return s.kv.key("alert", strconv.FormatInt(id, 10), "status")
}

func (s *alertStore) activeKey(userID string) string {
	return s.kv.key("alert", "active", userID)
}

func (s *alertStore) Create(ctx context.Context, alert *model.Alert) error {
	idStr := strconv.FormatInt(alert.ID, 10)

	// Claim the user's active slot first. Losing the claim is the defined
	// no-op outcome for a duplicate dispatch, not an error condition upstream.
	ok, err := s.kv.client.SetNX(ctx, s.activeKey(alert.UserID), idStr, 0).Result()
	if err != nil {
		return fmt.Errorf("claiming active alert slot: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	if err := s.persist(ctx, alert); err != nil {
		// A half-created alert must not block the user forever.
		_, _ = releaseIf.Run(ctx, s.kv.client, []string{s.activeKey(alert.UserID)}, idStr).Result()
		return err
	}
	return nil
}

func (s *alertStore) persist(ctx context.Context, alert *model.Alert) error {
	if err := s.kv.setJSON(ctx, s.recordKey(alert.ID), alert); err != nil {
		return err
	}
	if err := s.kv.client.Set(ctx, s.statusKey(alert.ID), string(alert.Status), 0).Err(); err != nil {
		return fmt.Errorf("set alert status: %w", err)
	}
	return nil
}

func (s *alertStore) Get(ctx context.Context, id int64) (*model.Alert, error) {
	var alert model.Alert
	if err := s.kv.getJSON(ctx, s.recordKey(id), &alert); err != nil {
		return nil, err
	}
	// The status key is the authoritative field; the record may lag a CAS.
	if status, err := s.kv.client.Get(ctx, s.statusKey(id)).Result(); err == nil {
		alert.Status = model.AlertStatus(status)
	}
	return &alert, nil
}

func (s *alertStore) Save(ctx context.Context, alert *model.Alert) error {
	return s.persist(ctx, alert)
}

func (s *alertStore) TransitionStatus(ctx context.Context, id int64, from, to model.AlertStatus) (bool, error) {
	n, err := casStatus.Run(ctx, s.kv.client, []string{s.statusKey(id)}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("alert status cas: %w", err)
	}
	return n == 1, nil
}

func (s *alertStore) ReleaseActive(ctx context.Context, userID string, id int64) error {
	idStr := strconv.FormatInt(id, 10)
	if _, err := releaseIf.Run(ctx, s.kv.client, []string{s.activeKey(userID)}, idStr).Result(); err != nil {
		return fmt.Errorf("releasing active alert: %w", err)
	}
	return nil
}

func (s *alertStore) ActiveID(ctx context.Context, userID string) (int64, bool, error) {
	val, err := s.kv.client.Get(ctx, s.activeKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get active alert: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse active alert id: %w", err)
	}
	return id, true, nil
}
