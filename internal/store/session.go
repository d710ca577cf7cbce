package store

import (
	"context"
	"fmt"
	"strconv"

	"haven.app/ash/internal/model"
)

type sessionStore struct {
	kv *Stores
}

func (s *sessionStore) recordKey(id int64) string {
	return s.kv.key("session", strconv.FormatInt(id, 10))
}

func (s *sessionStore) statusKey(id int64) string {
	return s.kv.key("session", strconv.FormatInt(id, 10), "status")
}

func (s *sessionStore) activeKey(userID string) string {
	return s.kv.key("session", "active", userID)
}

func (s *sessionStore) Create(ctx context.Context, session *model.Session) error {
	idStr := strconv.FormatInt(session.ID, 10)

	ok, err := s.kv.client.SetNX(ctx, s.activeKey(session.UserID), idStr, 0).Result()
	if err != nil {
		return fmt.Errorf("claiming active session slot: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	if err := s.persist(ctx, session); err != nil {
		_, _ = releaseIf.Run(ctx, s.kv.client, []string{s.activeKey(session.UserID)}, idStr).Result()
		return err
	}
	return nil
}

func (s *sessionStore) persist(ctx context.Context, session *model.Session) error {
	if err := s.kv.setJSON(ctx, s.recordKey(session.ID), session); err != nil {
		return err
	}
	if err := s.kv.client.Set(ctx, s.statusKey(session.ID), string(session.Status), 0).Err(); err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id int64) (*model.Session, error) {
	var session model.Session
	if err := s.kv.getJSON(ctx, s.recordKey(id), &session); err != nil {
		return nil, err
	}
	if status, err := s.kv.client.Get(ctx, s.statusKey(id)).Result(); err == nil {
		session.Status = model.SessionStatus(status)
	}
	return &session, nil
}

func (s *sessionStore) Save(ctx context.Context, session *model.Session) error {
	return s.persist(ctx, session)
}

func (s *sessionStore) TransitionStatus(ctx context.Context, id int64, from, to model.SessionStatus) (bool, error) {
	n, err := casStatus.Run(ctx, s.kv.client, []string{s.statusKey(id)}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("session status cas: %w", err)
	}
	return n == 1, nil
}

func (s *sessionStore) ReleaseActive(ctx context.Context, userID string, id int64) error {
	idStr := strconv.FormatInt(id, 10)
	if _, err := releaseIf.Run(ctx, s.kv.client, []string{s.activeKey(userID)}, idStr).Result(); err != nil {
		return fmt.Errorf("releasing active session: %w", err)
	}
	return nil
}

func (s *sessionStore) ActiveID(ctx context.Context, userID string) (int64, bool, error) {
	val, err := s.kv.client.Get(ctx, s.activeKey(userID)).Result()
	if err != nil {
		if isNil(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get active session: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse active session id: %w", err)
	}
	return id, true, nil
}
