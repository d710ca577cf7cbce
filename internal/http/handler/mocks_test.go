package handler_test

import (
	"context"

	"haven.app/ash/internal/queue"
)

type mockProducer struct {
	enqueueFn func(ctx context.Context, task queue.Task) error
	tasks     []queue.Task
}

func (m *mockProducer) Enqueue(ctx context.Context, task queue.Task) error {
	if m.enqueueFn != nil {
		if err := m.enqueueFn(ctx, task); err != nil {
			return err
		}
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockProducer) Close() error { return nil }

type mockPreferenceStore struct {
	optedOutFn  func(ctx context.Context, userID string) (bool, error)
	setOptOutFn func(ctx context.Context, userID string, optedOut bool) error
}

func (m *mockPreferenceStore) OptedOut(ctx context.Context, userID string) (bool, error) {
	if m.optedOutFn != nil {
		return m.optedOutFn(ctx, userID)
	}
	return false, nil
}

func (m *mockPreferenceStore) SetOptOut(ctx context.Context, userID string, optedOut bool) error {
	if m.setOptOutFn != nil {
		return m.setOptOutFn(ctx, userID, optedOut)
	}
	return nil
}
