package guard

import (
	"context"
	"time"

	"haven.app/ash/internal/store"
)

// Cooldown gates alert dispatch per user. The window is severity-agnostic: any
// dispatched alert suppresses further alerts for the same user until expiry,
// regardless of how severe the suppressed message is.
type Cooldown struct {
	store  store.CooldownStore
	window time.Duration
	now    func() time.Time
}

func NewCooldown(s store.CooldownStore, window time.Duration) *Cooldown {
	return &Cooldown{store: s, window: window, now: time.Now}
}

// Allow reports whether a new alert may be dispatched for userID. When
// suppressed, the returned time is the cooldown expiry.
func (c *Cooldown) Allow(ctx context.Context, userID string) (bool, time.Time, error) {
	expiry, found, err := c.store.Expiry(ctx, userID)
	if err != nil {
		return false, time.Time{}, err
	}
	if !found {
		return true, time.Time{}, nil
	}
	// The expiry comparison is authoritative; TTL reclaim may lag.
	if !expiry.After(c.now()) {
		return true, time.Time{}, nil
	}
	return false, expiry, nil
}

// Trip starts the suppression window after a successful dispatch.
func (c *Cooldown) Trip(ctx context.Context, userID string) error {
	return c.store.Set(ctx, userID, c.window)
}

// Reset clears the window, used when staff explicitly clear a user's state.
func (c *Cooldown) Reset(ctx context.Context, userID string) error {
	return c.store.Clear(ctx, userID)
}
