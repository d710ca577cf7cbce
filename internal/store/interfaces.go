package store

import (
	"context"
	"errors"
	"time"

	"haven.app/ash/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when creating an entity would violate the
// at-most-one-active-per-user invariant.
var ErrConflict = errors.New("already active")

// AlertStore persists alerts and the per-user active-alert pointer.
// Status transitions are compare-and-set so racing timers resolve
// deterministically: exactly one of acknowledge / auto-initiate wins.
type AlertStore interface {
	// Create claims the user's active-alert slot and persists the record.
	// Returns ErrConflict if the user already has an active alert.
	Create(ctx context.Context, alert *model.Alert) error
	Get(ctx context.Context, id int64) (*model.Alert, error)
	// Save rewrites the record. Only the subsystem owning the entity calls this,
	// and only after winning a TransitionStatus.
	Save(ctx context.Context, alert *model.Alert) error
	// TransitionStatus atomically moves id from `from` to `to`.
	// Returns false if the alert was no longer in `from` (the caller lost a race).
	TransitionStatus(ctx context.Context, id int64, from, to model.AlertStatus) (bool, error)
	// ReleaseActive clears the user's active pointer if it still points at id.
	ReleaseActive(ctx context.Context, userID string, id int64) error
	ActiveID(ctx context.Context, userID string) (int64, bool, error)
}

type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, id int64) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	TransitionStatus(ctx context.Context, id int64, from, to model.SessionStatus) (bool, error)
	ReleaseActive(ctx context.Context, userID string, id int64) error
	ActiveID(ctx context.Context, userID string) (int64, bool, error)
}

type FollowupStore interface {
	Create(ctx context.Context, followup *model.Followup) error
	Get(ctx context.Context, id int64) (*model.Followup, error)
	Save(ctx context.Context, followup *model.Followup) error
	TransitionStatus(ctx context.Context, id int64, from, to model.FollowupStatus) (bool, error)
	ReleasePending(ctx context.Context, userID string, id int64) error
	PendingID(ctx context.Context, userID string) (int64, bool, error)
	// Recent markers rate-limit follow-ups across sessions.
	MarkRecent(ctx context.Context, userID string, window time.Duration) error
	HasRecent(ctx context.Context, userID string) (bool, error)
	// Reply correlation: a user DM within the reply window maps back to the
	// follow-up that prompted it.
	SetReplyRef(ctx context.Context, userID string, id int64, window time.Duration) error
	TakeReplyRef(ctx context.Context, userID string) (int64, bool, error)
}

// CooldownStore owns per-user alert suppression entries. Entries carry both a
// TTL (memory reclaim) and an explicit expiry timestamp compared at read time,
// so correctness never depends on a background sweep.
type CooldownStore interface {
	Set(ctx context.Context, userID string, d time.Duration) error
	Expiry(ctx context.Context, userID string) (time.Time, bool, error)
	Clear(ctx context.Context, userID string) error
}

// PreferenceStore reads the user opt-out flag. The flag is owned externally;
// every contact decision reads it through at the moment of action, never cached.
type PreferenceStore interface {
	OptedOut(ctx context.Context, userID string) (bool, error)
	SetOptOut(ctx context.Context, userID string, optedOut bool) error
}

type DeadlineKind string

const (
	KindAutoInitiate DeadlineKind = "auto_initiate"
	KindSessionIdle  DeadlineKind = "session_idle"
	KindSessionMax   DeadlineKind = "session_max"
	KindFollowup     DeadlineKind = "followup"
)

// Deadline is one durable scheduled task. The worker's poller sweeps due
// entries; a restart re-derives every outstanding timer from this index alone.
type Deadline struct {
	Kind     DeadlineKind
	EntityID int64
	FireAt   time.Time
}

type DeadlineStore interface {
	// Arm inserts or reschedules the deadline (later Arm calls overwrite fire-at).
	Arm(ctx context.Context, kind DeadlineKind, entityID int64, fireAt time.Time) error
	Cancel(ctx context.Context, kind DeadlineKind, entityID int64) error
	// Due returns up to limit deadlines with fire-at <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int64) ([]Deadline, error)
	// CompleteIfDue removes the deadline only if it is still due, so a handler
	// that re-armed the entry (idle refresh) keeps its new fire-at.
	CompleteIfDue(ctx context.Context, kind DeadlineKind, entityID int64, now time.Time) (bool, error)
}

// HistoryStore keeps a short per-channel ring of recent messages for classifier context.
type HistoryStore interface {
	Append(ctx context.Context, channelID string, msg model.HistoryMessage, limit int64) error
	Recent(ctx context.Context, channelID string, n int64) ([]model.HistoryMessage, error)
}
