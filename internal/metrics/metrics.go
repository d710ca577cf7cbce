package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"haven.app/ash/internal/model"
)

// Event is one anonymized engagement data point. User identity is hashed
// before emission; the metrics stream never carries raw user ids or message
// content.
type Event struct {
	Type     string         `json:"type"`
	EntityID int64          `json:"entity_id,omitempty"`
	UserHash string         `json:"user_hash,omitempty"`
	Severity model.Severity `json:"severity,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// Event types emitted across the pipeline.
const (
	EventAlertDispatched    = "alert_dispatched"
	EventAlertAcknowledged  = "alert_acknowledged"
	EventAlertSuppressed    = "alert_suppressed"
	EventAlertExpired       = "alert_expired"
	EventSessionStarted     = "session_started"
	EventSessionEnded       = "session_ended"
	EventSessionHandedOff   = "session_handed_off"
	EventFollowupScheduled  = "followup_scheduled"
	EventFollowupSent       = "followup_sent"
	EventFollowupSkipped    = "followup_skipped"
	EventClassifierDegraded = "classifier_degraded"
)

type Recorder interface {
	Record(ctx context.Context, event Event)
}

// HashUser derives the anonymized user token used in metric events.
func HashUser(userID string) string {
	sum := sha256.Sum256([]byte("ash:" + userID))
	return hex.EncodeToString(sum[:8])
}

// streamRecorder appends events to a Redis stream for out-of-band aggregation.
// Emission is best-effort: a metrics failure never fails the operation that
// produced it.
type streamRecorder struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamRecorder(client *redis.Client, stream string) Recorder {
	return &streamRecorder{client: client, stream: stream, maxLen: 100_000}
}

func (r *streamRecorder) Record(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	values := map[string]any{
		"type": event.Type,
		"at":   event.At.Format(time.RFC3339Nano),
	}
	if event.EntityID != 0 {
		values["entity_id"] = strconv.FormatInt(event.EntityID, 10)
	}
	if event.UserHash != "" {
		values["user_hash"] = event.UserHash
	}
	if event.Severity != "" {
		values["severity"] = string(event.Severity)
	}
	if event.Detail != "" {
		values["detail"] = event.Detail
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		slog.WarnContext(ctx, "failed to record metric event", "type", event.Type, "error", err)
	}
}

type noopRecorder struct{}

func NewNoopRecorder() Recorder { return noopRecorder{} }

func (noopRecorder) Record(context.Context, Event) {}
