package model

import "time"

type AlertStatus string

const (
	AlertStatusCreated       AlertStatus = "created"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusAutoInitiated AlertStatus = "auto_initiated"
	AlertStatusExpired       AlertStatus = "expired"
)

// Alert is a routed crisis alert for one user message. Alerts are never deleted,
// only status-transitioned, and survive process restart: interaction buttons and
// the auto-initiate deadline reference the persisted id, not in-memory identity.
type Alert struct {
	ID        int64       `json:"id"`
	MessageID string      `json:"message_id"` // originating chat message
	UserID    string      `json:"user_id"`    // subject user
	ChannelID string      `json:"channel_id"` // originating channel
	Severity  Severity    `json:"severity"`   // severity at creation time
	Status    AlertStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`

	// Posted alert message, for embed updates after ack / auto-initiate.
	AlertChannelID string `json:"alert_channel_id,omitempty"`
	AlertMessageID string `json:"alert_message_id,omitempty"`

	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Terminal reports whether the alert has left the created state.
func (a *Alert) Terminal() bool {
	return a.Status != AlertStatusCreated
}
