package model

import "time"

type FollowupStatus string

const (
	FollowupStatusPending       FollowupStatus = "pending"
	FollowupStatusSent          FollowupStatus = "sent"
	FollowupStatusCancelled     FollowupStatus = "cancelled"
	FollowupStatusSkippedOptOut FollowupStatus = "skipped_opted_out"
)

// Followup is a deferred privacy-respecting check-in scheduled after a session
// ends. Ineligibility at fire time is recorded as a skipped status rather than
// silently dropped, preserving an auditable reason.
type Followup struct {
	ID        int64          `json:"id"`
	SessionID int64          `json:"session_id"`
	UserID    string         `json:"user_id"`
	Severity  Severity       `json:"severity"` // severity at session end
	FireAt    time.Time      `json:"fire_at"`
	Status    FollowupStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	Variant   int            `json:"variant,omitempty"` // which check-in wording was used
}
