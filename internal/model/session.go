package model

import (
	"time"

	"haven.app/ash/common/llm"
)

type SessionStatus string

const (
	SessionStatusStarting    SessionStatus = "starting"
	SessionStatusActive      SessionStatus = "active"
	SessionStatusIdlePending SessionStatus = "idle_pending" // idle deadline fired, close in progress
	SessionStatusEnded       SessionStatus = "ended"
	SessionStatusHandedOff   SessionStatus = "handed_off"
)

type EndReason string

const (
	EndReasonIdleTimeout EndReason = "idle_timeout"
	EndReasonMaxDuration EndReason = "max_duration"
	EndReasonUserEnded   EndReason = "user_ended"
	EndReasonHandedOff   EndReason = "handed_off"
	EndReasonOptedOut    EndReason = "opted_out"
)

type SessionTrigger string

const (
	TriggerManual        SessionTrigger = "manual"
	TriggerAutoInitiated SessionTrigger = "auto_initiated"
	TriggerFollowup      SessionTrigger = "followup" // lightweight continuation after a check-in reply
)

// Session is one Ash conversation with an at-risk user. At most one active
// session exists per user; closed sessions are retained as records, not deleted.
type Session struct {
	ID              int64          `json:"id"`
	UserID          string         `json:"user_id"`
	AlertID         *int64         `json:"alert_id,omitempty"`
	Trigger         SessionTrigger `json:"trigger"`
	TriggerSeverity Severity       `json:"trigger_severity"`
	Status          SessionStatus  `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	EndReason       *EndReason     `json:"end_reason,omitempty"`
	HandoffBy       *string        `json:"handoff_by,omitempty"`

	// Bounded conversation transcript fed back to the reply generator.
	Transcript []llm.Message `json:"transcript,omitempty"`
}

// Open reports whether the session can still receive automated activity.
func (s *Session) Open() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusIdlePending
}

func (s *Session) Terminal() bool {
	return s.Status == SessionStatusEnded || s.Status == SessionStatusHandedOff
}

// Duration returns the session length, using now for still-open sessions.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}
