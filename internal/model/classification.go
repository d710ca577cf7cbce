package model

import "time"

// Classification is the classifier's verdict on a single message. Produced once
// per message and never mutated.
type Classification struct {
	Severity     Severity  `json:"severity"`
	Confidence   float64   `json:"confidence"` // [0,1]
	Categories   []string  `json:"categories,omitempty"`
	Rationale    string    `json:"rationale,omitempty"`
	StaffReview  bool      `json:"staff_review"` // classifier recommends human review
	ClassifiedAt time.Time `json:"classified_at"`

	// Degraded marks a result fabricated locally because the classifier was
	// unreachable (breaker open, retries exhausted). Degraded results never
	// dispatch alerts: silence is preferred over a stale or guessed severity.
	Degraded bool `json:"degraded,omitempty"`
}

// Actionable reports whether this classification may be considered for dispatch.
func (c Classification) Actionable() bool {
	return !c.Degraded && c.Severity != SeverityNone
}
