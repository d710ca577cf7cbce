package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so business context (alert_id, session_id, ...)
// is included in every log statement without threading it by hand.
type LogFields struct {
	AlertID    *int64  // Alert being escalated
	SessionID  *int64  // Ash conversation session
	FollowupID *int64  // Scheduled follow-up check-in
	UserID     *string // Subject user (chat-platform id)
	ChannelID  *string // Originating channel/context
	MessageID  *string // Redis stream message ID
	EventType  *string // Inbound event type (e.g. "guild_message", "interaction")
	Component  string  // Component name (OTel semantic convention style, e.g. "ash.session.engine")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.AlertID != nil {
		result.AlertID = next.AlertID
	}
	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.FollowupID != nil {
		result.FollowupID = next.FollowupID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.ChannelID != nil {
		result.ChannelID = next.ChannelID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{AlertID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like message content.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
