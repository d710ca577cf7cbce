package transport

import (
	"context"
	"errors"
)

// ErrDMUnavailable means the user cannot receive direct messages (closed DMs,
// blocked bot). Callers treat this as a hard refusal, not a transient fault.
var ErrDMUnavailable = errors.New("user cannot receive direct messages")

// Button is an interactive affordance attached to a posted message. CustomID
// round-trips through the gateway and comes back on the interaction event.
type Button struct {
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
	Style    string `json:"style,omitempty"` // primary | danger | secondary
}

// Embed is the rich body of an alert post.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Message is an outbound channel post.
type Message struct {
	Content string   `json:"content,omitempty"`
	Embed   *Embed   `json:"embed,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// PostedMessage identifies a message the gateway accepted, for later edits.
type PostedMessage struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// ChatSender is the outbound half of the chat gateway. Implementations must be
// safe for concurrent use; the worker calls them from several goroutines.
type ChatSender interface {
	PostMessage(ctx context.Context, channelID string, msg Message) (*PostedMessage, error)
	UpdateMessage(ctx context.Context, channelID, messageID string, msg Message) error
	SendDM(ctx context.Context, userID string, msg Message) (*PostedMessage, error)
}
