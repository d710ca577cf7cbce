package model

import "time"

// GuildMessage is an inbound message from a shared channel, delivered by the
// chat gateway. Responder flags and mentions come from the gateway so the
// engine never needs to know about platform role mechanics.
type GuildMessage struct {
	MessageID         string    `json:"message_id"`
	UserID            string    `json:"user_id"`
	ChannelID         string    `json:"channel_id"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	AuthorIsBot       bool      `json:"author_is_bot,omitempty"`
	AuthorIsResponder bool      `json:"author_is_responder,omitempty"` // CRT member
	MentionedUserIDs  []string  `json:"mentioned_user_ids,omitempty"`
}

// DirectMessage is an inbound DM from a user, routed to the session engine.
type DirectMessage struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Interaction is a button click on a posted alert. CustomID carries the
// persisted alert id ("ack:<id>" / "initiate:<id>") so affordances remain
// actionable across restarts.
type Interaction struct {
	CustomID         string    `json:"custom_id"`
	ActorID          string    `json:"actor_id"`
	ActorIsResponder bool      `json:"actor_is_responder,omitempty"`
	ChannelID        string    `json:"channel_id"`
	Timestamp        time.Time `json:"timestamp"`
}

// HistoryMessage is one entry of recent channel context sent to the classifier.
type HistoryMessage struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}
