package dto

import (
	"time"

	"haven.app/ash/internal/model"
)

type GuildMessageRequest struct {
	MessageID         string    `json:"message_id" binding:"required"`
	UserID            string    `json:"user_id" binding:"required"`
	ChannelID         string    `json:"channel_id" binding:"required"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	AuthorIsBot       bool      `json:"author_is_bot"`
	AuthorIsResponder bool      `json:"author_is_responder"`
	MentionedUserIDs  []string  `json:"mentioned_user_ids"`
}

func (r GuildMessageRequest) ToModel() model.GuildMessage {
	return model.GuildMessage{
		MessageID:         r.MessageID,
		UserID:            r.UserID,
		ChannelID:         r.ChannelID,
		Content:           r.Content,
		Timestamp:         r.Timestamp,
		AuthorIsBot:       r.AuthorIsBot,
		AuthorIsResponder: r.AuthorIsResponder,
		MentionedUserIDs:  r.MentionedUserIDs,
	}
}

type DirectMessageRequest struct {
	MessageID string    `json:"message_id" binding:"required"`
	UserID    string    `json:"user_id" binding:"required"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (r DirectMessageRequest) ToModel() model.DirectMessage {
	return model.DirectMessage{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
}

type InteractionRequest struct {
	CustomID         string    `json:"custom_id" binding:"required"`
	ActorID          string    `json:"actor_id" binding:"required"`
	ActorIsResponder bool      `json:"actor_is_responder"`
	ChannelID        string    `json:"channel_id"`
	Timestamp        time.Time `json:"timestamp"`
}

func (r InteractionRequest) ToModel() model.Interaction {
	return model.Interaction{
		CustomID:         r.CustomID,
		ActorID:          r.ActorID,
		ActorIsResponder: r.ActorIsResponder,
		ChannelID:        r.ChannelID,
		Timestamp:        r.Timestamp,
	}
}

type EnqueueResponse struct {
	Enqueued bool `json:"enqueued"`
}

type OptOutRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	OptedOut *bool  `json:"opted_out" binding:"required"`
}

type OptOutResponse struct {
	UserID   string `json:"user_id"`
	OptedOut bool   `json:"opted_out"`
}
