package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"haven.app/ash/internal/model"
	"haven.app/ash/internal/queue"
	"haven.app/ash/internal/service"
)

// Processor decodes queued events and routes them to the owning service.
type Processor struct {
	ingest       *service.IngestService
	interactions *service.InteractionService
}

func NewProcessor(ingest *service.IngestService, interactions *service.InteractionService) *Processor {
	return &Processor{ingest: ingest, interactions: interactions}
}

func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	switch msg.TaskType {
	case queue.TaskTypeGuildMessage:
		var event model.GuildMessage
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decoding guild message: %w", err)
		}
		return p.ingest.HandleGuildMessage(ctx, event)

	case queue.TaskTypeDirectMessage:
		var event model.DirectMessage
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decoding direct message: %w", err)
		}
		return p.ingest.HandleDirectMessage(ctx, event)

	case queue.TaskTypeInteraction:
		var event model.Interaction
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decoding interaction: %w", err)
		}
		return p.interactions.Handle(ctx, event)

	default:
		return fmt.Errorf("unknown task type %q", msg.TaskType)
	}
}
