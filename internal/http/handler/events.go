package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"haven.app/ash/internal/http/dto"
	"haven.app/ash/internal/queue"
)

// EventsHandler accepts gateway webhooks and enqueues them for the worker.
// The edge does no processing itself: accepted means durably queued.
type EventsHandler struct {
	producer    queue.Producer
	traceHeader string
}

func NewEventsHandler(producer queue.Producer, traceHeader string) *EventsHandler {
	return &EventsHandler{
		producer:    producer,
		traceHeader: traceHeader,
	}
}

func (h *EventsHandler) GuildMessage(c *gin.Context) {
	var req dto.GuildMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(c.Request.Context(), "invalid guild message request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, queue.TaskTypeGuildMessage, req.ToModel())
}

func (h *EventsHandler) DirectMessage(c *gin.Context) {
	var req dto.DirectMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(c.Request.Context(), "invalid direct message request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, queue.TaskTypeDirectMessage, req.ToModel())
}

func (h *EventsHandler) Interaction(c *gin.Context) {
	var req dto.InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(c.Request.Context(), "invalid interaction request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, queue.TaskTypeInteraction, req.ToModel())
}

func (h *EventsHandler) enqueue(c *gin.Context, taskType queue.TaskType, event any) {
	ctx := c.Request.Context()

	payload, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept event"})
		return
	}

	task := queue.Task{TaskType: taskType, Payload: payload}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}
	}
	if traceID != "" {
		task.TraceID = &traceID
	}

	if err := h.producer.Enqueue(ctx, task); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue event", "error", err, "task_type", taskType)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept event"})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueResponse{Enqueued: true})
}
