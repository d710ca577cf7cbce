package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"haven.app/ash/internal/http/handler"
	"haven.app/ash/internal/model"
	"haven.app/ash/internal/queue"
)

const traceHeader = "X-Trace-Id"

var _ = Describe("EventsHandler", func() {
	var (
		router   *gin.Engine
		producer *mockProducer
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		producer = &mockProducer{}
		h := handler.NewEventsHandler(producer, traceHeader)

		router.POST("/events/message", h.GuildMessage)
		router.POST("/events/dm", h.DirectMessage)
		router.POST("/events/interaction", h.Interaction)
	})

	Describe("GuildMessage", func() {
		It("enqueues the event and returns 202", func() {
			body, _ := json.Marshal(map[string]any{
				"message_id": "m1",
				"user_id":    "u1",
				"channel_id": "c1",
				"content":    "hello",
			})
			req := httptest.NewRequest(http.MethodPost, "/events/message", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(producer.tasks).To(HaveLen(1))
			Expect(producer.tasks[0].TaskType).To(Equal(queue.TaskTypeGuildMessage))

			var event model.GuildMessage
			Expect(json.Unmarshal(producer.tasks[0].Payload, &event)).To(Succeed())
			Expect(event.UserID).To(Equal("u1"))
			Expect(event.Content).To(Equal("hello"))
		})

		It("propagates the trace header onto the task", func() {
			body, _ := json.Marshal(map[string]any{
				"message_id": "m1",
				"user_id":    "u1",
				"channel_id": "c1",
			})
			req := httptest.NewRequest(http.MethodPost, "/events/message", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(traceHeader, "trace-abc")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(producer.tasks).To(HaveLen(1))
			Expect(producer.tasks[0].TraceID).NotTo(BeNil())
			Expect(*producer.tasks[0].TraceID).To(Equal("trace-abc"))
		})

		It("returns 400 when required fields are missing", func() {
			req := httptest.NewRequest(http.MethodPost, "/events/message", bytes.NewBufferString(`{"content":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(producer.tasks).To(BeEmpty())
		})

		It("returns 500 when the queue is unavailable", func() {
			producer.enqueueFn = func(_ context.Context, _ queue.Task) error {
				return errors.New("redis down")
			}

			body, _ := json.Marshal(map[string]any{
				"message_id": "m1",
				"user_id":    "u1",
				"channel_id": "c1",
			})
			req := httptest.NewRequest(http.MethodPost, "/events/message", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("DirectMessage", func() {
		It("enqueues a direct message task", func() {
			body, _ := json.Marshal(map[string]any{
				"message_id": "m2",
				"user_id":    "u2",
				"content":    "hi ash",
			})
			req := httptest.NewRequest(http.MethodPost, "/events/dm", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(producer.tasks).To(HaveLen(1))
			Expect(producer.tasks[0].TaskType).To(Equal(queue.TaskTypeDirectMessage))
		})
	})

	Describe("Interaction", func() {
		It("enqueues an interaction task", func() {
			body, _ := json.Marshal(map[string]any{
				"custom_id":          "ack:42",
				"actor_id":           "r1",
				"actor_is_responder": true,
			})
			req := httptest.NewRequest(http.MethodPost, "/events/interaction", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(producer.tasks).To(HaveLen(1))
			Expect(producer.tasks[0].TaskType).To(Equal(queue.TaskTypeInteraction))

			var event model.Interaction
			Expect(json.Unmarshal(producer.tasks[0].Payload, &event)).To(Succeed())
			Expect(event.CustomID).To(Equal("ack:42"))
			Expect(event.ActorIsResponder).To(BeTrue())
		})
	})
})
