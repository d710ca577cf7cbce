package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*redis.Client, Producer, *RedisConsumer) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	producer := NewRedisProducer(client, "ash_events", nil)
	consumer, err := NewRedisConsumer(client, ConsumerConfig{
		Stream:      "ash_events",
		Group:       "ash_group",
		Consumer:    "test",
		DLQStream:   "ash_events_dlq",
		BatchSize:   10,
		Block:       10 * time.Millisecond,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("NewRedisConsumer failed: %v", err)
	}
	return client, producer, consumer
}

func TestQueue_EnqueueReadAck(t *testing.T) {
	_, producer, consumer := newTestQueue(t)
	ctx := context.Background()

	task := Task{TaskType: TaskTypeGuildMessage, Payload: []byte(`{"user_id":"u1"}`)}
	if err := producer.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	messages, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Read returned %d messages, want 1", len(messages))
	}

	msg := messages[0]
	if msg.TaskType != TaskTypeGuildMessage {
		t.Errorf("TaskType = %s, want guild_message", msg.TaskType)
	}
	if string(msg.Payload) != `{"user_id":"u1"}` {
		t.Errorf("Payload = %s", msg.Payload)
	}
	if msg.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", msg.Attempt)
	}

	if err := consumer.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Nothing left to read.
	messages, err = consumer.Read(ctx)
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("second Read returned %d messages, want 0", len(messages))
	}
}

func TestQueue_RequeueIncrementsAttempt(t *testing.T) {
	_, producer, consumer := newTestQueue(t)
	ctx := context.Background()

	if err := producer.Enqueue(ctx, Task{TaskType: TaskTypeDirectMessage, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	messages, err := consumer.Read(ctx)
	if err != nil || len(messages) != 1 {
		t.Fatalf("Read = (%d, %v)", len(messages), err)
	}

	if err := consumer.Requeue(ctx, messages[0], "transient failure"); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	messages, err = consumer.Read(ctx)
	if err != nil || len(messages) != 1 {
		t.Fatalf("Read after requeue = (%d, %v)", len(messages), err)
	}
	if messages[0].Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", messages[0].Attempt)
	}
}

func TestQueue_SendDLQ(t *testing.T) {
	client, producer, consumer := newTestQueue(t)
	ctx := context.Background()

	if err := producer.Enqueue(ctx, Task{TaskType: TaskTypeInteraction, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	messages, err := consumer.Read(ctx)
	if err != nil || len(messages) != 1 {
		t.Fatalf("Read = (%d, %v)", len(messages), err)
	}

	if err := consumer.SendDLQ(ctx, messages[0], "gave up"); err != nil {
		t.Fatalf("SendDLQ failed: %v", err)
	}

	entries, err := client.XRange(ctx, "ash_events_dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq has %d entries, want 1", len(entries))
	}
	if entries[0].Values["error"] != "gave up" {
		t.Errorf("dlq error = %v, want recorded reason", entries[0].Values["error"])
	}
}

func TestQueue_MalformedMessageIsAckedNotLooped(t *testing.T) {
	client, _, consumer := newTestQueue(t)
	ctx := context.Background()

	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "ash_events",
		Values: map[string]any{"task_type": "mystery", "payload": `{}`},
	}).Err(); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}

	messages, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("Read returned %d messages, want 0 (malformed skipped)", len(messages))
	}

	// The malformed entry was acked away, not left pending.
	pending, err := client.XPending(ctx, "ash_events", "ash_group").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending count = %d, want 0", pending.Count)
	}
}

func TestProducer_RejectsUnknownTaskType(t *testing.T) {
	_, producer, _ := newTestQueue(t)

	if err := producer.Enqueue(context.Background(), Task{TaskType: "mystery", Payload: []byte(`{}`)}); err == nil {
		t.Fatal("Enqueue accepted an unknown task type")
	}
}
