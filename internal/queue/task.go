package queue

// TaskType discriminates events flowing from the ingest edge to the worker.
type TaskType string

const (
	TaskTypeGuildMessage  TaskType = "guild_message"
	TaskTypeDirectMessage TaskType = "direct_message"
	TaskTypeInteraction   TaskType = "interaction"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeGuildMessage, TaskTypeDirectMessage, TaskTypeInteraction:
		return true
	}
	return false
}

// Task is one queued event. Payload carries the JSON-encoded event body; the
// worker decodes it according to TaskType.
type Task struct {
	TaskType TaskType
	Payload  []byte
	TraceID  *string
	Attempt  int
}
