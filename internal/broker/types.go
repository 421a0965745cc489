package broker

// TaskMessage is the body of a work queue message.
// It is a transient projection of a task; the store holds the source of truth.
type TaskMessage struct {
	TaskID  string         `json:"taskId"`
	Payload map[string]any `json:"payload"`
}
