package queue

import (
	"encoding/json"
	"time"
)

type Message struct {
	ID    uint64
	Queue string
	Body  []byte

	// SentAt is when the message was first enqueued. It survives redrive.
	SentAt time.Time

	// ReceiveCount is the number of times the message was handed to a consumer.
	ReceiveCount int

	// ReceiptHandle identifies the current delivery. It changes on every receive.
	ReceiptHandle string

	// SourceQueue is set on dead-lettered messages.
	SourceQueue string
}

func (msg Message) Into(v any) error {
	return json.Unmarshal(msg.Body, v)
}

type Messages []Message

func (msg Messages) IDs() []uint64 {
	ids := make([]uint64, len(msg))
	for i, m := range msg {
		ids[i] = m.ID
	}
	return ids
}

// Single wraps a single message into a Messages.
func Single(msg Message) Messages {
	return Messages{msg}
}

// NewMessage builds a message for queue with v encoded as its body.
func NewMessage(queue string, v any) (*Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return &Message{
		Queue: queue,
		Body:  body,
	}, nil
}

// Encode encodes a message into a byte slice.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode decodes a byte slice into a message.
func Decode(data []byte) (*Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type ReceiveOpts struct {
	Limit int

	// VisibilityTimeout hides received messages from other consumers until it elapses.
	VisibilityTimeout time.Duration
}

// RedrivePolicy moves a message to DeadLetterQueue once it has been received more than MaxReceiveCount times.
type RedrivePolicy struct {
	DeadLetterQueue string
	MaxReceiveCount int
}

type MessageQueue interface {
	Close() error

	// Enqueue submits messages into the pending set of their queue.
	Enqueue(msgs Messages) (ids []uint64, err error)

	// Receive retrieves visible messages from the pending set.
	//
	// Under the hood, the retrieved messages are moved to the in-flight set and leased for opts.VisibilityTimeout.
	// Messages that exceed the queue's redrive policy are moved to its dead-letter queue instead of being returned.
	Receive(opts *ReceiveOpts, name string) (Messages, error)

	// Ack acknowledges the successful processing of messages and deletes them.
	Ack(msgs Messages) error

	// ChangeVisibility resets the lease of an in-flight message so that it becomes visible again after timeout.
	ChangeVisibility(msg Message, timeout time.Duration) error

	// Reclaim moves in-flight messages whose lease has expired back to the pending set.
	Reclaim(limit int, name string) (ids []uint64, err error)

	// SetRedrivePolicy configures dead-lettering for a queue.
	SetRedrivePolicy(name string, policy RedrivePolicy)

	// Completed returns the number of messages that have been acknowledged.
	Completed(name string) (uint64, error)

	// Pending returns the number of messages that are waiting to be received.
	Pending(name string) (uint64, error)

	// InFlight returns the number of messages that are currently leased by a consumer.
	InFlight(name string) (uint64, error)
}
