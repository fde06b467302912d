// internal/broker/message.go
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope for a task. The envelope itself is always
// JSON; Body is encoded with the serializer named by ContentType.
type Message struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	Queue       string          `json:"queue"`
	ContentType string          `json:"contentType"`
	Body        json.RawMessage `json:"body"`
	// Priority is advisory metadata from the routing table. Consumption
	// order follows the worker's queue list, not this value.
	Priority int `json:"priority,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	ETA         *time.Time      `json:"eta,omitempty"`

	// raw is the exact wire form this message was reserved with, needed to
	// remove it from a processing list on ack.
	raw string
}

// NewMessage builds an envelope for a task payload already encoded by a
// serializer. Timestamps are UTC when the queue runs with enable_utc.
func NewMessage(task, queue string, body []byte, contentType string, loc *time.Location) *Message {
	now := time.Now()
	if loc != nil {
		now = now.In(loc)
	}
	return &Message{
		ID:          uuid.NewString(),
		Task:        task,
		Queue:       queue,
		ContentType: contentType,
		Body:        body,
		EnqueuedAt:  now,
	}
}

func (m *Message) encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	m.raw = raw
	return &m, nil
}
