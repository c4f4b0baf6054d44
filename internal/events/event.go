package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/joseph-ayodele/docparse/constants"
)

// Type is the kind of job event sent to subscribers.
type Type string

const (
	TypeStatus    Type = "status"
	TypeCompleted Type = "completed"
	TypeError     Type = "error"
)

// Data carries the fields relevant to the event type. Unset fields are omitted on the wire.
type Data struct {
	Status           constants.JobStatus `json:"status,omitempty"`
	ProcessingTimeMs *int64              `json:"processingTimeMs,omitempty"`
	Error            string              `json:"error,omitempty"`
	MarkdownResult   *string             `json:"markdownResult,omitempty"`
	JSONResult       json.RawMessage     `json:"jsonResult,omitempty"`
	PageCount        *int                `json:"pageCount,omitempty"`
	TokenCount       *int                `json:"tokenCount,omitempty"`
}

// Event is one lifecycle notification for a job.
type Event struct {
	Type  Type   `json:"type"`
	JobID string `json:"jobId"`
	Data  Data   `json:"data"`
}

// ChannelName is the pub/sub channel for a job's events.
func ChannelName(jobID string) string {
	return "job:" + jobID
}

// Handler receives events. It must not block for long: brokers call handlers
// from their delivery goroutine.
type Handler func(Event)

// SubscriptionID identifies one registered handler.
type SubscriptionID uint64

// Broker fans job events out to subscribers. It never replays past events.
type Broker interface {
	Publish(ctx context.Context, jobID string, ev Event) error
	Subscribe(jobID string, h Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

var (
	ErrBrokerClosed        = errors.New("event broker closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
)
