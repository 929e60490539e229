// Package sink forwards per-utterance results to JSONL files and webhooks.
//
// Events carry ids and offsets only; utterance text never leaves the process
// through a sink.
package sink

import (
	"context"
	"time"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/pipeline"
)

const EventVersion = "1"

// Event sources.
const (
	SourcePredict = "predict"
	SourceServe   = "serve"
)

// Event is one utterance result.
type Event struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	ID        string            `json:"id"`
	Entities  []pipeline.Entity `json:"entities"`
	Truncated bool              `json:"truncated,omitempty"`
}

// NewEvent wraps r. A nil entity list is rendered as [].
func NewEvent(r pipeline.Result, source string) *Event {
	ents := r.Entities
	if ents == nil {
		ents = []pipeline.Entity{}
	}
	return &Event{
		Version:   EventVersion,
		Timestamp: time.Now().UTC(),
		Source:    source,
		ID:        r.ID,
		Entities:  ents,
		Truncated: r.Truncated,
	}
}

// Sink consumes result events (file, webhook, etc.).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}
