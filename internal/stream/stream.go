// Package stream carries pipeline progress from one producer to one
// consumer. The producer keeps working when the consumer goes away.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/justsurfingit/applytrail/internal/models"
)

var ErrConsumerAttached = errors.New("stream already has a consumer")

type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindWait     Kind = "wait"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one record on the stream. Data is one of the *Event payloads
// below and is rendered as JSON by the transport.
type Event struct {
	Kind Kind
	Data any
}

type StartEvent struct {
	RunID string `json:"run_id,omitempty"`
	Total int    `json:"total"`
}

type ProgressEvent struct {
	Current    int                  `json:"current"`
	Total      int                  `json:"total"`
	JobID      string               `json:"job_id"`
	JobTitle   string               `json:"job_title"`
	Company    string               `json:"company"`
	Status     string               `json:"status"`
	ETASeconds float64              `json:"eta_seconds"`
	Changes    []models.FieldChange `json:"changes"`
}

// Progress statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type WaitEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

type CompleteEvent struct {
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Processed int    `json:"processed"`
	Inserted  int    `json:"inserted,omitempty"`
	Updated   int    `json:"updated,omitempty"`
	Unchanged int    `json:"unchanged,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// Stream is a bounded single-producer single-consumer event channel.
type Stream struct {
	ch   chan Event
	gone chan struct{}

	attached   atomic.Bool
	closed     atomic.Bool
	detachOnce sync.Once
	closeOnce  sync.Once
}

// New returns a stream whose buffer holds buf events before Emit blocks.
func New(buf int) *Stream {
	if buf < 1 {
		buf = 1
	}
	return &Stream{
		ch:   make(chan Event, buf),
		gone: make(chan struct{}),
	}
}

// Subscribe attaches the single consumer. The returned channel is closed
// after the producer calls Close.
func (s *Stream) Subscribe() (<-chan Event, error) {
	if !s.attached.CompareAndSwap(false, true) {
		return nil, ErrConsumerAttached
	}
	return s.ch, nil
}

// Detach tells the producer nobody is listening anymore. Pending and
// future events are dropped.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.gone) })
}

// Detached reports whether the consumer has gone away.
func (s *Stream) Detached() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// Emit delivers e in order. It blocks while the buffer is full and returns
// false once the consumer has detached or the stream is closed.
func (s *Stream) Emit(kind Kind, data any) bool {
	if s.closed.Load() || s.Detached() {
		return false
	}
	select {
	case s.ch <- Event{Kind: kind, Data: data}:
		return true
	case <-s.gone:
		return false
	}
}

// Close ends the stream. Only the producer calls Close.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// Sink is what the pipelines emit into.
type Sink interface {
	Emit(kind Kind, data any) bool
}

// Discard drops every event, for runs nobody watches.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Kind, any) bool { return false }
