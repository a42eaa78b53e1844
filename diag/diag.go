// Package diag is the external diagnostic channel of the registry.
//
// Nothing in traitkit is fatal: a malformed shard is dropped, a failing
// renderer callback is isolated. Those conditions are reported here as
// Events so that operators and tests can observe them.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
)

// Kind names what happened.
type Kind string

const (
	KindShardRejected  Kind = "shard_rejected"
	KindConsumerFailed Kind = "consumer_failed"
	KindPendingDrained Kind = "pending_drained"
	KindLoadFailed     Kind = "load_failed"
)

// Event is one diagnostic report.
type Event struct {
	Kind         Kind             `json:"kind"`
	Code         errors.ErrorCode `json:"code,omitempty"`
	PageID       string           `json:"page_id,omitempty"`
	LibraryID    string           `json:"library_id,omitempty"`
	TraitID      string           `json:"trait_id,omitempty"`
	AttachmentID string           `json:"attachment_id,omitempty"`
	Message      string           `json:"message,omitempty"`
	Err          error            `json:"-"`
	Time         time.Time        `json:"time"`
}

// FromError builds an event of the given kind, copying code and ids from a
// coded error when err is one.
func FromError(kind Kind, err error) Event {
	ev := Event{Kind: kind, Err: err, Time: time.Now()}
	if err == nil {
		return ev
	}
	ev.Message = err.Error()
	if coded, ok := errors.AsCodedError(err).(*errors.Error); ok {
		ev.Code = coded.Code()
		ev.LibraryID = coded.LibraryID()
		ev.TraitID = coded.TraitID()
	}
	return ev
}

// MarshalJSON includes the error text when present.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Sink receives diagnostic events. Implementations must not block for long;
// they are called from the page's event loop.
type Sink interface {
	Report(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Report implements Sink.
func (f SinkFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// --- Recorder ---

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Report implements Sink.
func (r *Recorder) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded. An empty kind counts all.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		return len(r.events)
	}
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// --- LogSink ---

// LogSink prints events through a logger.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a sink writing to log.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("diag")}
}

// Report implements Sink.
func (s *LogSink) Report(e Event) {
	fields := logging.Fields{"kind": string(e.Kind)}
	if e.Code != "" {
		fields["code"] = string(e.Code)
	}
	if e.LibraryID != "" {
		fields["library"] = e.LibraryID
	}
	if e.TraitID != "" {
		fields["trait"] = e.TraitID
	}
	if e.AttachmentID != "" {
		fields["attachment"] = e.AttachmentID
	}
	if e.PageID != "" {
		fields["page"] = e.PageID
	}

	switch e.Kind {
	case KindPendingDrained:
		s.log.Debug(e.Message, fields)
	case KindConsumerFailed:
		s.log.Error(e.Message, fields)
	default:
		s.log.Warn(e.Message, fields)
	}
}

// --- FileSink ---

// FileSink appends events to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics file: %w", err)
	}
	return &FileSink{file: file}, nil
}

// Report implements Sink.
func (s *FileSink) Report(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Write(append(data, '\n'))
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Sync()
	return s.file.Close()
}

// --- BusSink ---

// BusSink publishes events as JSON on a bus subject.
type BusSink struct {
	bus     bus.MessageBus
	subject string
}

// NewBusSink creates a sink publishing to subject.
func NewBusSink(mb bus.MessageBus, subject string) *BusSink {
	return &BusSink{bus: mb, subject: subject}
}

// Report implements Sink. Publish failures are dropped.
func (s *BusSink) Report(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.bus.Publish(s.subject, data)
}

// --- Multi ---

// Multi fans events out to several sinks.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range live {
			s.Report(e)
		}
	})
}
