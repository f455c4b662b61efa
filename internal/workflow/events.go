// File: internal/workflow/events.go
package workflow

import "fmt"

// EventKind discriminates progress events. The JSON tags are the wire shape
// the progress UI consumes.
type EventKind string

const (
	// EventLog carries detailed narration of the run.
	EventLog EventKind = "log"
	// EventStatus marks a stage transition with a short human label.
	EventStatus EventKind = "status"
	// EventComplete is the successful terminal event; nothing follows it.
	EventComplete EventKind = "complete"
	// EventError is the failing terminal event; nothing follows it.
	EventError EventKind = "error"
)

// Event is one entry of the ordered progress stream. Consumers render events
// strictly in emission order; exactly one terminal event ends the stream.
type Event struct {
	Kind        EventKind `json:"type"`
	Message     string    `json:"message"`
	Attachments []string  `json:"files,omitempty"`
}

// NewEventChannel returns a channel sized so the runner never blocks on a
// slow consumer mid-request. Run closes it after the terminal event.
func NewEventChannel() chan Event {
	return make(chan Event, 64)
}

// emitter serializes event emission for one run and enforces the terminal
// invariant: once a complete or error event is sent, further sends are
// silently dropped.
type emitter struct {
	events chan<- Event
	done   bool
}

func (e *emitter) emit(ev Event) {
	if e.done || e.events == nil {
		return
	}
	e.events <- ev
}

func (e *emitter) log(msg string) {
	e.emit(Event{Kind: EventLog, Message: msg})
}

func (e *emitter) logf(format string, args ...any) {
	e.emit(Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)})
}

func (e *emitter) status(s Stage) {
	e.emit(Event{Kind: EventStatus, Message: s.Label()})
}

func (e *emitter) terminal(kind EventKind, msg string, files []string) {
	e.emit(Event{Kind: kind, Message: msg, Attachments: files})
	e.done = true
}

func (e *emitter) close() {
	if e.events != nil {
		close(e.events)
	}
}
