package controller

import (
	"sync"
	"time"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/types"
)

// EventKind discriminates events
type EventKind string

const (
	KindProgress          EventKind = "progress"
	KindOutput            EventKind = "output"
	KindErrorMessage      EventKind = "error"
	KindPropertiesChanged EventKind = "properties"
	KindSettingsChanged   EventKind = "settings"
	KindOperationDone     EventKind = "done"
)

// Event is delivered on Controller.Events
type Event interface {
	Kind() EventKind
	// Operation returns the id of the operation that produced the event,
	// or "" for events outside an operation.
	Operation() string
}

// ProgressEvent reports engine progress. Percent < 0 marks a log-only message.
type ProgressEvent struct {
	OperationID string
	Message     string
	Percent     float64
}

// OutputEvent carries engine output text
type OutputEvent struct {
	OperationID string
	Text        string
}

// ErrorMessageEvent carries engine error or warning text
type ErrorMessageEvent struct {
	OperationID string
	Text        string
}

// PropertiesChangedEvent carries an immutable snapshot of the cache
type PropertiesChangedEvent struct {
	OperationID string
	Properties  types.PropertySet
}

// SettingsChangedEvent reports new directories or generator
type SettingsChangedEvent struct {
	SourceDirectory string
	BinaryDirectory string
	Generator       string
}

// OperationDoneEvent is the last event of an operation
type OperationDoneEvent struct {
	OperationID string
	Op          interfaces.Operation
	ExitCode    int
	Duration    time.Duration
}

func (e ProgressEvent) Kind() EventKind          { return KindProgress }
func (e OutputEvent) Kind() EventKind            { return KindOutput }
func (e ErrorMessageEvent) Kind() EventKind      { return KindErrorMessage }
func (e PropertiesChangedEvent) Kind() EventKind { return KindPropertiesChanged }
func (e SettingsChangedEvent) Kind() EventKind   { return KindSettingsChanged }
func (e OperationDoneEvent) Kind() EventKind     { return KindOperationDone }

func (e ProgressEvent) Operation() string          { return e.OperationID }
func (e OutputEvent) Operation() string            { return e.OperationID }
func (e ErrorMessageEvent) Operation() string      { return e.OperationID }
func (e PropertiesChangedEvent) Operation() string { return e.OperationID }
func (e SettingsChangedEvent) Operation() string   { return "" }
func (e OperationDoneEvent) Operation() string     { return e.OperationID }

// Succeeded reports whether the operation exited with code 0
func (e OperationDoneEvent) Succeeded() bool {
	return e.ExitCode == 0
}

const eventBuffer = 64

// eventQueue is an unbounded FIFO feeding a channel. push never blocks on
// the consumer.
type eventQueue struct {
	mu     sync.Mutex
	buf    []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event, eventBuffer),
	}
	go q.forward()
	return q
}

// push appends ev. It reports false once the queue is closed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	q.signal()
	return true
}

// close stops accepting events. Pending events are still delivered, then
// the output channel is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		batch := q.buf
		q.buf = nil
		q.mu.Unlock()

		for _, ev := range batch {
			q.out <- ev
		}
	}
}
