package events

import (
	"sync"
	"time"
)

// Kind names an emitted signal.
type Kind string

const (
	CelebrityCreated     Kind = "celebrity.created"
	CelebrityUpdated     Kind = "celebrity.updated"
	CelebrityDeleted     Kind = "celebrity.deleted"
	RequestCreated       Kind = "request.created"
	RequestSigned        Kind = "request.signed"
	RequestDeleted       Kind = "request.deleted"
	AutographMinted      Kind = "autograph.minted"
	AutographTransferred Kind = "autograph.transferred"
	AutographApproved    Kind = "autograph.approved"
	AutographOperatorSet Kind = "autograph.operator_set"
)

// Event is a single emitted signal with string-encoded fields.
type Event struct {
	Kind   Kind              `json:"kind"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink receives emitted events.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

// Log is a bounded in-memory event buffer; oldest entries are dropped first.
type Log struct {
	mu   sync.Mutex
	max  int
	buf  []Event
	next func() time.Time
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = 256
	}
	return &Log{max: max, next: time.Now}
}

func (l *Log) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.At.IsZero() {
		e.At = l.next()
	}
	l.buf = append(l.buf, e)
	if len(l.buf) > l.max {
		l.buf = l.buf[len(l.buf)-l.max:]
	}
}

// Recent returns up to n events, newest last. n <= 0 returns everything retained.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.buf) {
		n = len(l.buf)
	}
	out := make([]Event, n)
	copy(out, l.buf[len(l.buf)-n:])
	return out
}
