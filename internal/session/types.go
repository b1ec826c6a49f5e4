package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/treesync/host/internal/document"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/tree"
)

// Default tuning values, used when the matching Config field is zero.
const (
	// DefaultPingInterval is how often each connection is pinged.
	DefaultPingInterval = 10 * time.Second

	// DefaultTimeoutIntervals is how many consecutive pings may go
	// unanswered before a connection is considered dead.
	DefaultTimeoutIntervals = 3

	// DefaultTickInterval is the debounce window for diff flushes. The
	// window opens at the first unflushed record.
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultMaxBatch flushes early once this many records are pending.
	DefaultMaxBatch = 1000

	// commandQueueSize bounds work waiting for the pipeline goroutine.
	commandQueueSize = 64
)

// ConnectionID identifies a connection within one session. IDs start at 1
// and are never reused while the session lives.
type ConnectionID uint32

// Channel is the transport of one connection, usually a websocket.
//
// Send must not block for long and must be safe to call from several
// goroutines: the pipeline and the keepalive goroutine both send. An error
// from Send means the payload was not queued, and the session drops the
// connection rather than let it miss a diff.
type Channel interface {
	Send(payload []byte) error
	Close() error
}

// ConnectionInfo describes a connection for listeners and logs.
type ConnectionInfo struct {
	Subprotocol string
	RemoteAddr  string
	Subject     string // authenticated token subject, if any
}

// Event is an observer event annotated with the connection it came from.
type Event struct {
	ConnectionID ConnectionID
	TargetID     tree.NodeID
	Name         string
	Bubbles      bool
	Params       json.RawMessage
}

// Behavior is the document's event layer. HandleEvent runs on the session
// pipeline with exclusive access to the document; mutations it makes are
// captured by the next flush. It must not call back into the Session.
//
// A returned error is forwarded to every observer as a system log line and
// never closes the session.
type Behavior interface {
	HandleEvent(ctx context.Context, doc *document.Document, ev Event) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, doc *document.Document, ev Event) error

// HandleEvent calls f.
func (f BehaviorFunc) HandleEvent(ctx context.Context, doc *document.Document, ev Event) error {
	return f(ctx, doc, ev)
}

// ConnectionListener is told about connections opening and closing. A
// Behavior that also implements it is registered automatically. Callbacks
// run on the session pipeline.
type ConnectionListener interface {
	ConnectionOpened(doc *document.Document, id ConnectionID, info ConnectionInfo)
	ConnectionClosed(doc *document.Document, id ConnectionID, reason error)
}

// LogMessage is a diagnostic line forwarded to observers.
type LogMessage struct {
	Level   protocol.LogLevel
	Content string
}

// Clock supplies the time used for document time and keepalive.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures a Session.
type Config struct {
	// Name identifies the document in logs and errors.
	Name string

	PingInterval     time.Duration
	TimeoutIntervals int
	TickInterval     time.Duration
	MaxBatch         int

	// EventRate limits events per second from one connection; excess
	// events are answered with a warning and dropped. Zero is unlimited.
	EventRate  float64
	EventBurst int

	// Behavior handles observer events. Nil ignores events.
	Behavior Behavior

	// Listeners are told about connection lifecycle, e.g. for auditing.
	Listeners []ConnectionListener

	// Clock defaults to the wall clock.
	Clock Clock
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.TimeoutIntervals <= 0 {
		c.TimeoutIntervals = DefaultTimeoutIntervals
	}
	if c.TickInterval < 0 {
		c.TickInterval = 0
	} else if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if l, ok := c.Behavior.(ConnectionListener); ok {
		c.Listeners = append([]ConnectionListener{l}, c.Listeners...)
	}
	return c
}

// Stats is a point-in-time view of a session's counters.
type Stats struct {
	Name             string `json:"name"`
	Connections      int    `json:"connections"`
	SnapshotsSent    uint64 `json:"snapshots_sent"`
	DiffBatches      uint64 `json:"diff_batches"`
	RecordsObserved  uint64 `json:"records_observed"`
	RecordsSent      uint64 `json:"records_sent"`
	EventsDispatched uint64 `json:"events_dispatched"`
	ConnectionsTotal uint64 `json:"connections_total"`
	DocumentTime     int64  `json:"document_time"`
}
