// Package client keeps a local mirror of a hosted document in sync over a
// websocket and reconnects with backoff when the connection is lost.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/tree"
)

// ErrNotConnected is returned by SendEvent while there is no live
// connection. The event is dropped.
var ErrNotConnected = apperrors.New(apperrors.CodeClientNotConnected, "not connected, event dropped")

// ErrDisposed is returned by SendEvent after Dispose.
var ErrDisposed = apperrors.New(apperrors.CodeClientDisposed, "reconciler disposed")

const (
	DefaultPingInterval     = 10 * time.Second
	DefaultTimeoutIntervals = 3
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Reconciler. Callbacks run on the reconciler's read
// goroutine and must not block for long.
type Config struct {
	// URL is the websocket URL of the document, ws:// or wss://.
	URL string

	// Subprotocols are offered in preference order. Defaults to every
	// supported version, newest first.
	Subprotocols []string

	// Header is sent with every handshake, e.g. for a bearer token.
	Header http.Header

	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// PingInterval and TimeoutIntervals must match the host. The
	// connection is considered dead after PingInterval*TimeoutIntervals
	// without any inbound frame.
	PingInterval     time.Duration
	TimeoutIntervals int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(from, to State)

	// OnDocumentTime receives the document time carried by snapshots,
	// diffs and pings.
	OnDocumentTime func(ms int64)

	// OnMirrorChange is called after the mirror changed. records is nil
	// when the mirror was rebuilt from a snapshot.
	OnMirrorChange func(records []mutation.Record)

	// OnLog receives log, warning and error messages from the host.
	OnLog func(level protocol.LogLevel, content string)
}

func (c Config) withDefaults() Config {
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = protocol.Supported()
	}
	if c.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = DefaultHandshakeTimeout
		c.Dialer = &d
	} else {
		d := *c.Dialer
		c.Dialer = &d
	}
	c.Dialer.Subprotocols = c.Subprotocols
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.TimeoutIntervals <= 0 {
		c.TimeoutIntervals = DefaultTimeoutIntervals
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Reconciler mirrors one document.
type Reconciler struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	mirror   *tree.Tree
	conn     *websocket.Conn
	codec    protocol.Codec
	lastPing time.Time
	attempts int

	writeMu sync.Mutex
}

// New starts a Reconciler. It connects in the background and keeps
// reconnecting until Dispose.
func New(cfg Config) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Connecting,
	}
	go r.run()
	return r
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Mirror returns a copy of the mirror, or false before the first snapshot
// of the current connection.
func (r *Reconciler) Mirror() (tree.Subtree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mirror == nil {
		return tree.Subtree{}, false
	}
	return r.mirror.Snapshot(), true
}

// Subprotocol returns the subprotocol of the live connection, if any.
func (r *Reconciler) Subprotocol() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codec == nil {
		return ""
	}
	return r.codec.Subprotocol()
}

// LastPing returns when the host last pinged us.
func (r *Reconciler) LastPing() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPing
}

// Attempts returns how many connections were tried so far.
func (r *Reconciler) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconciler) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to || from == Disconnected {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.mu.Unlock()

	glog.V(1).Infof("client: %s -> %s", from, to)
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(from, to)
	}
}

// SendEvent encodes ev and writes it right away. There is no queue: while
// the reconciler is not Connected the event is dropped and ErrNotConnected
// returned.
func (r *Reconciler) SendEvent(ev protocol.Event) error {
	r.mu.Lock()
	state, conn, codec := r.state, r.conn, r.codec
	r.mu.Unlock()

	if state == Disconnected {
		return ErrDisposed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	if err := r.write(conn, codec, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (r *Reconciler) write(conn *websocket.Conn, codec protocol.Codec, msgs ...protocol.Message) error {
	payloads, err := codec.Encode(msgs...)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if codec.Binary() {
		kind = websocket.BinaryMessage
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	for _, p := range payloads {
		conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		if err := conn.WriteMessage(kind, p); err != nil {
			return err
		}
	}
	return nil
}

// Dispose stops the reconciler: the connection is closed, pending
// reconnects are cancelled and the state becomes Disconnected. It waits
// for the background goroutine to exit.
func (r *Reconciler) Dispose() {
	r.cancel()
	<-r.done
}

// run is the connect loop.
func (r *Reconciler) run() {
	defer close(r.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := r.connect(b)
		if r.ctx.Err() != nil {
			break
		}
		r.setState(Reconnecting)

		wait := b.NextBackOff()
		glog.Infof("client: %s: %v; retrying in %s", r.cfg.URL, err, wait)
		select {
		case <-r.ctx.Done():
		case <-time.After(wait):
			continue
		}
		break
	}

	r.mu.Lock()
	r.mirror = nil
	r.mu.Unlock()
	r.setState(Disconnected)
}

// connect runs one connection until it fails. A received snapshot resets
// the backoff.
func (r *Reconciler) connect(b backoff.BackOff) error {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()

	conn, resp, err := r.cfg.Dialer.DialContext(r.ctx, r.cfg.URL, r.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	codec, err := codecFor(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.codec = codec
	r.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-r.ctx.Done():
			r.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			r.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		conn.Close()
		r.mu.Lock()
		r.conn = nil
		r.codec = nil
		r.mirror = nil
		r.mu.Unlock()
	}()

	glog.V(1).Infof("client: connected to %s (%s)", r.cfg.URL, codec.Subprotocol())
	return r.readLoop(conn, codec, b)
}

// codecFor maps the subprotocol the host picked to a codec. A host that
// picked none speaks v0.1.
func codecFor(subprotocol string) (protocol.Codec, error) {
	if subprotocol == "" {
		return protocol.JSONCodec{}, nil
	}
	c, ok := protocol.ForSubprotocol(subprotocol)
	if !ok {
		return nil, apperrors.ProtocolUnsupported([]string{subprotocol})
	}
	return c, nil
}

func (r *Reconciler) readLoop(conn *websocket.Conn, codec protocol.Codec, b backoff.BackOff) error {
	liveness := r.cfg.PingInterval * time.Duration(r.cfg.TimeoutIntervals)
	for {
		conn.SetReadDeadline(time.Now().Add(liveness))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msgs, err := codec.Decode(payload)
		if err != nil {
			return apperrors.Desync(apperrors.DecodeFailed(err))
		}

		var applied []mutation.Record
		for _, m := range msgs {
			recs, err := r.handle(conn, codec, m, b)
			if err != nil {
				return err
			}
			applied = append(applied, recs...)
		}
		if len(applied) > 0 && r.cfg.OnMirrorChange != nil {
			r.cfg.OnMirrorChange(applied)
		}
	}
}

// handle applies one inbound message and returns the records it applied
// to the mirror.
func (r *Reconciler) handle(conn *websocket.Conn, codec protocol.Codec, m protocol.Message, b backoff.BackOff) ([]mutation.Record, error) {
	switch m := m.(type) {
	case protocol.Snapshot:
		mirror, err := tree.FromSubtree(m.Root)
		if err != nil {
			return nil, apperrors.Desync(err)
		}
		r.mu.Lock()
		r.mirror = mirror
		r.mu.Unlock()
		b.Reset()
		r.setState(Connected)
		r.documentTime(m.DocumentTime)
		if r.cfg.OnMirrorChange != nil {
			r.cfg.OnMirrorChange(nil)
		}
		return nil, nil

	case protocol.Ping:
		r.mu.Lock()
		r.lastPing = time.Now()
		r.mu.Unlock()
		r.documentTime(m.DocumentTime)
		if err := r.write(conn, codec, protocol.Pong{Seq: m.Seq}); err != nil {
			return nil, err
		}
		return nil, nil

	case protocol.Log:
		r.log(m.Level, m.Content)
		return nil, nil

	case protocol.Warning:
		r.log(protocol.LevelWarn, m.Message)
		return nil, nil

	case protocol.Error:
		glog.Warningf("client: host error %s: %s", m.Code, m.Message)
		r.log(protocol.LevelError, fmt.Sprintf("%s: %s", m.Code, m.Message))
		return nil, nil
	}

	rec, documentTime, ok := protocol.Record(m)
	if !ok {
		glog.V(1).Infof("client: ignoring %s from host", m.Type())
		return nil, nil
	}

	r.mu.Lock()
	if r.mirror == nil {
		// Left over from an earlier connection.
		r.mu.Unlock()
		glog.V(2).Infof("client: %s before snapshot discarded", m.Type())
		return nil, nil
	}
	err := mutation.ApplyOne(r.mirror, rec)
	r.mu.Unlock()
	if err != nil {
		return nil, apperrors.Desync(err)
	}
	if documentTime != nil {
		r.documentTime(*documentTime)
	}
	return []mutation.Record{rec}, nil
}

func (r *Reconciler) documentTime(ms int64) {
	if r.cfg.OnDocumentTime != nil {
		r.cfg.OnDocumentTime(ms)
	}
}

func (r *Reconciler) log(level protocol.LogLevel, content string) {
	if r.cfg.OnLog != nil {
		r.cfg.OnLog(level, content)
	}
}
