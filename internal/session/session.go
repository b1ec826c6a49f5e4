// Package session implements the replication session: the host-side fan-out
// coordinator for one authoritative document.
//
// Every access to the document, whether a mutation, an event dispatch, a
// snapshot or a reload, runs on one pipeline goroutine per session. Records
// the observer collects are merged and broadcast on a short debounce tick.
// Because a new connection is snapshotted and registered by the same
// goroutine that broadcasts diffs, it can never receive a stale snapshot and
// also miss a diff.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/document"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/observer"
	"github.com/treesync/host/internal/protocol"
)

// Session replicates one document to any number of connections.
type Session struct {
	cfg Config
	doc *document.Document
	obs *observer.Observer

	// loadedAt is the Unix nano time of the last load; document time is
	// measured from it.
	loadedAt atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}

	// flushTimer is armed by the pipeline while records are pending.
	flushTimer *time.Timer

	mu     sync.RWMutex
	conns  map[ConnectionID]*connection
	nextID ConnectionID
	closed bool

	snapshotsSent    atomic.Uint64
	diffBatches      atomic.Uint64
	recordsObserved  atomic.Uint64
	recordsSent      atomic.Uint64
	eventsDispatched atomic.Uint64
	connectionsTotal atomic.Uint64
}

// New starts a session for doc. The session owns doc from here on; touch it
// only through Do.
func New(doc *document.Document, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		doc:    doc,
		obs:    observer.Attach(doc),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func(), commandQueueSize),
		done:   make(chan struct{}),
		conns:  make(map[ConnectionID]*connection),
	}
	s.loadedAt.Store(cfg.Clock.Now().UnixNano())
	go s.run()
	return s
}

// Name returns the document name.
func (s *Session) Name() string { return s.cfg.Name }

// run is the pipeline goroutine.
func (s *Session) run() {
	defer close(s.done)

	var flush <-chan time.Time
	for {
		select {
		case <-s.ctx.Done():
			if s.flushTimer != nil {
				s.flushTimer.Stop()
			}
			return

		case fn := <-s.cmds:
			fn()
			if s.afterCommand() && flush == nil {
				s.flushTimer = time.NewTimer(s.cfg.TickInterval)
				flush = s.flushTimer.C
			}

		case <-flush:
			flush = nil
			s.flushTimer = nil
			s.flush()
		}

		// A flush triggered by afterCommand may leave nothing pending.
		if flush != nil && !s.obs.Pending() {
			s.flushTimer.Stop()
			s.flushTimer = nil
			flush = nil
		}
	}
}

// afterCommand flushes right away when that is required and reports
// whether records are left waiting for the tick.
func (s *Session) afterCommand() bool {
	if !s.obs.Pending() {
		return false
	}
	// A reset makes pending diffs meaningless; snapshot immediately.
	if s.cfg.TickInterval == 0 || s.obs.Resetting() || s.obs.Len() >= s.cfg.MaxBatch {
		s.flush()
		return false
	}
	return true
}

// enqueue hands fn to the pipeline.
func (s *Session) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return apperrors.SessionClosed(s.cfg.Name)
	default:
	}
	select {
	case s.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return apperrors.SessionClosed(s.cfg.Name)
	}
}

// post hands fn to the pipeline without waiting. It is safe to call from
// the pipeline itself.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	default:
		go func() {
			select {
			case s.cmds <- fn:
			case <-s.done:
			}
		}()
	}
}

// Do runs fn on the pipeline with exclusive access to the document and
// waits for it. Mutations fn makes are broadcast on the next tick. fn must
// not call back into the session.
func (s *Session) Do(ctx context.Context, fn func(doc *document.Document) error) error {
	res := make(chan error, 1)
	if err := s.enqueue(ctx, func() { res <- fn(s.doc) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return apperrors.SessionClosed(s.cfg.Name)
	}
}

// Flush broadcasts pending records now instead of waiting for the tick.
func (s *Session) Flush(ctx context.Context) error {
	return s.Do(ctx, func(*document.Document) error {
		s.flush()
		return nil
	})
}

// flush drains the observer. Pipeline only.
func (s *Session) flush() {
	b := s.obs.Take()
	if b.Reset {
		// Records observed after the reset are already part of the tree the
		// snapshot is taken from.
		s.broadcastSnapshot()
		return
	}
	if len(b.Records) == 0 {
		return
	}
	s.broadcastDiff(b.Records)
}

// Snapshot returns the current tree as a snapshot message.
func (s *Session) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	var snap protocol.Snapshot
	err := s.Do(ctx, func(doc *document.Document) error {
		snap = protocol.Snapshot{Root: doc.Snapshot(), DocumentTime: s.DocumentTime()}
		return nil
	})
	return snap, err
}

// Markup renders the current tree.
func (s *Session) Markup(ctx context.Context) (string, error) {
	var out string
	err := s.Do(ctx, func(doc *document.Document) error {
		out = doc.Markup()
		return nil
	})
	return out, err
}

// DocumentTime returns milliseconds since the document was last loaded.
func (s *Session) DocumentTime() int64 {
	return s.cfg.Clock.Now().Sub(time.Unix(0, s.loadedAt.Load())).Milliseconds()
}

// AddConnection registers ch and sends it a snapshot of the current tree.
//
// Pending records are flushed to the existing connections first, then the
// snapshot is taken and the connection registered in the same pipeline
// step, so the connection sees exactly the diffs that follow its snapshot.
func (s *Session) AddConnection(ctx context.Context, ch Channel, codec protocol.Codec, info ConnectionInfo) (ConnectionID, error) {
	if info.Subprotocol == "" {
		info.Subprotocol = codec.Subprotocol()
	}
	var id ConnectionID
	err := s.Do(ctx, func(doc *document.Document) error {
		s.flush()

		snap := protocol.Snapshot{Root: doc.Snapshot(), DocumentTime: s.DocumentTime()}
		payloads, err := codec.Encode(snap)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeProtocolEncodeFailed, "encode snapshot", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return apperrors.SessionClosed(s.cfg.Name)
		}
		s.nextID++
		id = s.nextID
		c := newConnection(id, ch, codec, info, s.cfg.Clock.Now(), s.cfg)
		s.conns[id] = c
		s.mu.Unlock()

		for _, p := range payloads {
			if err := ch.Send(p); err != nil {
				s.drop(c, apperrors.Wrap(apperrors.CodeSessionSendFailed, "send snapshot", err))
				return err
			}
		}
		s.snapshotsSent.Add(1)
		s.connectionsTotal.Add(1)

		go s.keepalive(c)

		glog.Infof("session %s: connection %d opened (%s, %s)", s.cfg.Name, id, info.Subprotocol, info.RemoteAddr)
		for _, l := range s.cfg.Listeners {
			l.ConnectionOpened(doc, id, info)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveConnection stops sending to id, stops its keepalive and closes its
// channel. Removing an unknown connection returns
// session.connection_not_found.
func (s *Session) RemoveConnection(id ConnectionID, reason error) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ConnectionNotFound(uint32(id))
	}
	s.drop(c, reason)
	return nil
}

// drop removes c exactly once. Safe from any goroutine, the pipeline
// included.
func (s *Session) drop(c *connection, reason error) {
	s.mu.Lock()
	if cur, ok := s.conns[c.id]; !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.stop()
	if err := c.ch.Close(); err != nil {
		glog.V(2).Infof("session %s: close connection %d: %v", s.cfg.Name, c.id, err)
	}
	if reason != nil {
		glog.Infof("session %s: connection %d removed: %v", s.cfg.Name, c.id, reason)
	} else {
		glog.Infof("session %s: connection %d closed", s.cfg.Name, c.id)
	}

	if len(s.cfg.Listeners) > 0 {
		s.post(func() {
			for _, l := range s.cfg.Listeners {
				l.ConnectionClosed(s.doc, c.id, reason)
			}
		})
	}
}

// connections returns the live connections ordered by ID.
func (s *Session) connections() []*connection {
	s.mu.RLock()
	out := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connections returns the IDs of all live connections.
func (s *Session) Connections() []ConnectionID {
	conns := s.connections()
	ids := make([]ConnectionID, len(conns))
	for i, c := range conns {
		ids[i] = c.id
	}
	return ids
}

// ConnectionCount returns the number of live connections.
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// BroadcastDiff applies records produced outside the document's own
// mutation methods (for instance by an external script runner) and sends
// them to every connection. Pending observed records go out first.
func (s *Session) BroadcastDiff(ctx context.Context, records []mutation.Record) error {
	return s.Do(ctx, func(doc *document.Document) error {
		s.flush()
		for i, rec := range records {
			if c, ok := rec.(mutation.AttributesChange); ok && len(c.Attributes) == 0 {
				return apperrors.New(apperrors.CodeTreeInvalidMutation,
					fmt.Sprintf("record %d: attribute change on node %d without attributes", i, c.TargetID))
			}
		}
		if err := doc.Apply(records); err != nil {
			return apperrors.Wrap(apperrors.CodeTreeInvalidMutation, "apply records", err)
		}
		s.broadcastDiff(records)
		return nil
	})
}

// broadcastDiff merges records and sends the identical encoded payloads to
// every connection. Each codec encodes the batch once. Pipeline only.
func (s *Session) broadcastDiff(records []mutation.Record) {
	merged := mutation.Merge(records)
	s.recordsObserved.Add(uint64(len(records)))
	s.recordsSent.Add(uint64(len(merged)))
	s.diffBatches.Add(1)

	msgs := protocol.DiffMessages(merged, s.DocumentTime())
	n := s.sendAll(msgs...)
	glog.V(2).Infof("session %s: %d records merged to %d, sent to %d connections",
		s.cfg.Name, len(records), len(merged), n)
}

// broadcastSnapshot re-sends the whole tree to every connection.
func (s *Session) broadcastSnapshot() {
	snap := protocol.Snapshot{Root: s.doc.Snapshot(), DocumentTime: s.DocumentTime()}
	n := s.sendAll(snap)
	s.snapshotsSent.Add(uint64(n))
	glog.Infof("session %s: snapshot sent to %d connections", s.cfg.Name, n)
}

// sendAll encodes msgs once per codec and sends them to every connection.
// A connection whose channel rejects a payload, or whose codec cannot
// encode msgs, is dropped so that it resynchronises on reconnect. Returns
// the number of connections that received everything.
func (s *Session) sendAll(msgs ...Message) int {
	if len(msgs) == 0 {
		return 0
	}
	encoded := make(map[string][][]byte)
	failed := make(map[string]error)
	sent := 0
	for _, c := range s.connections() {
		sub := c.codec.Subprotocol()
		if err, ok := failed[sub]; ok {
			s.drop(c, err)
			continue
		}
		payloads, ok := encoded[sub]
		if !ok {
			var err error
			payloads, err = c.codec.Encode(msgs...)
			if err != nil {
				glog.Errorf("session %s: encode for %s: %v", s.cfg.Name, sub, err)
				failed[sub] = apperrors.Wrap(apperrors.CodeProtocolEncodeFailed, "encode for "+sub, err)
				s.drop(c, failed[sub])
				continue
			}
			encoded[sub] = payloads
		}
		if s.sendTo(c, payloads) {
			sent++
		}
	}
	return sent
}

func (s *Session) sendTo(c *connection, payloads [][]byte) bool {
	for _, p := range payloads {
		if err := c.ch.Send(p); err != nil {
			s.drop(c, apperrors.Wrap(apperrors.CodeSessionSendFailed, "send", err))
			return false
		}
	}
	return true
}

// Send delivers msg to one connection, e.g. a warning about a dropped
// event.
func (s *Session) Send(id ConnectionID, msg Message) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ConnectionNotFound(uint32(id))
	}
	payloads, err := c.codec.Encode(msg)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProtocolEncodeFailed, "encode", err)
	}
	if !s.sendTo(c, payloads) {
		return apperrors.New(apperrors.CodeSessionSendFailed, fmt.Sprintf("connection %d dropped", id))
	}
	return nil
}

// Log forwards a diagnostic line to every connection. It is not tree
// traffic and is not ordered against diffs.
func (s *Session) Log(msg LogMessage) {
	if !msg.Level.Valid() {
		msg.Level = protocol.LevelLog
	}
	s.sendAll(protocol.Log{Level: msg.Level, Content: msg.Content})
}

// DispatchEvent hands an event from connection id to the behaviour layer
// and waits for it to run. Mutations it makes go out with the next tick.
// A behaviour error is forwarded to observers as a system log and is not
// returned.
func (s *Session) DispatchEvent(ctx context.Context, id ConnectionID, ev protocol.Event) error {
	s.mu.RLock()
	_, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ConnectionNotFound(uint32(id))
	}

	return s.Do(ctx, func(doc *document.Document) error {
		s.eventsDispatched.Add(1)
		if !doc.Tree().Connected(ev.TargetID) {
			// The node went away after the observer raised the event.
			glog.V(1).Infof("session %s: event %q from %d targets stale node %d", s.cfg.Name, ev.Name, id, ev.TargetID)
			return nil
		}
		if s.cfg.Behavior == nil {
			return nil
		}
		err := s.cfg.Behavior.HandleEvent(ctx, doc, Event{
			ConnectionID: id,
			TargetID:     ev.TargetID,
			Name:         ev.Name,
			Bubbles:      ev.Bubbles,
			Params:       ev.Params,
		})
		if err != nil {
			coded := apperrors.BehaviorFailed(ev.Name, err)
			glog.Warningf("session %s: %v", s.cfg.Name, coded)
			s.Log(LogMessage{Level: protocol.LevelSystem, Content: coded.Error()})
		}
		return nil
	})
}

// HandleFrame decodes a payload received from connection id and acts on
// it. A payload that does not decode drops the connection.
func (s *Session) HandleFrame(ctx context.Context, id ConnectionID, payload []byte) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ConnectionNotFound(uint32(id))
	}

	msgs, err := c.codec.Decode(payload)
	if err != nil {
		coded := apperrors.DecodeFailed(err)
		s.drop(c, coded)
		return coded
	}
	for _, m := range msgs {
		switch m := m.(type) {
		case protocol.Pong:
			s.HandlePong(id, m.Seq)
		case protocol.Event:
			if !c.allowEvent() {
				glog.V(1).Infof("session %s: event %q from %d dropped by rate limit", s.cfg.Name, m.Name, id)
				if err := s.Send(id, protocol.Warning{
					Message: fmt.Sprintf("%s: event %q dropped", apperrors.RateLimited().Error(), m.Name),
				}); err != nil {
					return err
				}
				continue
			}
			if err := s.DispatchEvent(ctx, id, m); err != nil {
				return err
			}
		default:
			glog.V(1).Infof("session %s: unexpected %s from connection %d", s.cfg.Name, m.Type(), id)
			if err := s.Send(id, protocol.Error{
				Code:    apperrors.CodeProtocolUnexpected,
				Message: fmt.Sprintf("%s is not accepted from observers", m.Type()),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandlePong records a keepalive answer.
func (s *Session) HandlePong(id ConnectionID, seq uint64) {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if ok {
		c.pong(seq, s.cfg.Clock.Now())
	}
}

// Reload replaces the document from markup. Every connection receives a
// fresh snapshot instead of a diff and node IDs start over.
func (s *Session) Reload(ctx context.Context, r io.Reader) error {
	// Read outside the pipeline so a slow source does not stall it.
	src, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return s.Do(ctx, func(doc *document.Document) error {
		if err := doc.Load(bytes.NewReader(src)); err != nil {
			return err
		}
		s.loadedAt.Store(s.cfg.Clock.Now().UnixNano())
		return nil
	})
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Name:             s.cfg.Name,
		Connections:      s.ConnectionCount(),
		SnapshotsSent:    s.snapshotsSent.Load(),
		DiffBatches:      s.diffBatches.Load(),
		RecordsObserved:  s.recordsObserved.Load(),
		RecordsSent:      s.recordsSent.Load(),
		EventsDispatched: s.eventsDispatched.Load(),
		ConnectionsTotal: s.connectionsTotal.Load(),
		DocumentTime:     s.DocumentTime(),
	}
}

// Close flushes pending records, stops the pipeline and closes every
// connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := s.Flush(ctx); err != nil {
		glog.Warningf("session %s: final flush: %v", s.cfg.Name, err)
	}
	cancel()

	s.cancel()
	<-s.done
	for _, c := range s.connections() {
		s.drop(c, apperrors.SessionClosed(s.cfg.Name))
	}
	return nil
}

// Message is re-exported for callers that only import session.
type Message = protocol.Message
