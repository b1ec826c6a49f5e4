package session

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/protocol"
)

// connection is one registered observer.
type connection struct {
	id       ConnectionID
	ch       Channel
	codec    protocol.Codec
	info     ConnectionInfo
	openedAt time.Time
	events   *rate.Limiter // nil when events are not limited

	mu       sync.Mutex
	seq      uint64
	pending  bool
	missed   int
	lastPong time.Time

	stopOnce sync.Once
	quit     chan struct{}
}

func newConnection(id ConnectionID, ch Channel, codec protocol.Codec, info ConnectionInfo, now time.Time, cfg Config) *connection {
	var events *rate.Limiter
	if cfg.EventRate > 0 {
		burst := cfg.EventBurst
		if burst <= 0 {
			burst = 1
		}
		events = rate.NewLimiter(rate.Limit(cfg.EventRate), burst)
	}
	return &connection{
		events:   events,
		id:       id,
		ch:       ch,
		codec:    codec,
		info:     info,
		openedAt: now,
		lastPong: now,
		quit:     make(chan struct{}),
	}
}

// allowEvent reports whether another event fits the connection's rate.
func (c *connection) allowEvent() bool {
	return c.events == nil || c.events.Allow()
}

func (c *connection) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

// nextPing counts the previous ping as missed if it is still unanswered
// and reserves the next sequence number.
func (c *connection) nextPing() (seq uint64, missed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		c.missed++
	}
	c.seq++
	c.pending = true
	return c.seq, c.missed
}

// pong accepts an answer to the latest ping or an earlier one. Any answer
// proves the peer is alive.
func (c *connection) pong(seq uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		return
	}
	c.pending = false
	c.missed = 0
	c.lastPong = now
}

// LastPong returns when connection id last answered a ping, or when it
// opened if it never has.
func (s *Session) LastPong(id ConnectionID) (time.Time, bool) {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong, true
}

// keepalive pings c every PingInterval and removes it once
// TimeoutIntervals consecutive pings went unanswered.
func (s *Session) keepalive(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		seq, missed := c.nextPing()
		if missed >= s.cfg.TimeoutIntervals {
			s.drop(c, apperrors.KeepaliveTimeout(uint32(c.id), missed))
			return
		}
		payloads, err := c.codec.Encode(protocol.Ping{Seq: seq, DocumentTime: s.DocumentTime()})
		if err != nil {
			glog.Errorf("session %s: encode ping: %v", s.cfg.Name, err)
			continue
		}
		if !s.sendTo(c, payloads) {
			return
		}
		glog.V(2).Infof("session %s: ping %d to connection %d", s.cfg.Name, seq, c.id)
	}
}
