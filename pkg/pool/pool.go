// Package pool owns a bounded set of long-lived duplex sessions to the
// synthesis service. Sessions are created lazily up to a configured capacity,
// leased to at most one caller at a time, and evicted when they close or
// error. Waiters are woken by release and eviction events rather than by
// polling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/voicebridge/tts-sidecar/pkg/dashscope"
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("pool is closed")

const defaultCapacity = 2

// Config holds the pool parameters.
type Config struct {
	// Capacity bounds both live sessions and concurrent leases.
	Capacity int

	// Session is the dial configuration shared by every session.
	Session dashscope.SessionConfig
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Live   int `json:"live"`
	Leased int `json:"leased"`
}

// Pool is a bounded session pool. All methods are safe for concurrent use.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*dashscope.Session
	leased   map[string]bool
	dead     map[string]bool // terminated before registration completed
	dialing  int
	closed   bool
	notify   chan struct{}
}

// New creates an empty pool. Sessions are dialed on demand by Acquire.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	return &Pool{
		cfg:      cfg,
		sessions: make(map[string]*dashscope.Session),
		leased:   make(map[string]bool),
		dead:     make(map[string]bool),
		notify:   make(chan struct{}),
	}
}

// Acquire returns an exclusive lease on an open session. It hands out an idle
// session when one exists, dials a new one while below capacity, and
// otherwise blocks until a session is released or evicted, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*dashscope.Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		for id, s := range p.sessions {
			if !p.leased[id] && s.Open() {
				p.leased[id] = true
				p.mu.Unlock()
				return s, nil
			}
		}

		if len(p.sessions)+p.dialing < p.cfg.Capacity {
			p.dialing++
			p.mu.Unlock()

			s, err := dashscope.Dial(ctx, p.cfg.Session, p.remove)

			p.mu.Lock()
			p.dialing--
			if err != nil {
				p.broadcastLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("dial session: %w", err)
			}
			if p.dead[s.ID()] || p.closed {
				// Terminated (or pool shut down) while the dial was in
				// flight; never entered the live set.
				delete(p.dead, s.ID())
				closed := p.closed
				p.mu.Unlock()
				_ = s.Close()
				if closed {
					return nil, ErrClosed
				}
				continue
			}
			p.sessions[s.ID()] = s
			p.leased[s.ID()] = true
			live := len(p.sessions)
			p.mu.Unlock()
			log.Printf("[Pool] session %s established (live=%d)", s.ID(), live)
			return s, nil
		}

		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a leased session to the idle set if it is still live and
// open. Sessions already evicted by the reaper are left removed; a late
// release never resurrects one.
func (p *Pool) Release(s *dashscope.Session) {
	p.mu.Lock()
	delete(p.leased, s.ID())
	p.broadcastLocked()
	p.mu.Unlock()
}

// Discard ends a lease on a session whose task was abandoned mid-flight. The
// session may still be producing frames for the dead task, so it is closed
// instead of returning to the idle set; the eviction hook removes it.
func (p *Pool) Discard(s *dashscope.Session) {
	log.Printf("[Pool] discarding session %s (abandoned mid-task)", s.ID())
	_ = s.Close()
	p.mu.Lock()
	delete(p.leased, s.ID())
	p.broadcastLocked()
	p.mu.Unlock()
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: len(p.sessions), Leased: len(p.leased)}
}

// Close shuts the pool down and closes every live session. Blocked Acquire
// calls return ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*dashscope.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// remove is the per-session eviction hook, invoked by the session's read loop
// on close or error. Removal is unconditional so a leaked lease cannot
// permanently shrink capacity.
func (p *Pool) remove(s *dashscope.Session, err error) {
	p.mu.Lock()
	if _, ok := p.sessions[s.ID()]; ok {
		delete(p.sessions, s.ID())
		delete(p.leased, s.ID())
	} else if !p.closed {
		p.dead[s.ID()] = true
	}
	p.broadcastLocked()
	p.mu.Unlock()
	log.Printf("[Pool] session %s removed (%s): %v", s.ID(), s.State(), err)
}

// broadcastLocked wakes every waiter. Callers must hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}
