package pingproto

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/coverage.report/internal/clock"
)

var (
	// ErrTimeout means no reply arrived within the timeout. The session
	// remains valid; the outcome is a transient error.
	ErrTimeout = errors.New("ping timed out")
	// ErrNetwork is a transport-level failure (send error, connection
	// reset). Not by itself a session-invalidation signal.
	ErrNetwork = errors.New("ping network failure")
	// ErrSessionInvalid is returned after an RE01 reply: the session must
	// be discarded and a new one requested before the next attempt.
	ErrSessionInvalid = errors.New("ping session invalidated")
)

// PingSender issues one echo round trip per call.
type PingSender interface {
	// Ping sends one request and waits for its reply or timeout.
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

// Pinger measures round trips over a Conn. Requests may be pipelined: each
// outstanding request is matched to its reply solely by sequence number, via
// a pending map owned by a single receive loop. Maintaining exactly one
// receive loop per connection keeps the number of blocked reads bounded when
// replies stall.
type Pinger struct {
	conn    Conn
	clk     clock.Clock
	timeout time.Duration
	token   []byte

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan error
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewPinger wraps conn and starts its receive loop. token is the opaque
// Base64 session token issued by the control plane.
func NewPinger(conn Conn, token string, clk clock.Clock, timeout time.Duration) *Pinger {
	p := &Pinger{
		conn:    conn,
		clk:     clk,
		timeout: timeout,
		token:   []byte(token),
		pending: make(map[uint32]chan error),
		done:    make(chan struct{}),
	}
	go p.receiveLoop()
	return p
}

// Ping sends one request and blocks until the matching reply, the timeout,
// or context cancellation.
func (p *Pinger) Ping(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrNetwork
	}
	p.seq++
	seq := p.seq
	reply := make(chan error, 1)
	p.pending[seq] = reply
	p.mu.Unlock()

	start := p.clk.Now()
	if _, err := p.conn.Write(EncodeRequest(seq, p.token)); err != nil {
		p.forget(seq)
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	timer := p.clk.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		if err != nil {
			return 0, err
		}
		return p.clk.Since(start), nil
	case <-timer.C:
		p.forget(seq)
		return 0, ErrTimeout
	case <-ctx.Done():
		p.forget(seq)
		return 0, ctx.Err()
	case <-p.done:
		return 0, ErrNetwork
	}
}

// Close shuts down the connection and resolves all in-flight pings with a
// network error. Safe to call multiple times.
func (p *Pinger) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		err = p.conn.Close()
		p.failAll(ErrNetwork)
	})
	return err
}

func (p *Pinger) receiveLoop() {
	buf := make([]byte, 512)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			// Connection closed or reset: resolve every pending ping
			// rather than leaking its waiter.
			p.failAll(ErrNetwork)
			return
		}
		seq, kind, err := DecodeReply(buf[:n])
		if err != nil {
			log.Printf("discarding malformed ping reply: %v", err)
			continue
		}
		p.mu.Lock()
		reply, ok := p.pending[seq]
		delete(p.pending, seq)
		p.mu.Unlock()
		if !ok {
			continue // late reply for a timed-out or forgotten request
		}
		if kind == ReplyInvalidSession {
			reply <- ErrSessionInvalid
		} else {
			reply <- nil
		}
	}
}

func (p *Pinger) forget(seq uint32) {
	p.mu.Lock()
	delete(p.pending, seq)
	p.mu.Unlock()
}

func (p *Pinger) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for seq, reply := range p.pending {
		reply <- err
		delete(p.pending, seq)
	}
}
