package pingproto

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
)

// Conn is a connected bidirectional datagram channel. *net.UDPConn satisfies
// it; MockConn stands in for tests. Close must unblock a pending Read.
type Conn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Dialer opens a datagram channel to the measurement server. Injected so
// tests can substitute a MockConn.
type Dialer func(ctx context.Context, host string, port int) (Conn, error)

// DialUDP is the production Dialer.
func DialUDP(ctx context.Context, host string, port int) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockConn is an in-memory Conn for tests. Writes are recorded; if a
// Responder is set it is invoked for each written datagram and its replies
// are queued for Read. Replies can also be injected directly.
type MockConn struct {
	mu       sync.Mutex
	writes   [][]byte
	incoming chan []byte
	done     chan struct{}
	closed   bool

	// Responder, when non-nil, maps each written request to zero or more
	// reply frames delivered to Read.
	Responder func(req []byte) [][]byte
	// WriteErr, when non-nil, fails every Write.
	WriteErr error
}

// NewMockConn creates a MockConn.
func NewMockConn() *MockConn {
	return &MockConn{
		incoming: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.mu.Unlock()
		return 0, err
	}
	cp := append([]byte(nil), b...)
	m.writes = append(m.writes, cp)
	responder := m.Responder
	m.mu.Unlock()

	if responder != nil {
		for _, reply := range responder(cp) {
			m.Inject(reply)
		}
	}
	return len(b), nil
}

func (m *MockConn) Read(b []byte) (int, error) {
	select {
	case <-m.done:
		return 0, net.ErrClosed
	case frame := <-m.incoming:
		return copy(b, frame), nil
	}
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Inject queues a reply frame for delivery to Read.
func (m *MockConn) Inject(frame []byte) {
	select {
	case m.incoming <- append([]byte(nil), frame...):
	case <-m.done:
	}
}

// Writes returns a copy of all recorded request frames.
func (m *MockConn) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// EncodeOKReply builds a success reply for seq; for test responders.
func EncodeOKReply(seq uint32) []byte { return encodeReply(tagReplyOK, seq) }

// EncodeInvalidReply builds an invalidate-session reply for seq.
func EncodeInvalidReply(seq uint32) []byte { return encodeReply(tagReplyInvalid, seq) }

func encodeReply(tag string, seq uint32) []byte {
	buf := make([]byte, replyLen)
	copy(buf, tag)
	binary.BigEndian.PutUint32(buf[tagLen:], seq)
	return buf
}

// RequestSeq extracts the sequence number from an encoded request frame.
// Helper for test responders.
func RequestSeq(req []byte) (uint32, bool) {
	if len(req) < replyLen || string(req[:tagLen]) != tagRequest {
		return 0, false
	}
	return binary.BigEndian.Uint32(req[tagLen:replyLen]), true
}
