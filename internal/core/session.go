package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"parley/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// Session is one connected principal's live state. The registry owns the
// session; a room's client map holds only a non-owning back-reference.
//
// Lifecycle is Connecting → Joined(room) → Closed. Closed is final; a client
// must open a new connection to rejoin.
type Session struct {
	id string
	ip string

	mu       sync.Mutex
	username string
	roomPath string

	send      chan protocol.Outbound
	closeOnce sync.Once
	closed    atomic.Bool
	lastPing  atomic.Int64
}

func newSession(ip string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Session{
		id:   uuid.NewString(),
		ip:   ip,
		send: make(chan protocol.Outbound, sendBuf),
	}
}

// ID returns the process-unique session identifier.
func (s *Session) ID() string { return s.id }

// IP returns the remote address the session connected from.
func (s *Session) IP() string { return s.ip }

// Username returns the identity set at join time ("" before the first join).
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// RoomPath returns the path of the room the session is joined to, or "".
func (s *Session) RoomPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomPath
}

// Outbox is the channel the transport drains. It is closed exactly once when
// the session transitions to Closed.
func (s *Session) Outbox() <-chan protocol.Outbound { return s.send }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close transitions the session to Closed and closes the outbox. Safe to call
// more than once; kick, ban, and transport teardown all funnel through here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// Deliver enqueues one outbound event, skipping closed sessions. A full
// outbox blocks at most SendTimeout before the event is dropped.
func (s *Session) Deliver(ev protocol.Outbound) (ok bool) {
	if s.closed.Load() {
		return false
	}
	// The outbox may close between the flag check and the send.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.send <- ev:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

func (s *Session) setIdentity(username, roomPath string) {
	s.mu.Lock()
	s.username = username
	s.roomPath = roomPath
	s.mu.Unlock()
}

func (s *Session) clearRoom() {
	s.mu.Lock()
	s.roomPath = ""
	s.mu.Unlock()
}

// RefreshPing records liveness. Pings never transition state or touch a room.
func (s *Session) RefreshPing() {
	s.lastPing.Store(time.Now().UnixMilli())
}

// LastPing returns the unix-millisecond timestamp of the latest ping, or 0.
func (s *Session) LastPing() int64 {
	return s.lastPing.Load()
}
