package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/models"

	"github.com/google/uuid"
)

// Connection is the gateway's handle on one live transport session. The
// transport owns the socket; the gateway only queues frames on Send and
// signals teardown through Done.
type Connection struct {
	ID         string
	Transport  string
	RemoteAddr string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	user       *models.User
	lastActive atomic.Int64
}

func NewConnection(transport, remoteAddr string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Connection{
		ID:         uuid.New().String(),
		Transport:  transport,
		RemoteAddr: remoteAddr,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
	c.Touch(time.Now())
	return c
}

// User returns the authenticated user or nil before the handshake completes.
func (c *Connection) User() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// UserID returns 0 for unauthenticated connections.
func (c *Connection) UserID() int {
	if u := c.User(); u != nil {
		return u.ID
	}
	return 0
}

func (c *Connection) Authenticated() bool {
	return c.User() != nil
}

// bind sets the user unless the connection is already closed. It and
// CloseIfUnauthenticated hold the same lock, so exactly one of them wins.
func (c *Connection) bind(u *models.User) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return false
	}
	c.user = u
	return true
}

// CloseIfUnauthenticated closes the connection when no user was bound to it
// and reports whether it did.
func (c *Connection) CloseIfUnauthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil {
		return false
	}
	c.Close()
	return true
}

// Send is drained by the transport's write pump.
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close is idempotent. The send channel stays open so late producers never
// panic; they observe Done instead.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// enqueue never blocks. A full buffer means the client is not keeping up and
// the connection is closed.
func (c *Connection) enqueue(frame []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

// Emit queues a single event for this connection.
func (c *Connection) Emit(event string, data any) bool {
	frame, err := encodeEvent(models.OutboundEvent{Event: event, Data: data})
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

// Ack answers a client request identified by ackID.
func (c *Connection) Ack(ackID string, ack models.Ack) bool {
	frame, err := encodeEvent(models.OutboundEvent{Event: models.EventAck, AckID: ackID, Data: ack})
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

func encodeEvent(ev models.OutboundEvent) ([]byte, error) {
	return json.Marshal(ev)
}
