package ws

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// OutboundQueueSize bounds the per-connection outbound event queue. A client
// that cannot drain its queue fast enough starts losing events; it will
// recover the facts from the store on its next fetch.
const OutboundQueueSize = 64

// Connection represents a single WebSocket client connection. Business code
// never writes to the socket directly: events are enqueued onto the outbound
// channel and a dedicated writer goroutine drains it, so enqueue order is
// write order for everything pushed to this connection.
type Connection struct {
	id         string     // connection id (UUID), distinct from the user id
	UserID     string     // authenticated user this connection belongs to
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last heartbeat received from the client
	writeMu      sync.Mutex    // serializes frames onto the socket
	writeTimeout time.Duration // deadline applied to every outbound frame
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// newConnection builds a Connection and starts its writer goroutine.
func newConnection(id, userID string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, OutboundQueueSize),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection id. Together with Enqueue this satisfies the
// presence registry's handle interface.
func (c *Connection) ID() string {
	return c.id
}

// Enqueue offers a payload to the outbound queue without blocking. It
// returns false if the connection is closed or the queue is full — the
// push is dropped, never retried (at-most-once delivery).
func (c *Connection) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- payload:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// connection is closed; a write error closes the connection and lets the
// read path observe the failure.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if err := c.WriteMessage(payload); err != nil {
				log.Printf("ws: write failed conn=%s user=%s: %v", c.id, c.UserID, err)
				c.Close()
				return
			}
		}
	}
}

// WriteMessage sends a WebSocket text frame on this connection. The write
// mutex keeps concurrent frames (writer goroutine, heartbeat ping, direct
// replies) from interleaving bytes. A client that stops draining its socket
// hits the write deadline instead of wedging the writer goroutine forever.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	c.clearWriteDeadline()
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	c.clearWriteDeadline()
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// Close stops the writer goroutine and closes the underlying network
// connection. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both connection ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by connection ID, closes the underlying
// network connection, and removes it from both lookup maps. Returns true if
// the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil if not
// found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
