//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxWaitEvents bounds how many ready descriptors one epoll_wait call hands
// to the event loop. Larger batches just arrive on the next wakeup.
const maxWaitEvents = 128

// Epoll multiplexes the server's chat connections over a single kernel
// epoll instance. Sockets are registered by file descriptor and the event
// loop learns which ones have frames to read without parking a goroutine
// per idle connection.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	byFd  map[int]net.Conn
	ready []unix.EpollEvent // reused across Wait calls
}

// NewEpoll opens an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		byFd:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, maxWaitEvents),
	}, nil
}

// Add puts the connection's descriptor on the interest list. EPOLLRDHUP is
// included so a peer half-close wakes the loop and the read path observes
// the closure instead of the heartbeat having to discover it.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove drops the connection from the interest list and the fd map. A
// descriptor the kernel no longer knows (already closed) is not an error;
// removal races connection teardown by design.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}

	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection is readable and
// returns the matching connections. Descriptors removed between the kernel
// wakeup and the map lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.ready[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll descriptor. Registered sockets are owned by
// their Connections and closed there.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD pulls the raw descriptor out of a net.Conn via SyscallConn.
// conn.File() would dup the descriptor and leave the original in blocking
// mode; epoll needs the one the runtime poller already owns.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}
