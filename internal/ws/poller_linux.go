//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller multiplexes connection reads with epoll. Descriptors are armed
// one-shot: after a connection is reported it stays quiet until the worker
// that read it calls Rearm, so a slow frame never makes the loop spin.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Conn
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness. Frames are read straight off the
// socket so the kernel buffer stays the source of truth for readiness.
func (p *poller) Add(c *Conn) error {
	fd := socketFD(c.netConn)
	if fd < 0 {
		return errNoDescriptor
	}
	c.fd = fd
	c.src = c.netConn

	p.mu.Lock()
	p.conns[fd] = c
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, readEvent(fd)); err != nil {
		p.mu.Lock()
		delete(p.conns, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func readEvent(fd int) *unix.EpollEvent {
	return &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
}

// Remove unregisters c. It is safe to call more than once.
func (p *poller) Remove(c *Conn) error {
	p.mu.Lock()
	cur, ok := p.conns[c.fd]
	if !ok || cur != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

// Rearm re-enables notifications for c. Unread bytes are reported again
// immediately.
func (p *poller) Rearm(c *Conn) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.conns[c.fd] != c {
		return
	}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, c.fd, readEvent(c.fd))
}

// Wait blocks until at least one registered connection is readable. The
// timeout lets the event loop notice shutdown.
func (p *poller) Wait(timeoutMs int) ([]*Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]*Conn)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
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
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
