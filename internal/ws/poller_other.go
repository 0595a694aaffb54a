//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// poller emulates readiness notification with one goroutine per connection
// for platforms without epoll. Each goroutine peeks a byte through the
// connection's buffered reader, reports readiness and parks until the frame
// has been consumed.
type poller struct {
	mu     sync.Mutex
	conns  map[*Conn]chan struct{}
	readyC chan *Conn
	done   chan struct{}
	once   sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns:  make(map[*Conn]chan struct{}),
		readyC: make(chan *Conn, 128),
		done:   make(chan struct{}),
	}, nil
}

func (p *poller) Add(c *Conn) error {
	br := bufio.NewReader(c.netConn)
	c.src = br
	c.fd = -1

	rearm := make(chan struct{}, 1)
	p.mu.Lock()
	p.conns[c] = rearm
	p.mu.Unlock()

	go p.watch(c, br, rearm)
	return nil
}

func (p *poller) watch(c *Conn, br *bufio.Reader, rearm chan struct{}) {
	for {
		// Errors are reported as readiness too; the read that follows
		// fails and removes the connection.
		_, err := br.Peek(1)
		select {
		case p.readyC <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *poller) Remove(c *Conn) error {
	p.mu.Lock()
	rearm, ok := p.conns[c]
	delete(p.conns, c)
	p.mu.Unlock()
	if ok {
		close(rearm)
	}
	return nil
}

// Rearm lets the watcher of c look for the next frame.
func (p *poller) Rearm(c *Conn) {
	p.mu.Lock()
	rearm, ok := p.conns[c]
	if ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

func (p *poller) Wait(timeoutMs int) ([]*Conn, error) {
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var first *Conn
	select {
	case first = <-p.readyC:
	case <-timer.C:
		return nil, nil
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Conn{first}
	for {
		select {
		case c := <-p.readyC:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
