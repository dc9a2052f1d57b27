// Package reactor wraps the Linux epoll readiness facility and the set of
// listening sockets the server accepts connections on. It generalizes the
// old containerd process monitor (which only ever watched exit pipes for
// EPOLLHUP) into a multiplexer that tracks an arbitrary, mutable interest
// set per descriptor, since webservd must watch client sockets for
// Readable, CGI stdin pipes for Writable, and client sockets again for
// Writable once a response is ready to send.
package reactor

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interest is a bitmask of the readiness conditions a descriptor is
// registered for.
type Interest uint32

const (
	// Readable requests EPOLLIN: data available or peer half-closed.
	Readable Interest = 1 << iota
	// Writable requests EPOLLOUT: write buffer has room.
	Writable
	// HangupRead requests EPOLLRDHUP: peer shut down its write side.
	HangupRead
)

func (i Interest) toEpollEvents() uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	if i&HangupRead != 0 {
		e |= unix.EPOLLRDHUP
	}
	return e
}

// Event describes one ready descriptor returned from Wait. Error and Hangup
// bits are terminal: a consumer must treat the descriptor as no longer
// usable for I/O, regardless of what it separately asked for.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Multiplexer is a thin, mutex-guarded wrapper over one epoll instance.
// Grounded on monitor/monitor_linux.go's Monitor, generalized from a fixed
// EPOLLHUP-only interest to Add/Modify taking an explicit Interest value.
type Multiplexer struct {
	mu sync.Mutex
	fd int
}

// New creates a fresh epoll instance.
func New() (*Multiplexer, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Multiplexer{fd: fd}, nil
}

// Add registers fd for the given interest set. The descriptor must not
// already be registered.
func (m *Multiplexer) Add(fd int, interest Interest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := unix.EpollEvent{
		Fd:     int32(fd),
		Events: interest.toEpollEvents(),
	}
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	return nil
}

// Modify changes the interest set of an already-registered descriptor. Used
// to flip a client socket from Readable to Writable once a response is
// queued, and back to Readable once that response has been sent.
func (m *Multiplexer) Modify(fd int, interest Interest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := unix.EpollEvent{
		Fd:     int32(fd),
		Events: interest.toEpollEvents(),
	}
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return errors.Wrap(err, "epoll_ctl mod")
	}
	return nil
}

// Remove unregisters fd. It does not close fd; the caller owns that.
func (m *Multiplexer) Remove(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

// Close releases the epoll fd itself.
func (m *Multiplexer) Close() error {
	return unix.Close(m.fd)
}

// Wait blocks until at least one registered descriptor is ready, or
// timeoutMillis elapses (-1 blocks forever), and returns the ready events in
// the order the kernel reported them. EINTR is retried transparently.
func (m *Multiplexer) Wait(timeoutMillis int, buf []unix.EpollEvent) ([]Event, error) {
	var n int
	for {
		var err error
		n, err = unix.EpollWait(m.fd, buf, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, errors.Wrap(err, "epoll_wait")
		}
		break
	}
	events := make([]Event, n)
	for i := 0; i < n; i++ {
		mask := buf[i].Events
		events[i] = Event{
			Fd:       int(buf[i].Fd),
			Readable: mask&unix.EPOLLIN != 0,
			Writable: mask&unix.EPOLLOUT != 0,
			Hangup:   mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    mask&unix.EPOLLERR != 0,
		}
	}
	return events, nil
}

// NewEventBuffer allocates a reusable scratch buffer for Wait, sized for a
// fleet of the given capacity.
func NewEventBuffer(capacity int) []unix.EpollEvent {
	if capacity <= 0 {
		capacity = 128
	}
	return make([]unix.EpollEvent, capacity)
}
