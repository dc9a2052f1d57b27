package reactor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Backlog is the listen() backlog depth.
const Backlog = 10

// Listener is one bound, non-blocking TCP socket for a configured port.
type Listener struct {
	Fd   int
	Port int
}

// Listeners owns every listening socket opened at startup, keyed by port.
type Listeners struct {
	byFd   map[int]*Listener
	byPort map[int]*Listener
}

// NewListeners opens one non-blocking listening socket per distinct port in
// ports, each registered with mux for Readable, and returns the resulting
// set. On any failure it closes sockets it already opened before returning
// the error, since a startup failure here is fatal.
func NewListeners(mux *Multiplexer, ports []int) (*Listeners, error) {
	ls := &Listeners{
		byFd:   make(map[int]*Listener, len(ports)),
		byPort: make(map[int]*Listener, len(ports)),
	}
	for _, port := range ports {
		l, err := bind(port)
		if err != nil {
			ls.closeAll()
			return nil, errors.Wrapf(err, "bind port %d", port)
		}
		if err := mux.Add(l.Fd, Readable); err != nil {
			unix.Close(l.Fd)
			ls.closeAll()
			return nil, errors.Wrapf(err, "register listener port %d", port)
		}
		ls.byFd[l.Fd] = l
		ls.byPort[port] = l
	}
	return ls, nil
}

func bind(port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblock")
	}
	return &Listener{Fd: fd, Port: port}, nil
}

// IsListener reports whether fd names one of this set's listening sockets.
func (ls *Listeners) IsListener(fd int) bool {
	_, ok := ls.byFd[fd]
	return ok
}

// PortOf returns the configured port a listener fd is bound to.
func (ls *Listeners) PortOf(fd int) int {
	return ls.byFd[fd].Port
}

// Accept drains pending connections on a ready listener fd until EAGAIN,
// returning the accepted client descriptors (each already non-blocking).
func (ls *Listeners) Accept(fd int) ([]int, error) {
	var accepted []int
	for {
		clientFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return accepted, nil
			}
			if err == unix.ECONNABORTED || err == unix.EINTR {
				continue
			}
			return accepted, errors.Wrap(err, "accept4")
		}
		accepted = append(accepted, clientFd)
	}
}

// closeAll closes every listening socket. Used on fatal startup failure and
// by Close at shutdown.
func (ls *Listeners) closeAll() {
	for fd := range ls.byFd {
		unix.Close(fd)
	}
}

// Close closes every listening socket at shutdown.
func (ls *Listeners) Close() {
	ls.closeAll()
}
