// Package sockio provides the small, free-standing non-blocking read/write
// helpers every readable or writable descriptor in webservd drains through:
// client sockets, internal/cgi's stdin writer, and internal/cgi.Manager's
// stdout reader all reuse them rather than methods on a reader type.
package sockio

import (
	"golang.org/x/sys/unix"
)

// MinBufferSize is the smallest read buffer size worth draining a socket or
// pipe with in one syscall.
const MinBufferSize = 4096

// DrainNonBlocking reads repeatedly from fd into buf-sized chunks until one
// of: a short read (fewer bytes than buf — no more data queued right now),
// a zero-byte read (peer closed, eof=true), EAGAIN/EWOULDBLOCK (no more data
// queued right now, not an error), or any other errno (returned as err).
// buf is reused as scratch space for every read; data holds everything read
// during the call, so it grows past len(buf) whenever successive reads fill
// buf. No cap bounds how much one call reads.
func DrainNonBlocking(fd int, buf []byte) (data []byte, eof bool, err error) {
	for {
		n, rerr := unix.Read(fd, buf)
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return data, false, nil
			}
			if rerr == unix.EINTR {
				continue
			}
			return data, false, rerr
		}
		if n == 0 {
			return data, true, nil
		}
		data = append(data, buf[:n]...)
		if n < len(buf) {
			return data, false, nil
		}
	}
}

// WriteNonBlocking performs one best-effort, non-blocking write of up to
// len(data) bytes to a pipe fd, returning the number actually written.
// EAGAIN/EWOULDBLOCK is reported as (0, nil) so the caller can reschedule via
// the multiplexer instead of treating it as an error.
//
// This is for pipe fds only (the CGI stdin writer). A pipe has no send(2)
// equivalent, so there is no way to suppress SIGPIPE per write; the caller
// process must ignore SIGPIPE globally instead.
func WriteNonBlocking(fd int, data []byte) (n int, err error) {
	for {
		n, err = unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, nil
			}
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

// SendNonBlocking performs one best-effort, non-blocking send(2)-equivalent
// write of up to len(data) bytes to a socket fd, returning the number
// actually written. It passes MSG_NOSIGNAL so that writing to a socket whose
// peer has reset the connection returns EPIPE instead of raising SIGPIPE —
// Go only auto-ignores SIGPIPE for fd 1/2, so any other socket write needs
// this explicitly. unix.SendmsgN is used rather than unix.Sendto because
// Sendto discards the actual byte count, which the caller needs to resume a
// partial write. EAGAIN/EWOULDBLOCK is reported as (0, nil), matching
// WriteNonBlocking.
func SendNonBlocking(fd int, data []byte) (n int, err error) {
	for {
		n, err = unix.SendmsgN(fd, data, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, nil
			}
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}
