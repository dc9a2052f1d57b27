// Package sender implements the response sender (J): a buffered,
// EPOLLOUT-driven writer that drains a serialized response to a client
// socket under backpressure. Grounded on
// original_source/server/sender/ResponseSender.{hpp,cpp}'s send() and
// BUFFER_SIZE-capped write step, generalized from a C++ outcome enum into a
// Go Outcome type.
package sender

import (
	"github.com/webservd/webservd/internal/sockio"
)

// BufferSize is the maximum number of bytes written in one send step.
const BufferSize = 64 * 1024

// Outcome is the result of one Send step.
type Outcome int

const (
	// Success means every byte has been written; the caller should clean up.
	Success Outcome = iota
	// Retry means a short write or EAGAIN occurred; stay registered for
	// Writable and call Send again on the next readiness event.
	Retry
	// Error means the write failed for a reason other than backpressure;
	// the caller should clean up without retrying.
	Error
)

// Sender owns {fd, bytes, sentOffset} for one in-flight response.
type Sender struct {
	Fd         int
	Bytes      []byte
	sentOffset int
}

// New returns a Sender ready to drain bytes to fd.
func New(fd int, bytes []byte) *Sender {
	return &Sender{Fd: fd, Bytes: bytes}
}

// SentOffset returns how many bytes have been written so far. Monotonically
// non-decreasing across calls to Send.
func (s *Sender) SentOffset() int {
	return s.sentOffset
}

// Send performs one non-blocking write step of up to BufferSize bytes. It
// never blocks and never retries internally; the reactor re-invokes it on
// the next EPOLLOUT.
func (s *Sender) Send() Outcome {
	remaining := s.Bytes[s.sentOffset:]
	if len(remaining) == 0 {
		return Success
	}
	chunk := remaining
	if len(chunk) > BufferSize {
		chunk = chunk[:BufferSize]
	}
	n, err := sockio.SendNonBlocking(s.Fd, chunk)
	if err != nil {
		return Error
	}
	s.sentOffset += n
	// >= rather than strict equality, matching ResponseSender::send()'s
	// _responseSent >= _responseBuffer.size() check.
	if s.sentOffset >= len(s.Bytes) {
		return Success
	}
	return Retry
}
