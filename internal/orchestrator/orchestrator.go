// Package orchestrator implements the event handler / top-level
// orchestrator (K): it classifies each ready descriptor and delegates to
// the parser, router, request handler, CGI subsystem, and response sender,
// owning the per-client state tables and the cleanup invariants that
// prevent descriptor or zombie leaks. The dispatch shape — one small
// handler per readiness class, invoked from a single classifying method —
// mirrors the root-level event.go/exit.go/delete.go/create.go Handle
// methods; the pipelining control flow mirrors
// original_source/EventHandler.cpp's handleClientEvent.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/webservd/webservd/internal/cgi"
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/reactor"
	"github.com/webservd/webservd/internal/response"
	"github.com/webservd/webservd/internal/routing"
	"github.com/webservd/webservd/internal/sender"
	"github.com/webservd/webservd/internal/serve"
	"github.com/webservd/webservd/internal/sockio"
)

// Orchestrator is the event handler tying the reactor, listeners, parser,
// router, CGI subsystem, and response sender together.
type Orchestrator struct {
	mux       *reactor.Multiplexer
	listeners *reactor.Listeners
	manager   *cgi.Manager
	executor  *cgi.Executor
	cfg       *config.Config

	clients map[int]*clientState

	active      map[int]*sender.Sender
	activeClose map[int]bool
	pending     map[int][]queuedResponse
}

// New wires an Orchestrator to its reactor, listener set, CGI subsystem,
// and config map.
func New(mux *reactor.Multiplexer, listeners *reactor.Listeners, manager *cgi.Manager, executor *cgi.Executor, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		mux:         mux,
		listeners:   listeners,
		manager:     manager,
		executor:    executor,
		cfg:         cfg,
		clients:     make(map[int]*clientState),
		active:      make(map[int]*sender.Sender),
		activeClose: make(map[int]bool),
		pending:     make(map[int][]queuedResponse),
	}
}

// Run blocks the calling goroutine, driving the reactor loop until an
// unrecoverable multiplexer error occurs. Per-connection and per-CGI errors
// are logged and contained to their own descriptor; they never terminate
// the loop.
func (o *Orchestrator) Run() error {
	buf := reactor.NewEventBuffer(256)
	for {
		events, err := o.mux.Wait(1000, buf)
		if err != nil {
			return errors.Wrap(err, "reactor wait")
		}
		for _, ev := range events {
			o.dispatch(ev)
		}
		o.checkTimeouts()
	}
}

// dispatch classifies one ready descriptor and delegates to its handler. A
// logged error in any branch is contained to that descriptor; it never
// escapes dispatch.
func (o *Orchestrator) dispatch(ev reactor.Event) {
	switch {
	case o.listeners.IsListener(ev.Fd):
		o.handleListener(ev.Fd)
	case o.manager.IsSelfPipe(ev.Fd):
		o.manager.DrainSigchld()
		for fd, cs := range o.clients {
			if cs.inCGI && o.manager.IsCompleted(fd) {
				o.finishCgi(fd)
			}
		}
	case o.manager.IsCGIStdout(ev.Fd):
		o.handleCgiReadable(ev.Fd)
	case o.manager.IsCGIStdin(ev.Fd):
		o.handleCgiWritable(ev.Fd)
	case o.active[ev.Fd] != nil && ev.Writable:
		o.stepSend(ev.Fd)
	default:
		o.handleClientEvent(ev)
	}
}

// handleListener implements the accept loop.
func (o *Orchestrator) handleListener(fd int) {
	port := o.listeners.PortOf(fd)
	accepted, err := o.listeners.Accept(fd)
	if err != nil {
		logrus.WithError(err).WithField("port", port).Warn("webservd: accept")
	}
	for _, clientFd := range accepted {
		if err := o.mux.Add(clientFd, reactor.Readable|reactor.HangupRead); err != nil {
			logrus.WithError(err).Warn("webservd: register client fd")
			unix.Close(clientFd)
			continue
		}
		limits := httpparse.DefaultLimits
		if sc := o.cfg.Lookup(port); sc != nil {
			limits.MaxBodySize = sc.ClientMaxBodySize
		}
		o.clients[clientFd] = &clientState{
			port:          port,
			correlationID: uuid.NewString(),
			parser:        httpparse.NewParser(limits),
		}
	}
}

// handleClientEvent implements the reading-phase branch.
func (o *Orchestrator) handleClientEvent(ev reactor.Event) {
	fd := ev.Fd
	cs, ok := o.clients[fd]
	if !ok {
		// Not a descriptor this orchestrator owns in reading phase; nothing
		// to do. Can legitimately happen for one tick of races around
		// cleanup.
		return
	}

	readBuf := make([]byte, sockio.MinBufferSize)
	data, eof, err := sockio.DrainNonBlocking(fd, readBuf)
	if err != nil {
		// Socket read error (non-EAGAIN): cleanup silently, no response.
		o.cleanup(fd)
		return
	}
	if ev.Hangup || ev.Error {
		eof = true
	}
	if eof {
		cs.parser.MarkEndOfInput()
	}
	if len(data) == 0 && !eof {
		return
	}
	cs.parser.Append(data)
	o.drainParsed(fd, cs)
}

// drainParsed runs the parser as far as its buffered input allows, handing
// each completed request to handleCompletedRequest and re-feeding leftover
// bytes left behind by pipelined input. While a CGI child is in flight for
// this connection, any leftover bytes a request left behind are parked on
// pendingLeftover instead of being parsed immediately — there is only one
// parser per connection, and it must not advance past the request whose
// response is still pending.
func (o *Orchestrator) drainParsed(fd int, cs *clientState) {
	for {
		result := cs.parser.Parse()
		switch result.Kind {
		case httpparse.Incomplete:
			return
		case httpparse.ParseError:
			pkt := response.PlainResponse(result.Code, []byte(result.Message), "text/plain")
			o.enqueue(fd, response.Serialize(pkt), true)
			return
		case httpparse.Completed:
			o.handleCompletedRequest(fd, cs, result)
			if cs.inCGI {
				cs.pendingLeftover = result.Leftover
				return
			}
			if len(result.Leftover) > 0 && !cs.parser.EndOfInput() {
				cs.parser.Reset()
				cs.parser.Append(result.Leftover)
				continue
			}
			return
		}
	}
}

func (o *Orchestrator) handleCompletedRequest(fd int, cs *clientState, result httpparse.Result) {
	sc := o.cfg.Lookup(cs.port)
	if sc == nil {
		pkt := response.ErrorResponse(500, nil)
		o.enqueue(fd, response.Serialize(pkt), len(result.Leftover) == 0)
		return
	}

	decision := routing.Route(result.Request, sc)
	if decision.Kind == routing.Cgi {
		cs.pinnedConfig = sc
		cs.inCGI = true
		cs.cgiCloseAfter = cs.parser.EndOfInput()
		child, err := o.executor.Spawn(result.Request, decision, fd)
		if err != nil || child == nil {
			pkt := response.ErrorResponse(500, sc)
			o.enqueue(fd, response.Serialize(pkt), true)
			cs.inCGI = false
			cs.pinnedConfig = nil
			return
		}
		// A spawn failure (exec error) is handed back as an already-completed
		// child with no stdout fd ever registered, so no later readiness event
		// will ever report it; finish it immediately instead of waiting for one.
		if child.Completed() {
			o.finishCgi(fd)
		}
		return
	}

	pkt := serve.Handle(result.Request, decision)
	closeAfter := len(result.Leftover) == 0 || cs.parser.EndOfInput()
	o.enqueue(fd, response.Serialize(pkt), closeAfter)
}

// handleCgiReadable implements the CGI-pipe branch.
func (o *Orchestrator) handleCgiReadable(stdoutFd int) {
	if err := o.manager.OnStdoutReadable(stdoutFd); err != nil {
		logrus.WithError(err).Debug("webservd: cgi stdout read error")
	}
	o.checkCgiCompletion(stdoutFd)
}

// handleCgiWritable feeds queued request-body bytes to a CGI child's stdin.
func (o *Orchestrator) handleCgiWritable(stdinFd int) {
	done, err := o.manager.OnStdinWritable(stdinFd)
	if err != nil {
		logrus.WithError(err).Debug("webservd: cgi stdin write error")
	}
	if done {
		o.mux.Remove(stdinFd)
		unix.Close(stdinFd)
	}
}

func (o *Orchestrator) checkCgiCompletion(stdoutFd int) {
	child, clientFd := o.childByStdout(stdoutFd)
	if child == nil {
		return
	}
	if !o.manager.IsCompleted(clientFd) {
		return
	}
	o.finishCgi(clientFd)
}

func (o *Orchestrator) childByStdout(stdoutFd int) (*cgi.Child, int) {
	// Manager keys its tables by clientFd for lookups; since one client has
	// at most one in-flight CGI, scan the small owned client set instead of
	// exposing Manager's internal stdout index.
	for fd, cs := range o.clients {
		if !cs.inCGI {
			continue
		}
		if c, ok := o.manager.ChildFor(fd); ok && c.StdoutFd == stdoutFd {
			return c, fd
		}
	}
	return nil, -1
}

func (o *Orchestrator) finishCgi(clientFd int) {
	cs, ok := o.clients[clientFd]
	if !ok {
		o.manager.Remove(clientFd)
		return
	}
	output, _ := o.manager.GetResponse(clientFd)
	pkt, err := response.CGIResponse(output)
	if err != nil {
		pkt = response.ErrorResponse(500, cs.pinnedConfig)
	}
	closeAfter := cs.cgiCloseAfter
	o.manager.Remove(clientFd)
	cs.inCGI = false
	cs.pinnedConfig = nil
	o.enqueue(clientFd, response.Serialize(pkt), closeAfter)

	if leftover := cs.pendingLeftover; len(leftover) > 0 {
		cs.pendingLeftover = nil
		cs.parser.Reset()
		cs.parser.Append(leftover)
		o.drainParsed(clientFd, cs)
	}
}

// checkTimeouts kills any CGI child that has exceeded its wall-clock budget
// and answers its client with a 504.
func (o *Orchestrator) checkTimeouts() {
	for _, clientFd := range o.manager.CheckTimeouts(time.Now()) {
		cs, ok := o.clients[clientFd]
		if !ok {
			o.manager.Remove(clientFd)
			continue
		}
		pkt := response.ErrorResponse(504, cs.pinnedConfig)
		o.manager.Remove(clientFd)
		cs.inCGI = false
		cs.pinnedConfig = nil
		o.enqueue(clientFd, response.Serialize(pkt), true)
	}
}

// enqueue hands a serialized response to the sender (J). If nothing is
// currently sending on fd it starts immediately and attempts the first
// write step within the same tick; otherwise it queues behind whatever
// response is already draining, preserving order for pipelined requests.
func (o *Orchestrator) enqueue(fd int, bytes []byte, closeAfter bool) {
	if _, busy := o.active[fd]; busy {
		o.pending[fd] = append(o.pending[fd], queuedResponse{bytes: bytes, closeAfter: closeAfter})
		return
	}
	o.startSend(fd, bytes, closeAfter)
}

func (o *Orchestrator) startSend(fd int, bytes []byte, closeAfter bool) {
	o.active[fd] = sender.New(fd, bytes)
	o.activeClose[fd] = closeAfter
	if err := o.mux.Modify(fd, reactor.Writable); err != nil {
		logrus.WithError(err).Warn("webservd: switch client fd to writable")
	}
	o.stepSend(fd)
}

// stepSend implements the "client fd in sending phase" branch.
func (o *Orchestrator) stepSend(fd int) {
	s, ok := o.active[fd]
	if !ok {
		return
	}
	switch s.Send() {
	case sender.Retry:
		return
	case sender.Success:
		closeAfter := o.activeClose[fd]
		delete(o.active, fd)
		delete(o.activeClose, fd)
		if next := o.popPending(fd); next != nil {
			o.startSend(fd, next.bytes, next.closeAfter)
			return
		}
		if closeAfter {
			o.cleanup(fd)
			return
		}
		if err := o.mux.Modify(fd, reactor.Readable|reactor.HangupRead); err != nil {
			logrus.WithError(err).Warn("webservd: switch client fd back to readable")
		}
	case sender.Error:
		delete(o.active, fd)
		delete(o.activeClose, fd)
		o.cleanup(fd)
	}
}

func (o *Orchestrator) popPending(fd int) *queuedResponse {
	q := o.pending[fd]
	if len(q) == 0 {
		return nil
	}
	next := q[0]
	if len(q) == 1 {
		delete(o.pending, fd)
	} else {
		o.pending[fd] = q[1:]
	}
	return &next
}

// cleanup implements the close path: every table entry keyed by
// fd is dropped before the fd itself is unregistered and closed, so the fd
// cannot be reused by a later accept() before all registrations referencing
// it are withdrawn.
func (o *Orchestrator) cleanup(fd int) {
	cs, hadClient := o.clients[fd]
	delete(o.clients, fd)
	delete(o.active, fd)
	delete(o.activeClose, fd)
	delete(o.pending, fd)
	if hadClient && cs.inCGI {
		o.manager.Remove(fd)
	}
	o.mux.Remove(fd)
	unix.Close(fd)
}

// Close releases the reactor, the listener set, and the CGI manager's
// self-pipe. Called on normal shutdown.
func (o *Orchestrator) Close() {
	o.manager.Close()
	o.listeners.Close()
	o.mux.Close()
}
