package cgi

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/webservd/webservd/internal/reactor"
	"github.com/webservd/webservd/internal/sockio"
)

// DefaultTimeout is the wall-clock budget a CGI child is given before it is
// killed and a 504 is produced.
const DefaultTimeout = 30 * time.Second

// Manager is the CGI process manager (H). It tracks every in-flight child
// keyed by its stdout fd, its pid, and its client fd, and reaps exits via a
// SIGCHLD self-pipe landing pad: the signal goroutine only ever writes one
// byte and touches no shared state itself; the reactor drains the pipe and
// performs the actual waitpid loop on its own goroutine, exactly mirroring
// containerd/reap_linux.go's reap() but triggered by readiness instead of a
// raw channel of os.Signal.
type Manager struct {
	mu sync.Mutex

	mux     *reactor.Multiplexer
	timeout time.Duration

	byStdoutFd map[int]*Child
	byClientFd map[int]*Child
	byPid      map[int]*Child

	selfPipeR int
	selfPipeW int
	sigCh     chan os.Signal
}

// NewManager creates a Manager, opens its self-pipe, registers the read end
// with mux, and starts the SIGCHLD landing-pad goroutine.
func NewManager(mux *reactor.Multiplexer, timeout time.Duration) (*Manager, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r, w, err := selfPipe()
	if err != nil {
		return nil, errors.Wrap(err, "create sigchld self-pipe")
	}
	m := &Manager{
		mux:        mux,
		timeout:    timeout,
		byStdoutFd: make(map[int]*Child),
		byClientFd: make(map[int]*Child),
		byPid:      make(map[int]*Child),
		selfPipeR:  r,
		selfPipeW:  w,
	}
	if err := mux.Add(r, reactor.Readable); err != nil {
		unix.Close(r)
		unix.Close(w)
		return nil, errors.Wrap(err, "register sigchld self-pipe")
	}
	m.sigCh = make(chan os.Signal, 64)
	signal.Notify(m.sigCh, syscall.SIGCHLD)
	go m.landingPad()
	return m, nil
}

func selfPipe() (r, w int, err error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// landingPad is the only thing SIGCHLD delivery touches directly: it writes
// a single byte to wake the reactor and does nothing else, satisfying
// the "does not allocate, does not touch maps" constraint (Go
// signal delivery here is an ordinary goroutine, not a true async-signal
// context, but the self-pipe discipline is kept anyway so the reaping logic
// lives entirely on the reactor goroutine).
func (m *Manager) landingPad() {
	for range m.sigCh {
		unix.Write(m.selfPipeW, []byte{0})
	}
}

// SelfPipeFd is the descriptor the reactor watches for SIGCHLD notifications.
func (m *Manager) SelfPipeFd() int {
	return m.selfPipeR
}

// IsSelfPipe reports whether fd is the SIGCHLD landing pad.
func (m *Manager) IsSelfPipe(fd int) bool {
	return fd == m.selfPipeR
}

// IsCGIStdout reports whether fd is a tracked child's stdout pipe.
func (m *Manager) IsCGIStdout(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byStdoutFd[fd]
	return ok
}

// IsCGIStdin reports whether fd is a tracked child's stdin pipe.
func (m *Manager) IsCGIStdin(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byStdoutFd {
		if c.StdinFd == fd {
			return true
		}
	}
	return false
}

func (m *Manager) register(c *Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.StdoutFd >= 0 {
		m.byStdoutFd[c.StdoutFd] = c
	}
	if c.ClientFd >= 0 {
		m.byClientFd[c.ClientFd] = c
	}
	if c.Pid > 0 {
		m.byPid[c.Pid] = c
	}
}

// DrainSigchld consumes the self-pipe wakeups and reaps every exited child
// non-blockingly, ported from containerd/reap_linux.go's reap(): loop
// waitpid(-1, WNOHANG) until no more children have exited or ECHILD.
func (m *Manager) DrainSigchld() {
	buf := make([]byte, 64)
	sockio.DrainNonBlocking(m.selfPipeR, buf)
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			return
		}
		if pid <= 0 {
			return
		}
		m.mu.Lock()
		if c, ok := m.byPid[pid]; ok {
			c.reaped = true
			c.exitStatus = ws.ExitStatus()
			if c.Status == Running {
				c.Status = Exited
			}
		}
		m.mu.Unlock()
	}
}

// OnStdoutReadable drains a ready stdout fd into its child's accumulated
// output, marking stdout EOF when the peer (the child's own exit) closes
// its write end.
func (m *Manager) OnStdoutReadable(fd int) error {
	m.mu.Lock()
	c, ok := m.byStdoutFd[fd]
	m.mu.Unlock()
	if !ok {
		return errors.New("unknown cgi stdout fd")
	}
	buf := make([]byte, sockio.MinBufferSize)
	data, eof, err := sockio.DrainNonBlocking(fd, buf)
	m.mu.Lock()
	c.AccumulatedOutput = append(c.AccumulatedOutput, data...)
	if eof {
		c.stdoutEOF = true
	}
	m.mu.Unlock()
	return err
}

// OnStdinWritable writes as much of the pending request body as a single
// non-blocking write accepts. Returns true once the body has been fully
// flushed or the write failed; the child then stops tracking fd, and the
// caller unregisters and closes it.
func (m *Manager) OnStdinWritable(fd int) (done bool, err error) {
	m.mu.Lock()
	var c *Child
	for _, cc := range m.byStdoutFd {
		if cc.StdinFd == fd {
			c = cc
			break
		}
	}
	m.mu.Unlock()
	if c == nil {
		return true, nil
	}
	done = true
	if remaining := c.stdinBuf[c.stdinSent:]; len(remaining) > 0 {
		n, werr := sockio.WriteNonBlocking(fd, remaining)
		if werr != nil {
			err = werr
		} else {
			c.stdinSent += n
			done = c.stdinSent >= len(c.stdinBuf)
		}
	}
	if done {
		m.mu.Lock()
		c.StdinFd = -1
		c.stdinRegistered = false
		m.mu.Unlock()
	}
	return done, err
}

// IsCompleted reports whether the child correlated to clientFd has both
// observed stdout EOF and been reaped — the completion
// conjunction.
func (m *Manager) IsCompleted(clientFd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byClientFd[clientFd]
	return ok && c.Completed()
}

// ChildFor returns the tracked child for a client fd, if any.
func (m *Manager) ChildFor(clientFd int) (*Child, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byClientFd[clientFd]
	return c, ok
}

// GetResponse returns the accumulated CGI output for a completed child.
func (m *Manager) GetResponse(clientFd int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byClientFd[clientFd]
	if !ok {
		return nil, false
	}
	return c.AccumulatedOutput, true
}

// Remove tears down every registration for the child correlated to
// clientFd: unregisters and closes its pipes, SIGKILLs it if still running,
// and drops all three owning-table entries. Aggregates any close errors
// with go-multierror.
func (m *Manager) Remove(clientFd int) error {
	m.mu.Lock()
	c, ok := m.byClientFd[clientFd]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byClientFd, clientFd)
	if c.StdoutFd >= 0 {
		delete(m.byStdoutFd, c.StdoutFd)
	}
	if c.Pid > 0 {
		delete(m.byPid, c.Pid)
	}
	m.mu.Unlock()

	var result *multierror.Error
	if c.Status == Running && c.Pid > 0 {
		if err := syscall.Kill(c.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			result = multierror.Append(result, errors.Wrap(err, "kill cgi child"))
		}
		var ws unix.WaitStatus
		unix.Wait4(c.Pid, &ws, 0, nil)
	}
	if c.StdoutFd >= 0 {
		if err := m.mux.Remove(c.StdoutFd); err != nil {
			result = multierror.Append(result, err)
		}
		if err := unix.Close(c.StdoutFd); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.StdinFd >= 0 {
		if c.stdinRegistered {
			if err := m.mux.Remove(c.StdinFd); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := unix.Close(c.StdinFd); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Timeout reports the configured wall-clock budget.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// CheckTimeouts scans every running child for one that has exceeded the
// configured wall-clock budget and returns the client fds whose CGI should
// be killed and answered with a 504. A bounded scan is fine given the small
// number of concurrent connections a single-process reactor handles.
func (m *Manager) CheckTimeouts(now time.Time) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var timedOut []int
	for clientFd, c := range m.byClientFd {
		if c.Status == Running && now.Sub(c.StartedAt) > m.timeout {
			timedOut = append(timedOut, clientFd)
		}
	}
	return timedOut
}

// Close shuts down the self-pipe and stops the SIGCHLD landing pad.
func (m *Manager) Close() {
	signal.Stop(m.sigCh)
	close(m.sigCh)
	unix.Close(m.selfPipeR)
	unix.Close(m.selfPipeW)
}
