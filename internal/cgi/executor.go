// Package cgi implements the CGI executor (G) and process manager (H).
// Process spawning is grounded in the idiomatic Go
// replacement for the source's raw fork/dup2/exec: os/exec.Cmd with
// manually created pipe pairs, the parent ends of which are driven through
// the reactor exactly as a client socket is. Completion tracking (exit
// detection via a SIGCHLD self-pipe landing pad) is grounded on
// containerd/reap_linux.go and containerd/daemon.go's startSignalHandler.
package cgi

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/reactor"
	"github.com/webservd/webservd/internal/routing"
)

// Executor spawns CGI children and registers their pipes with the reactor
// and process manager.
type Executor struct {
	mux     *reactor.Multiplexer
	manager *Manager
}

// NewExecutor returns an Executor wired to the given multiplexer and
// process manager.
func NewExecutor(mux *reactor.Multiplexer, manager *Manager) *Executor {
	return &Executor{mux: mux, manager: manager}
}

// Spawn creates the stdin/stdout pipes, execs
// the interpreter with the script as the lone argument, chdirs into the
// script's directory, sets the CGI/1.1 environment, and registers the
// child with the process manager. The returned Child's ClientFd correlates
// it back to the originating connection.
//
// Pipes are opened as raw descriptors via unix.Pipe2 rather than os.Pipe so
// that only the child's ends are ever wrapped in an *os.File (handed to
// exec.Cmd and discarded after Start); the parent's ends stay plain ints for
// their whole lifetime and are closed exactly once — by Manager.Remove, or,
// for the stdin end, by the orchestrator once OnStdinWritable reports the
// body written — avoiding the double-close an *os.File finalizer could
// otherwise cause.
func (e *Executor) Spawn(req *httpparse.Request, decision routing.Decision, clientFd int) (*Child, error) {
	stdinFds := make([]int, 2)
	if err := unix.Pipe2(stdinFds, 0); err != nil {
		return nil, errors.Wrap(err, "create stdin pipe")
	}
	stdinReadFd, stdinWriteFd := stdinFds[0], stdinFds[1]

	stdoutFds := make([]int, 2)
	if err := unix.Pipe2(stdoutFds, 0); err != nil {
		unix.Close(stdinReadFd)
		unix.Close(stdinWriteFd)
		return nil, errors.Wrap(err, "create stdout pipe")
	}
	stdoutReadFd, stdoutWriteFd := stdoutFds[0], stdoutFds[1]

	cmd := exec.Command(decision.Interpreter, decision.ScriptPath)
	cmd.Dir = filepath.Dir(decision.ScriptPath)
	cmd.Env = BuildEnv(req, decision)
	cmd.Stdin = os.NewFile(uintptr(stdinReadFd), "cgi-stdin-read")
	cmd.Stdout = os.NewFile(uintptr(stdoutWriteFd), "cgi-stdout-write")

	startErr := cmd.Start()

	// The *os.File wrappers above are only a vehicle for exec.Cmd to dup the
	// fds into the child; close them in the parent regardless of outcome so
	// their finalizers don't later re-close fds the parent still owns.
	cmd.Stdin.(*os.File).Close()
	cmd.Stdout.(*os.File).Close()

	if startErr != nil {
		unix.Close(stdinWriteFd)
		unix.Close(stdoutReadFd)
		return e.spawnFailure(clientFd), nil
	}

	if err := unix.SetNonblock(stdinWriteFd, true); err != nil {
		logrus.WithError(err).Warn("webservd: set stdin pipe nonblocking")
	}
	if err := unix.SetNonblock(stdoutReadFd, true); err != nil {
		logrus.WithError(err).Warn("webservd: set stdout pipe nonblocking")
	}

	child := &Child{
		Cmd:       cmd,
		Pid:       cmd.Process.Pid,
		StdinFd:   stdinWriteFd,
		StdoutFd:  stdoutReadFd,
		ClientFd:  clientFd,
		Status:    Running,
		StartedAt: time.Now(),
		stdinBuf:  req.Body,
	}

	if err := e.mux.Add(child.StdoutFd, reactor.Readable); err != nil {
		cmd.Process.Kill()
		unix.Close(stdinWriteFd)
		unix.Close(stdoutReadFd)
		return nil, errors.Wrap(err, "register cgi stdout")
	}

	if len(child.stdinBuf) > 0 {
		if err := e.mux.Add(child.StdinFd, reactor.Writable); err != nil {
			logrus.WithError(err).Warn("webservd: register cgi stdin")
		} else {
			child.stdinRegistered = true
		}
	} else {
		unix.Close(child.StdinFd)
		child.StdinFd = -1
	}

	e.manager.register(child)
	return child, nil
}

// spawnFailure returns a Child already marked as a completed, empty-output
// failure, matching the "CGI spawn/exec failure: treated as a
// completed child with empty output -> 500".
func (e *Executor) spawnFailure(clientFd int) *Child {
	c := &Child{
		ClientFd:  clientFd,
		StdinFd:   -1,
		StdoutFd:  -1,
		Status:    Failed,
		StartedAt: time.Now(),
		stdoutEOF: true,
		reaped:    true,
	}
	e.manager.register(c)
	return c
}
