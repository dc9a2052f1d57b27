package cgi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/reactor"
	"github.com/webservd/webservd/internal/routing"
)

func newTestManager(t *testing.T) (*reactor.Multiplexer, *Manager) {
	mux, err := reactor.New()
	require.NoError(t, err)
	m, err := NewManager(mux, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		mux.Close()
	})
	return mux, m
}

func TestSpawnRunsInterpreterAndRegistersStdout(t *testing.T) {
	mux, m := newTestManager(t)
	executor := NewExecutor(mux, m)

	dir := t.TempDir()
	scriptPath := dir + "/ok.sh"
	req := &httpparse.Request{
		StartLine: httpparse.StartLine{Method: "GET", Target: "/ok.sh"},
		Headers:   httpparse.NewHeaders(),
	}
	decision := routing.Decision{
		Kind:        routing.Cgi,
		Interpreter: "/bin/sh",
		ScriptPath:  scriptPath,
		Server:      &config.ServerConfig{Root: dir},
	}

	writeScript(t, scriptPath, "#!/bin/sh\nprintf 'Status: 200 OK\\r\\n\\r\\nhi'\n")

	child, err := executor.Spawn(req, decision, 42)
	require.NoError(t, err)
	require.NotNil(t, child)
	require.Equal(t, 42, child.ClientFd)
	require.Greater(t, child.StdoutFd, 0)
	require.True(t, m.IsCGIStdout(child.StdoutFd))

	waitForReadable(t, mux, child.StdoutFd)
	require.NoError(t, m.OnStdoutReadable(child.StdoutFd))

	deadline := time.Now().Add(2 * time.Second)
	for !child.Completed() && time.Now().Before(deadline) {
		m.DrainSigchld()
		if !child.stdoutEOF {
			m.OnStdoutReadable(child.StdoutFd)
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, child.Completed())
	require.Contains(t, string(child.AccumulatedOutput), "Status: 200 OK")
}

func TestSpawnFailureIsImmediatelyCompleted(t *testing.T) {
	mux, m := newTestManager(t)
	executor := NewExecutor(mux, m)

	dir := t.TempDir()
	req := &httpparse.Request{StartLine: httpparse.StartLine{Method: "GET"}, Headers: httpparse.NewHeaders()}
	decision := routing.Decision{
		Interpreter: "/no/such/interpreter",
		ScriptPath:  dir + "/missing.sh",
		Server:      &config.ServerConfig{Root: dir},
	}

	child, err := executor.Spawn(req, decision, 7)
	require.NoError(t, err)
	require.True(t, child.Completed())
	require.Equal(t, -1, child.StdoutFd)
	require.Equal(t, Failed, child.Status)
}

func writeScript(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, writeFile(path, contents))
}

func waitForReadable(t *testing.T, mux *reactor.Multiplexer, fd int) {
	t.Helper()
	buf := reactor.NewEventBuffer(8)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := mux.Wait(100, buf)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Fd == fd {
				return
			}
		}
	}
	t.Fatalf("fd %d never became readable", fd)
}

func writeFile(path, contents string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(contents))
	return err
}
