package orchestrator

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webservd/webservd/internal/cgi"
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/reactor"
)

// writeConfigFile renders a minimal single-server YAML config pointed at
// root, binds it to port, and returns the loaded Config.
func writeConfigFile(t *testing.T, dir string, port int, root string, cgiRules string) *config.Config {
	t.Helper()
	yamlPath := filepath.Join(dir, "webservd.yaml")
	doc := fmt.Sprintf("servers:\n  - port: %d\n    root: %s\n%s", port, root, cgiRules)
	require.NoError(t, ioutil.WriteFile(yamlPath, []byte(doc), 0644))
	cfg, err := config.Load(yamlPath)
	require.NoError(t, err)
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config, port int) func() {
	t.Helper()

	mux, err := reactor.New()
	require.NoError(t, err)

	listeners, err := reactor.NewListeners(mux, cfg.Ports())
	require.NoError(t, err)

	manager, err := cgi.NewManager(mux, 2*time.Second)
	require.NoError(t, err)
	executor := cgi.NewExecutor(mux, manager)

	o := New(mux, listeners, manager, executor, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run()
	}()

	waitForListener(t, port)

	return func() {
		o.Close()
		<-done
	}
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr(port), 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on port %d", port)
}

func TestStaticFileRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-orch")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "hi.html"), []byte("hello world"), 0644))

	const port = 18081
	cfg := writeConfigFile(t, dir, port, dir, "")
	stop := startTestServer(t, cfg, port)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hi.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp := readAll(t, conn)
	require.Contains(t, resp, "HTTP/1.1 200 OK")
	require.Contains(t, resp, "hello world")
}

func TestMissingFileIs404(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-orch")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	const port = 18082
	cfg := writeConfigFile(t, dir, port, dir, "")
	stop := startTestServer(t, cfg, port)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /missing.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp := readAll(t, conn)
	require.Contains(t, resp, "HTTP/1.1 404 Not Found")
}

func TestPipelinedRequestsBothAnswered(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-orch")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a.html"), []byte("AAA"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b.html"), []byte("BBB"), 0644))

	const port = 18083
	cfg := writeConfigFile(t, dir, port, dir, "")
	stop := startTestServer(t, cfg, port)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /a.html HTTP/1.1\r\nHost: x\r\n\r\n" +
		"GET /b.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp := readAll(t, conn)
	require.Contains(t, resp, "AAA")
	require.Contains(t, resp, "BBB")
}

func TestCGIRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-orch-cgi")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	script := filepath.Join(dir, "greet.sh")
	require.NoError(t, ioutil.WriteFile(script, []byte("#!/bin/sh\nprintf 'Status: 200 OK\\r\\n\\r\\nhi from cgi'\n"), 0755))

	const port = 18084
	cgiRules := "    cgi:\n      - extension: .sh\n        interpreter: /bin/sh\n"
	cfg := writeConfigFile(t, dir, port, dir, cgiRules)
	stop := startTestServer(t, cfg, port)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /greet.sh HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp := readAll(t, conn)
	require.Contains(t, resp, "HTTP/1.1 200 OK")
	require.Contains(t, resp, "hi from cgi")
}

func addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65536)
	total := 0
	for {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	return string(buf[:total])
}
