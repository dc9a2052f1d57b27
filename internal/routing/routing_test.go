package routing

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
)

func request(target string) *httpparse.Request {
	return &httpparse.Request{StartLine: httpparse.StartLine{Method: "GET", Target: target, Version: "HTTP/1.1"}}
}

func TestRouteServesExistingFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "page.html"), []byte("hi"), 0644))

	cfg := &config.ServerConfig{Root: dir}
	d := Route(request("/page.html"), cfg)
	require.Equal(t, Serve, d.Kind)
	require.Equal(t, filepath.Join(dir, "page.html"), d.FilePath)
}

func TestRouteMissingFileIs404(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := &config.ServerConfig{Root: dir}
	d := Route(request("/missing.html"), cfg)
	require.Equal(t, Reject, d.Kind)
	require.Equal(t, 404, d.RejectStatus)
}

func TestRouteDirectoryUsesIndex(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "index.html"), []byte("home"), 0644))

	cfg := &config.ServerConfig{Root: dir}
	d := Route(request("/"), cfg)
	require.Equal(t, Serve, d.Kind)
	require.Equal(t, filepath.Join(dir, "index.html"), d.FilePath)
}

func TestRouteDirectoryUsesConfiguredIndex(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "home.htm"), []byte("home"), 0644))

	cfg := &config.ServerConfig{Root: dir, Index: "home.htm"}
	d := Route(request("/"), cfg)
	require.Equal(t, Serve, d.Kind)
	require.Equal(t, filepath.Join(dir, "home.htm"), d.FilePath)
}

func TestRouteMatchesCGIExtension(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := &config.ServerConfig{
		Root:     dir,
		CGIRules: []config.CGIRule{{Extension: ".py", Interpreter: "/usr/bin/python3"}},
	}
	d := Route(request("/cgi-bin/report.py"), cfg)
	require.Equal(t, Cgi, d.Kind)
	require.Equal(t, "/usr/bin/python3", d.Interpreter)
	require.Equal(t, filepath.Join(dir, "cgi-bin/report.py"), d.ScriptPath)
}

func TestRouteRejectsPathTraversal(t *testing.T) {
	dir, err := ioutil.TempDir("", "webservd-routing")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(filepath.Dir(dir), "secret.html"), []byte("no"), 0644))
	defer os.Remove(filepath.Join(filepath.Dir(dir), "secret.html"))

	cfg := &config.ServerConfig{Root: dir}
	d := Route(request("/../secret.html"), cfg)
	require.Equal(t, Reject, d.Kind)
	require.Equal(t, 404, d.RejectStatus)
}
