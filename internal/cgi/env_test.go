package cgi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/routing"
)

func toMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func TestBuildEnvRequiredVariables(t *testing.T) {
	p := httpparse.NewParser(httpparse.DefaultLimits)
	p.Append([]byte("GET /cgi-bin/hello.py?name=world HTTP/1.1\r\nHost: x\r\nX-Custom-Header: abc\r\n\r\n"))
	res := p.Parse()
	require.Equal(t, httpparse.Completed, res.Kind)

	cfg := &config.ServerConfig{Root: "/srv/www"}
	decision := routing.Decision{
		Kind:        routing.Cgi,
		Interpreter: "/usr/bin/python3",
		ScriptPath:  "/srv/www/cgi-bin/hello.py",
		ExtraEnv:    map[string]string{},
		Server:      cfg,
	}

	env := toMap(BuildEnv(res.Request, decision))
	require.Equal(t, "GET", env["REQUEST_METHOD"])
	require.Equal(t, "name=world", env["QUERY_STRING"])
	require.Equal(t, "0", env["CONTENT_LENGTH"])
	require.Equal(t, "CGI/1.1", env["GATEWAY_INTERFACE"])
	require.Equal(t, "HTTP/1.1", env["SERVER_PROTOCOL"])
	require.Equal(t, "/srv/www/cgi-bin/hello.py", env["SCRIPT_FILENAME"])
	require.Equal(t, "abc", env["HTTP_X_CUSTOM_HEADER"])
	require.Equal(t, "x", env["HTTP_HOST"])
}
