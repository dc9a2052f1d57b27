package cgi

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/routing"
)

// headerNameReplacer turns an HTTP header name into the HTTP_<NAME> form the
// CGI/1.1 ABI requires, exactly as caddy's fastcgi handler does.
var headerNameReplacer = strings.NewReplacer(" ", "_", "-", "_")

// BuildEnv constructs the CGI/1.1 environment for one request. Grounded
// directly on
// caddyserver-caddy/caddyhttp/fastcgi/fastcgi.go's buildEnv: the
// PATH_INFO/SCRIPT_NAME split, the HTTP_<HEADER> mapping, and the explicit
// CGI/1.1 required variables — adapted from an HTTP-to-FastCGI bridge into a
// direct CGI/1.1 environment since this server execs a real child process
// rather than speaking FastCGI wire framing.
func BuildEnv(req *httpparse.Request, decision routing.Decision) []string {
	target := req.StartLine.Target
	path := target
	query := ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path = target[:i]
		query = target[i+1:]
	}

	scriptName := path
	pathInfo := ""
	if rel, err := filepath.Rel(decision.Server.Root, decision.ScriptPath); err == nil {
		scriptName = "/" + rel
		if idx := strings.Index(path, scriptName); idx >= 0 {
			pathInfo = path[idx+len(scriptName):]
		}
	}

	contentLength := "0"
	if cl, ok := req.Headers.Get("Content-Length"); ok {
		contentLength = cl
	} else if len(req.Body) > 0 {
		contentLength = strconv.Itoa(len(req.Body))
	}

	env := map[string]string{
		"REQUEST_METHOD":    req.StartLine.Method,
		"QUERY_STRING":      query,
		"CONTENT_LENGTH":    contentLength,
		"CONTENT_TYPE":      req.ContentType,
		"SCRIPT_FILENAME":   decision.ScriptPath,
		"SCRIPT_NAME":       scriptName,
		"PATH_INFO":         pathInfo,
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_SOFTWARE":   "webserv",
		"REDIRECT_STATUS":   "200",
	}
	for k, v := range decision.ExtraEnv {
		env[k] = v
	}

	req.Headers.Each(func(name, value string) {
		key := "HTTP_" + headerNameReplacer.Replace(strings.ToUpper(name))
		if existing, ok := env[key]; ok {
			env[key] = existing + ", " + value
		} else {
			env[key] = value
		}
	})

	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
