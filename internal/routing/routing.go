// Package routing implements the routing decision as a pure mapping from
// (Request, Config) to a RouteDecision. A full routing rule grammar is out
// of scope for this project; what's implemented here is the minimal rule
// needed to make the server runnable end to end: the first CGI rule whose
// extension matches the target wins, otherwise the target is looked up as a
// file under the server root. There is no path-prefix matching.
package routing

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
)

// Kind discriminates the RouteDecision sum type.
type Kind int

const (
	Serve Kind = iota
	Cgi
	Reject
)

// Decision is the RouteDecision value.
type Decision struct {
	Kind Kind

	// Populated when Kind == Serve.
	FilePath string

	// Populated when Kind == Cgi.
	Interpreter string
	ScriptPath  string
	ExtraEnv    map[string]string

	// Populated when Kind == Reject.
	RejectStatus int

	// Server is always populated: the config in force for this request,
	// pinned by the orchestrator for the lifetime of a CGI child.
	Server *config.ServerConfig
}

// Route maps a parsed request and its server config to a RouteDecision. It
// never blocks and never touches the network; the only I/O is a Stat call
// to decide whether a requested path exists.
func Route(req *httpparse.Request, cfg *config.ServerConfig) Decision {
	target := req.StartLine.Target
	if u, err := url.Parse(target); err == nil {
		target = u.Path
	}
	if target == "" {
		target = "/"
	}
	cleaned := filepath.Clean("/" + target)
	relative := strings.TrimPrefix(cleaned, "/")

	if ext := filepath.Ext(relative); ext != "" {
		for _, rule := range cfg.CGIRules {
			if rule.Extension == ext {
				scriptPath := filepath.Join(cfg.Root, relative)
				return Decision{
					Kind:        Cgi,
					Interpreter: rule.Interpreter,
					ScriptPath:  scriptPath,
					ExtraEnv:    map[string]string{},
					Server:      cfg,
				}
			}
		}
	}

	fsPath := filepath.Join(cfg.Root, relative)
	info, err := os.Stat(fsPath)
	if err != nil {
		return Decision{Kind: Reject, RejectStatus: 404, Server: cfg}
	}
	if info.IsDir() {
		index := cfg.Index
		if index == "" {
			index = "index.html"
		}
		fsPath = filepath.Join(fsPath, index)
		if _, err := os.Stat(fsPath); err != nil {
			return Decision{Kind: Reject, RejectStatus: 404, Server: cfg}
		}
	}
	return Decision{Kind: Serve, FilePath: fsPath, Server: cfg}
}
