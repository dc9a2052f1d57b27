// Package serve maps a (Request, RouteDecision) pair to a Response packet
// for every RouteDecision that isn't Cgi (the CGI path is internal/cgi +
// internal/response.CGIResponse instead). Static-file serving detail is
// deliberately minimal: just enough to make Serve/Reject decisions produce
// a real response.
package serve

import (
	"io/ioutil"
	"mime"
	"path/filepath"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
	"github.com/webservd/webservd/internal/response"
	"github.com/webservd/webservd/internal/routing"
)

// Handle builds a response Packet for a Serve or Reject RouteDecision. It
// must not be called with a Cgi decision; the orchestrator routes those to
// internal/cgi instead.
func Handle(req *httpparse.Request, decision routing.Decision) *response.Packet {
	switch decision.Kind {
	case routing.Reject:
		return response.ErrorResponse(decision.RejectStatus, decision.Server)
	case routing.Serve:
		return serveFile(decision.FilePath, decision.Server)
	default:
		return response.ErrorResponse(500, decision.Server)
	}
}

func serveFile(path string, cfg *config.ServerConfig) *response.Packet {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return response.ErrorResponse(404, cfg)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return response.PlainResponse(200, data, contentType)
}
