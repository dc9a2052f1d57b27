package orchestrator

import (
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpparse"
)

// clientState is one live connection's session: the parser it exclusively
// owns, plus the bookkeeping needed to resume a CGI-pending connection once
// its child completes.
type clientState struct {
	port          int
	correlationID string
	parser        *httpparse.Parser

	inCGI           bool
	cgiCloseAfter   bool
	pinnedConfig    *config.ServerConfig
	pendingLeftover []byte
}

// queuedResponse is one not-yet-started response waiting behind whatever is
// currently draining to a client fd. Needed because a single tick of
// pipelined input can complete more than one request before the first
// response has finished sending.
type queuedResponse struct {
	bytes      []byte
	closeAfter bool
}
