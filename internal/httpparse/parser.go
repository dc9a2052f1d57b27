// Package httpparse implements the incremental, resumable HTTP/1.1 request
// parser for webservd: it accumulates bytes across any number
// of append calls and, on each Parse, advances as far as the buffered input
// allows, never blocking and never assuming a full request is present.
package httpparse

import (
	"strconv"
	"strings"
)

// Phase is the parser's resumption point.
type Phase int

const (
	PhaseStartLine Phase = iota
	PhaseHeaders
	PhaseBody
	PhaseDone
	PhaseFailed
)

// ResultKind discriminates the sum type Parse() returns.
type ResultKind int

const (
	Incomplete ResultKind = iota
	Completed
	ParseError
)

// Result is the outcome of one Parse call.
type Result struct {
	Kind ResultKind

	// Populated when Kind == Completed.
	Request    *Request
	Leftover   []byte
	EndOfInput bool

	// Populated when Kind == ParseError.
	Code    int
	Message string
}

// Limits bounds the parser: a hard ceiling on
// the request line, the header section, and the body.
type Limits struct {
	MaxRequestLineLen int64
	MaxHeaderSection  int64
	MaxBodySize       int64
}

// DefaultLimits matches the literal thresholds named in the error
// table (8 KiB request line, 413/431 otherwise unspecified so a generous but
// finite default is chosen for the header section; MaxBodySize is meant to
// be overridden per server config's client_max_body_size).
var DefaultLimits = Limits{
	MaxRequestLineLen: 8 * 1024,
	MaxHeaderSection:  64 * 1024,
	MaxBodySize:       1 << 20,
}

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"DELETE": true,
}

// Parser is one client connection's resumable parse state. Not safe for
// concurrent use; the reactor owns exactly one goroutine at a time per
// client fd, satisfying the "exactly one parser per live client fd"
// invariant.
type Parser struct {
	limits Limits

	buf   []byte
	phase Phase

	startLine StartLine
	headers   *Headers

	contentLength     int64
	haveContentLength bool
	chunked           bool

	body          []byte
	bodyRemaining int64
	chunk         chunkState

	contentLengthContentType string
	headerBytesSeen          int64

	endOfInput bool

	failCode int
	failMsg  string
}

// NewParser returns a fresh parser at PhaseStartLine, enforcing limits.
func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits, phase: PhaseStartLine}
}

// Append adds newly-read bytes to the parser's buffer.
func (p *Parser) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
}

// MarkEndOfInput records that the peer has shut down its write side. An
// Incomplete parse after this point converts to a 400 "unexpected EOF".
func (p *Parser) MarkEndOfInput() {
	p.endOfInput = true
}

// EndOfInput reports whether the peer has shut down its write side.
func (p *Parser) EndOfInput() bool {
	return p.endOfInput
}

// Reset rewinds the parser to begin a new request, carrying over nothing
// but the limits. Called by the orchestrator after a Completed parse before
// feeding leftover bytes back in, matching the pipelining loop in
// EventHandler::handleClientEvent.
func (p *Parser) Reset() {
	*p = Parser{limits: p.limits, phase: PhaseStartLine}
}

// Parse advances as far as the buffered input allows and returns the
// outcome. It is idempotent under Incomplete: calling it again with no new
// Appended bytes returns Incomplete again without side effects.
func (p *Parser) Parse() Result {
	if p.phase == PhaseFailed {
		return Result{Kind: ParseError, Code: p.failCode, Message: p.failMsg}
	}
	for {
		var res Result
		var done bool
		switch p.phase {
		case PhaseStartLine:
			res, done = p.parseStartLine()
		case PhaseHeaders:
			res, done = p.parseHeaders()
		case PhaseBody:
			res, done = p.parseBody()
		default:
			res, done = Result{Kind: Incomplete}, true
		}
		if done {
			if res.Kind == Incomplete && p.endOfInput {
				return p.fail(400, "unexpected EOF")
			}
			return res
		}
	}
}

func (p *Parser) fail(code int, msg string) Result {
	p.phase = PhaseFailed
	p.failCode = code
	p.failMsg = msg
	return Result{Kind: ParseError, Code: code, Message: msg}
}

// parseStartLine consumes "METHOD SP target SP HTTP/1.1 CRLF" from p.buf.
// Returns (result, true) when the caller should return that result;
// (zero, false) to continue the state machine in the same Parse call.
func (p *Parser) parseStartLine() (Result, bool) {
	idx := indexCRLF(p.buf)
	if idx < 0 {
		if int64(len(p.buf)) > p.limits.MaxRequestLineLen {
			return p.fail(414, "request line too long"), true
		}
		return Result{Kind: Incomplete}, true
	}
	line := p.buf[:idx]
	if int64(len(line)) > p.limits.MaxRequestLineLen {
		return p.fail(414, "request line too long"), true
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return p.fail(400, "malformed request line"), true
	}
	method, target, version := parts[0], parts[1], parts[2]
	if version != "HTTP/1.1" {
		return p.fail(400, "unsupported HTTP version"), true
	}
	if target == "" {
		return p.fail(400, "empty request target"), true
	}
	if !allowedMethods[method] {
		return p.fail(501, "unsupported method"), true
	}
	p.startLine = StartLine{Method: method, Target: target, Version: version}
	p.headers = NewHeaders()
	p.buf = p.buf[idx+2:]
	p.phase = PhaseHeaders
	return Result{}, false
}

// parseHeaders consumes header lines up to and including the terminating
// blank line.
func (p *Parser) parseHeaders() (Result, bool) {
	for {
		idx := indexCRLF(p.buf)
		if idx < 0 {
			if p.headerBytesSeen+int64(len(p.buf)) > p.limits.MaxHeaderSection {
				return p.fail(431, "header section too large"), true
			}
			return Result{Kind: Incomplete}, true
		}
		line := p.buf[:idx]
		if len(line) == 0 {
			// blank line: header section complete.
			p.buf = p.buf[idx+2:]
			return p.finishHeaders()
		}
		if line[0] == ' ' || line[0] == '\t' {
			return p.fail(400, "obsolete header line folding rejected"), true
		}
		p.headerBytesSeen += int64(idx + 2)
		if p.headerBytesSeen > p.limits.MaxHeaderSection {
			return p.fail(431, "header section too large"), true
		}
		colon := indexByte(line, ':')
		if colon <= 0 {
			return p.fail(400, "malformed header line"), true
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if strings.ContainsAny(name, " \t") {
			return p.fail(400, "malformed header name"), true
		}
		if err := p.recordHeader(name, value); err != nil {
			return p.fail(400, err.Error()), true
		}
		p.buf = p.buf[idx+2:]
	}
}

func (p *Parser) recordHeader(name, value string) error {
	lname := strings.ToLower(name)
	if lname == "content-length" {
		if p.haveContentLength {
			return errDuplicateContentLength
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return errMalformedContentLength
		}
		p.contentLength = n
		p.haveContentLength = true
	}
	if lname == "transfer-encoding" && strings.EqualFold(strings.TrimSpace(value), "chunked") {
		p.chunked = true
	}
	p.headers.Add(name, value)
	return nil
}

func (p *Parser) finishHeaders() (Result, bool) {
	if p.haveContentLength && p.chunked {
		return p.fail(400, "content-length and chunked transfer-encoding both present"), true
	}
	if ct, ok := p.headers.Get("Content-Type"); ok {
		p.contentLengthContentType = ct
	}
	switch {
	case p.chunked:
		p.phase = PhaseBody
		p.chunk = chunkState{phase: chunkSize}
		return Result{}, false
	case p.haveContentLength:
		if p.contentLength > p.limits.MaxBodySize {
			return p.fail(413, "request body exceeds configured cap"), true
		}
		p.bodyRemaining = p.contentLength
		p.phase = PhaseBody
		return Result{}, false
	default:
		// No body framing present: request has no body.
		p.phase = PhaseDone
		return p.complete(), true
	}
}

func (p *Parser) parseBody() (Result, bool) {
	if p.chunked {
		return p.parseChunkedBody()
	}
	if p.bodyRemaining > 0 {
		take := p.bodyRemaining
		if int64(len(p.buf)) < take {
			take = int64(len(p.buf))
		}
		if take == 0 {
			return Result{Kind: Incomplete}, true
		}
		p.body = append(p.body, p.buf[:take]...)
		p.buf = p.buf[take:]
		p.bodyRemaining -= take
		if p.bodyRemaining > 0 {
			return Result{Kind: Incomplete}, true
		}
	}
	p.phase = PhaseDone
	return p.complete(), true
}

func (p *Parser) complete() Result {
	req := &Request{
		StartLine:   p.startLine,
		Headers:     p.headers,
		Body:        p.body,
		ContentType: p.contentLengthContentType,
	}
	leftover := make([]byte, len(p.buf))
	copy(leftover, p.buf)
	return Result{Kind: Completed, Request: req, Leftover: leftover, EndOfInput: p.endOfInput}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
