// Package response implements the response builder (I): wire-ready HTTP/1.1
// byte packets, built three ways — a plain response from a status and body,
// an error response with configured error-page lookup, and a CGI-to-HTTP
// splice. Grounded on original_source/handler/utils/response.hpp's
// makeErrorResponse/makeCgiResponse, translated from thrown exceptions into
// explicit (Packet, error) results.
package response

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/errdefs"
	"github.com/webservd/webservd/internal/httpparse"
)

// ServerBanner is the literal "Server" header value webservd sends.
const ServerBanner = "webserv"

// Packet is the Response shape: a status line, an ordered
// header map, and a body.
type Packet struct {
	Status  int
	Reason  string
	Headers *httpparse.Headers
	Body    []byte
}

var reasonPhrases = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Payload Too Large",
	414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	504: "Gateway Timeout",
}

// ReasonPhrase returns the standard reason phrase for a status code, or
// "Unknown" if webservd has no literal for it.
func ReasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	return "Unknown"
}

// PlainResponse builds a Packet with a body and explicit content type.
func PlainResponse(status int, body []byte, contentType string) *Packet {
	h := httpparse.NewHeaders()
	if contentType != "" {
		h.Add("Content-Type", contentType)
	}
	return &Packet{Status: status, Reason: ReasonPhrase(status), Headers: h, Body: body}
}

// ErrorResponse builds an error Packet, preferring the file configured in
// cfg.ErrorPages[status] and falling back to the plain reason phrase as
// text/plain on any lookup or read failure — not only when the entry is
// absent, matching makeErrorResponse's behavior exactly.
func ErrorResponse(status int, cfg *config.ServerConfig) *Packet {
	reason := ReasonPhrase(status)
	if cfg != nil {
		if path, ok := cfg.ErrorPages[status]; ok {
			if data, err := ioutil.ReadFile(path); err == nil {
				return PlainResponse(status, data, "text/html")
			}
		}
	}
	return PlainResponse(status, []byte(reason), "text/plain")
}

// CGIResponse splits a CGI child's accumulated stdout at the first blank
// line, requires a Status field in the header block, and turns it into a
// Packet whose status line comes from that field and whose headers are the
// remaining CGI headers; Serialize adds the computed Content-Length and the
// Server banner ahead of them, then the body. It returns
// errdefs.ErrCGIMalformedOutput when the terminator or the Status field is
// missing, mirroring makeCgiResponse's thrown exception — the orchestrator
// converts that into a 500 exactly as EventHandler::handleCgiEvent's catch
// block does.
func CGIResponse(output []byte) (*Packet, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(output, sep)
	if idx < 0 {
		return nil, errdefs.ErrCGIMalformedOutput
	}
	headerBlock := output[:idx]
	body := output[idx+len(sep):]

	h := httpparse.NewHeaders()
	status := 0
	reason := ""
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if strings.EqualFold(name, "Status") {
			fields := strings.SplitN(value, " ", 2)
			code, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, errdefs.ErrCGIMalformedOutput
			}
			status = code
			if len(fields) == 2 {
				reason = fields[1]
			}
			continue
		}
		h.Add(name, value)
	}
	if status == 0 {
		return nil, errdefs.ErrCGIMalformedOutput
	}
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	return &Packet{Status: status, Reason: reason, Headers: h, Body: body}, nil
}

// Serialize renders a Packet to wire bytes: status line, Content-Length,
// Server banner, the packet's own headers, a blank line, then the body.
func Serialize(p *Packet) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", p.Status, p.Reason)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(p.Body))
	fmt.Fprintf(&buf, "Server: %s\r\n", ServerBanner)
	p.Headers.Each(func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	})
	buf.WriteString("\r\n")
	buf.Write(p.Body)
	return buf.Bytes()
}
