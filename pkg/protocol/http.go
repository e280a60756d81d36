package protocol

import (
	"bytes"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iamgaru/gosling/internal/failure"
)

const (
	MethodConnect = "CONNECT"

	schemeHTTP  = "http://"
	schemeHTTPS = "https://"
)

// HeadTerminator marks the end of a request or response head
var HeadTerminator = []byte("\r\n\r\n")

// Header is a single ordered response header
type Header struct {
	Name  string
	Value string
}

// Request represents a parsed request head. It is not modified after parsing;
// use WithPort to derive a copy with a different dial port.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Headers map[string]string

	// Raw holds every byte consumed off the wire while reading the head
	Raw []byte

	Host  string
	Port  int // 0 when the request did not specify one
	Major int
	Minor int
}

// WithPort returns a copy of the request with Port replaced
func (r *Request) WithPort(port int) *Request {
	cp := *r
	cp.Port = port
	return &cp
}

// Header returns the value of a header as received, matched case-sensitively
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.Headers[name]
	return v, ok
}

// IsHTTP1 reports whether the request is HTTP/1.0 or HTTP/1.1
func (r *Request) IsHTTP1() bool {
	return r.Major == 1 && (r.Minor == 0 || r.Minor == 1)
}

// ParseRequestHead splits a raw head into request line and headers.
// Only a request line with fewer than three tokens is fatal; malformed header
// lines are skipped.
func ParseRequestHead(head string) (*Request, error) {
	lines := strings.FieldsFunc(head, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	if len(lines) == 0 {
		return nil, failure.Newf(failure.MalformedRequest, "parse request line", "empty request head")
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 3 {
		return nil, failure.Newf(failure.MalformedRequest, "parse request line",
			"request line %q has %d tokens", lines[0], len(parts))
	}

	req := &Request{
		Method:  parts[0],
		Target:  strings.Join(parts[1:len(parts)-1], " "),
		Proto:   parts[len(parts)-1],
		Headers: make(map[string]string, len(lines)-1),
	}

	for _, line := range lines[1:] {
		idx := strings.Index(line, ": ")
		if idx <= 0 {
			continue
		}
		req.Headers[line[:idx]] = line[idx+2:]
	}

	return req, nil
}

// ResolveTarget extracts host and port from a request target or Host value.
// A literal port wins; otherwise an http:// or https:// prefix implies 80 or
// 443; otherwise the port is 0 (unspecified).
func ResolveTarget(text string) (string, int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", 0
	}

	lower := strings.ToLower(text)
	defaultPort := 0
	switch {
	case strings.HasPrefix(lower, schemeHTTP):
		defaultPort = 80
	case strings.HasPrefix(lower, schemeHTTPS):
		defaultPort = 443
	default:
		// bare authority, optionally followed by a path
		text = schemeHTTP + text
	}

	u, err := url.Parse(text)
	if err != nil {
		return "", 0
	}
	host := u.Hostname()
	if host == "" {
		return "", 0
	}

	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil && port > 0 && port <= 65535 {
			return host, port
		}
	}
	return host, defaultPort
}

// ParseVersion parses "HTTP/<major>.<minor>"
func ParseVersion(proto string) (int, int, bool) {
	rest, ok := strings.CutPrefix(proto, "HTTP/")
	if !ok {
		return 0, 0, false
	}
	majorText, minorText, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majorText)
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(minorText)
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

// Resolve fills the derived Host, Port, Major and Minor fields.
// The Host header is preferred for the host; the port comes from the Host
// header when it carries one and from the target otherwise.
func (r *Request) Resolve() error {
	targetHost, targetPort := ResolveTarget(r.Target)

	host, port := targetHost, targetPort
	if hv, ok := r.Headers["Host"]; ok {
		if h, p := ResolveTarget(hv); h != "" {
			host = h
			if p != 0 {
				port = p
			}
		}
	}
	if host == "" {
		return failure.Newf(failure.UnresolvedHost, "resolve host", "no host in target %q", r.Target)
	}

	major, minor, ok := ParseVersion(r.Proto)
	if !ok {
		return failure.Newf(failure.UnsupportedVersion, "parse version", "cannot parse %q", r.Proto)
	}

	r.Host, r.Port, r.Major, r.Minor = host, port, major, minor
	return nil
}

// EncodeResponseHead renders a status line, headers and the blank line.
// No body framing is added; callers pass Content-Length themselves.
func EncodeResponseHead(version string, status int, headers []Header) []byte {
	var buf bytes.Buffer
	buf.WriteString(version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(http.StatusText(status))
	buf.WriteString("\r\n")
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// BadRequest is the response sent before closing on an unusable request
func BadRequest() []byte {
	return EncodeResponseHead("HTTP/1.1", http.StatusBadRequest, []Header{
		{Name: "Connection", Value: "close"},
		{Name: "Content-Length", Value: "0"},
	})
}
