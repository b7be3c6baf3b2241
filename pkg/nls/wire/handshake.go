package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SecWebSocketKey is the fixed upgrade key sent on every handshake.
const SecWebSocketKey = "x3JJHMbDL1EzLkh9GBhXDw=="

// MaxHeaderSize bounds the handshake response header block.
const MaxHeaderSize = 16 << 10

var (
	ErrMalformedHandshake = errors.New("wire: malformed handshake response")
	ErrInvalidTarget      = errors.New("wire: invalid target url")
)

var headerTerminator = []byte("\r\n\r\n")

// HandshakeError is returned when the service answers the upgrade with a
// status other than 101.
type HandshakeError struct {
	Status  int
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %s", e.Status, e.Message)
}

// Target is the parsed service address.
type Target struct {
	Scheme     string
	Host       string
	Port       int
	RequestURI string
}

// ParseTarget parses a ws:// or wss:// url. Missing ports default to 80
// and 443.
func ParseTarget(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	t := &Target{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch t.Scheme {
	case "ws":
		t.Port = 80
	case "wss":
		t.Port = 443
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if t.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, p)
		}
		t.Port = port
	}

	t.RequestURI = u.RequestURI()
	return t, nil
}

// Secure reports whether the target requires TLS.
func (t *Target) Secure() bool {
	return t.Scheme == "wss"
}

// Addr returns host:port for dialing.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader omits the port only when it is 80.
func (t *Target) HostHeader() string {
	if t.Port == 80 {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Addr()
}

// HandshakeRequest builds the HTTP upgrade request. Extra headers are
// appended after the token header in key order.
func HandshakeRequest(t *Target, token string, extra map[string]string) []byte {
	var b bytes.Buffer
	b.Grow(256 + len(token))

	b.WriteString("GET ")
	b.WriteString(t.RequestURI)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(t.HostHeader())
	b.WriteString("\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: ")
	b.WriteString(SecWebSocketKey)
	b.WriteString("\r\nSec-WebSocket-Version: 13\r\nX-NLS-Token: ")
	b.WriteString(token)
	b.WriteString("\r\n")

	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(extra[k])
			b.WriteString("\r\n")
		}
	}

	b.WriteString("\r\n")
	return b.Bytes()
}

// HandshakeParser consumes the upgrade response incrementally.
type HandshakeParser struct {
	buf           []byte
	headerEnd     int
	status        int
	contentLength int
	done          bool
	rest          []byte
}

// Feed appends p and reports whether the upgrade has completed. A
// rejected upgrade returns a *HandshakeError once the error body has
// fully arrived.
func (p *HandshakeParser) Feed(b []byte) (bool, error) {
	if p.done {
		return true, nil
	}
	p.buf = append(p.buf, b...)

	if p.headerEnd == 0 {
		idx := bytes.Index(p.buf, headerTerminator)
		if idx < 0 {
			if len(p.buf) > MaxHeaderSize {
				return false, fmt.Errorf("%w: header too large", ErrMalformedHandshake)
			}
			return false, nil
		}
		p.headerEnd = idx + len(headerTerminator)

		if err := p.parseHeader(p.buf[:idx]); err != nil {
			return false, err
		}

		if p.status == 101 {
			p.done = true
			if len(p.buf) > p.headerEnd {
				p.rest = append([]byte(nil), p.buf[p.headerEnd:]...)
			}
			p.buf = nil
			return true, nil
		}

		if p.contentLength <= 0 {
			return false, &HandshakeError{Status: p.status, Message: string(p.buf[:idx])}
		}
	}

	if len(p.buf)-p.headerEnd < p.contentLength {
		return false, nil
	}
	body := p.buf[p.headerEnd : p.headerEnd+p.contentLength]
	return false, &HandshakeError{Status: p.status, Message: string(body)}
}

// Status returns the parsed status code, or zero before the header block
// is complete.
func (p *HandshakeParser) Status() int {
	return p.status
}

// Rest returns bytes received after the 101 response. They belong to the
// frame stream.
func (p *HandshakeParser) Rest() []byte {
	return p.rest
}

func (p *HandshakeParser) parseHeader(block []byte) error {
	lines := strings.Split(string(block), "\r\n")
	statusLine := lines[0]
	if !strings.HasPrefix(statusLine, "HTTP/1.") {
		return fmt.Errorf("%w: bad status line %q", ErrMalformedHandshake, statusLine)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: bad status line %q", ErrMalformedHandshake, statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("%w: bad status code %q", ErrMalformedHandshake, parts[1])
	}
	p.status = code

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bad content length %q", ErrMalformedHandshake, value)
			}
			p.contentLength = n
		}
	}
	return nil
}
