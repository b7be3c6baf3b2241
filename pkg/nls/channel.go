package nls

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
)

// channel is the transport of one connection attempt: a raw socket,
// optionally wrapped in a TLS session. Only the reader and writer
// goroutines call Read and Write; the owning worker calls everything else.
type channel struct {
	raw   net.Conn
	conn  net.Conn
	tls   *tls.Conn
	ident pool.Identity
}

func newChannel(raw net.Conn, socket uint64) *channel {
	return &channel{
		raw:   raw,
		conn:  raw,
		ident: pool.Identity{Socket: socket},
	}
}

// startTLS wraps the socket in a client session. The handshake itself runs
// in handshake.
func (ch *channel) startTLS(cfg *tls.Config, session uint64) {
	ch.tls = tls.Client(ch.raw, cfg)
	ch.conn = ch.tls
	ch.ident.Session = session
}

func (ch *channel) handshake(ctx context.Context) error {
	if ch.tls == nil {
		return nil
	}
	return ch.tls.HandshakeContext(ctx)
}

func (ch *channel) secure() bool {
	return ch.tls != nil
}

func (ch *channel) Read(p []byte) (int, error) {
	return ch.conn.Read(p)
}

// Write applies a deadline to every call so a stuck peer surfaces as a
// transport error.
func (ch *channel) Write(p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		_ = ch.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return ch.conn.Write(p)
}

// Close drops the socket without a TLS close_notify; the engine never
// reuses a channel after closing it.
func (ch *channel) Close() error {
	return ch.raw.Close()
}

func tlsConfigFor(base *tls.Config, host string, insecure bool) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
