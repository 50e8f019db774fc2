package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens the server-facing leg, optionally through a SOCKS5 proxy and
// optionally wrapped in TLS.
type Dialer struct {
	Timeout time.Duration
	// TLS enables client-side TLS toward the upstream when non-nil.
	TLS *tls.Config
	// SocksProxy is a SOCKS5 host:port to route dials through.
	SocksProxy string
}

// UpstreamTLS returns a client config; insecure disables certificate verification.
func UpstreamTLS(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS10,
	}
}

// DialContext connects to addr. TLS failures are returned as *HandshakeError.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	conn, err := d.dialTCP(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	} else if d.TLS == nil {
		return conn, nil
	}

	cfg := d.TLS.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &HandshakeError{Leg: LegServer, Addr: addr, Err: err}
	}
	return tlsConn, nil
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if d.SocksProxy == "" {
		return nd.DialContext(ctx, "tcp", addr)
	}

	socks, err := proxy.SOCKS5("tcp", d.SocksProxy, nil, nd)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", d.SocksProxy, err)
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd.DialContext(ctx, "tcp", addr)
}
