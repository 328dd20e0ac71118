// Package netio provides the TLS byte channel the KVS PUT_MEDIA upload is
// built on: a dial with a connect timeout, TCP_NODELAY for
// latency-sensitive writes, and deadline-scoped Send/Recv. The IoT
// credential refresh and the control-plane REST calls use net/http
// instead.
package netio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

// Options configures a Dial call. Zero values pick sane defaults
// (10s connect timeout, 30s TCP keepalive, system root CAs).
type Options struct {
	ServerName         string
	InsecureSkipVerify bool
	// ClientCertificates enables mutual TLS, e.g. for the IoT credential
	// provider's X.509-based GetCredentials call.
	ClientCertificates []tls.Certificate
	RootCAs            *x509CertPool

	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// x509CertPool is a thin alias so this file doesn't force every caller to
// import crypto/x509 just to read Options; defined in certpool.go.
type x509CertPool = CertPool

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive > 0 {
		return o.KeepAlive
	}
	return 30 * time.Second
}

// Channel is a secure, deadline-scoped byte channel over one TCP (or
// TLS-over-TCP) connection.
type Channel struct {
	conn net.Conn
}

// Dial connects to addr ("host:port"), optionally wrapping the connection
// in TLS, and enables TCP_NODELAY on the underlying socket so writes
// aren't held back by Nagle's algorithm.
func Dial(ctx context.Context, addr string, useTLS bool, opts Options) (*Channel, error) {
	dialer := &net.Dialer{
		Timeout:   opts.dialTimeout(),
		KeepAlive: opts.keepAlive(),
	}

	var conn net.Conn
	var err error
	if useTLS {
		tlsConfig := &tls.Config{
			ServerName:         opts.ServerName,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			Certificates:       opts.ClientCertificates,
		}
		if opts.RootCAs != nil {
			tlsConfig.RootCAs = opts.RootCAs.pool
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("netio: dial %s: %w", addr, joinNetworkErr(err))
	}

	enableNoDelay(conn)

	return &Channel{conn: conn}, nil
}

func enableNoDelay(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		_ = c.SetNoDelay(true)
	case *tls.Conn:
		if tcpConn, ok := c.NetConn().(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}
}

// Send writes the full contents of data, honoring ctx's deadline if one is
// set.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("netio: send: %w", joinNetworkErr(err))
	}
	return nil
}

// Recv reads into buf, returning the number of bytes read. It honors
// ctx's deadline if one is set, and returns io.EOF (wrapped) on a clean
// peer close.
func (c *Channel) Recv(ctx context.Context, buf []byte) (int, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return n, fmt.Errorf("netio: recv: %w", joinNetworkErr(err))
	}
	return n, nil
}

func (c *Channel) applyDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(deadline)
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func joinNetworkErr(err error) error {
	return fmt.Errorf("%w: %w", err, kvserrors.ErrNetwork)
}
