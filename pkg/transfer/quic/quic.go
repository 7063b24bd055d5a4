// Package quic implements the transfer layer's preferred Transport: QUIC
// with TLS 1.3 and ALPN negotiation.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/beehoard/beehoard/pkg/transfer"
)

func init() {
	transfer.DefaultRegistry.Register("quic", New())
}

const defaultPort = 27487

// Transport implements transfer.Transport over QUIC.
type Transport struct{}

// New returns a QUIC Transport.
func New() transfer.Transport {
	return &Transport{}
}

// Name returns "quic".
func (t *Transport) Name() string { return "quic" }

// DefaultPort returns the transfer layer's default QUIC port.
func (t *Transport) DefaultPort() int { return defaultPort }

// Listen starts listening for QUIC connections on addr.
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transfer.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address: %w", err)
	}

	quicTLSConfig := tlsConfig.Clone()
	if quicTLSConfig == nil {
		quicTLSConfig = &tls.Config{}
	}
	if len(quicTLSConfig.NextProtos) == 0 {
		quicTLSConfig.NextProtos = []string{"beehoard-transfer/1"}
	}

	listener, err := quic.ListenAddr(udpAddr.String(), quicTLSConfig, &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create QUIC listener: %w", err)
	}
	return &Listener{listener: listener}, nil
}

// Dial establishes a QUIC connection to addr and opens its one stream.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transfer.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	quicTLSConfig := tlsConfig.Clone()
	if quicTLSConfig == nil {
		quicTLSConfig = &tls.Config{}
	}
	if len(quicTLSConfig.NextProtos) == 0 {
		quicTLSConfig.NextProtos = []string{"beehoard-transfer/1"}
	}

	connection, err := quic.DialAddr(ctx, addr, quicTLSConfig, &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial QUIC connection: %w", err)
	}

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &Conn{connection: connection, stream: stream}, nil
}

// Listener wraps a QUIC listener, pairing each accepted connection with
// its one data stream.
type Listener struct {
	listener *quic.Listener
}

// Accept waits for the next connection and its stream.
func (l *Listener) Accept(ctx context.Context) (transfer.Conn, error) {
	connection, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to accept stream")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	return &Conn{connection: connection, stream: stream}, nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.listener.Close() }

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Conn wraps a QUIC connection and its one data stream.
type Conn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

func (c *Conn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream, then the connection.
func (c *Conn) Close() error {
	if err := c.stream.Close(); err != nil {
		c.connection.CloseWithError(0, "stream close error")
		return err
	}
	return c.connection.CloseWithError(0, "normal close")
}

func (c *Conn) LocalAddr() net.Addr  { return c.connection.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.connection.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// ConnectionState returns the underlying TLS connection state.
func (c *Conn) ConnectionState() tls.ConnectionState { return c.connection.ConnectionState().TLS }
