// Package tcp implements the transfer layer's TCP+TLS Transport, a
// fallback to pkg/transfer/quic for networks that block UDP.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/beehoard/beehoard/pkg/transfer"
)

func init() {
	transfer.DefaultRegistry.Register("tcp", New())
}

// defaultPort is shared with pkg/transfer/quic so a caller can fall back
// from one to the other without reconfiguring the address.
const defaultPort = 27487

// Transport implements transfer.Transport over TCP+TLS 1.3.
type Transport struct{}

// New returns a TCP Transport.
func New() transfer.Transport {
	return &Transport{}
}

// Name returns "tcp".
func (t *Transport) Name() string { return "tcp" }

// DefaultPort returns the transfer layer's default TCP port.
func (t *Transport) DefaultPort() int { return defaultPort }

// Listen starts listening for TCP+TLS connections on addr.
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transfer.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve TCP address: %w", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("create TCP listener: %w", err)
	}

	serverTLSConfig := tlsConfig.Clone()
	if serverTLSConfig == nil {
		serverTLSConfig = &tls.Config{}
	}
	if len(serverTLSConfig.NextProtos) == 0 {
		serverTLSConfig.NextProtos = []string{"beehoard-transfer/1"}
	}
	if serverTLSConfig.MinVersion == 0 {
		serverTLSConfig.MinVersion = tls.VersionTLS13
	}

	return &Listener{listener: listener, tlsConfig: serverTLSConfig}, nil
}

// Dial establishes a TCP+TLS connection to addr.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transfer.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	clientTLSConfig := tlsConfig.Clone()
	if clientTLSConfig == nil {
		clientTLSConfig = &tls.Config{}
	}
	if len(clientTLSConfig.NextProtos) == 0 {
		clientTLSConfig.NextProtos = []string{"beehoard-transfer/1"}
	}
	if clientTLSConfig.MinVersion == 0 {
		clientTLSConfig.MinVersion = tls.VersionTLS13
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("dial TCP+TLS connection: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Listener wraps a TCP listener performing the TLS handshake on Accept.
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Accept waits for and TLS-wraps the next connection.
func (l *Listener) Accept(ctx context.Context) (transfer.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return &Conn{conn: tlsConn}, nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.listener.Close() }

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Conn wraps a TLS connection.
type Conn struct {
	conn *tls.Conn
}

func (c *Conn) Read(b []byte) (int, error)  { return c.conn.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c *Conn) Close() error                { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// ConnectionState returns the underlying TLS connection state.
func (c *Conn) ConnectionState() tls.ConnectionState { return c.conn.ConnectionState() }
