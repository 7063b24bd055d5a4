package transfer

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Transport is a pluggable connection-oriented transport (QUIC or TCP), so
// a RemoteEndpoint can be built over either without caring which carried it.
type Transport interface {
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)
	Name() string
	DefaultPort() int
}

// Listener accepts incoming Transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is one bidirectional byte stream over a Transport.
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	ConnectionState() tls.ConnectionState
}

// alpnProtocol is negotiated by every beehoard transfer connection.
const alpnProtocol = "beehoard-transfer/1"

// TransportConfig bounds connection and keep-alive timing shared by every
// Transport implementation.
type TransportConfig struct {
	TLSConfig      *tls.Config
	ALPNProtocols  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultTransportConfig returns the transfer layer's recognized defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		ALPNProtocols:  []string{alpnProtocol},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry looks up a Transport by name ("tcp", "quic"), letting
// engine.Config.Transport select one at runtime without the core engines
// importing a concrete transport package.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register adds t under name.
func (r *Registry) Register(name string, t Transport) {
	r.transports[name] = t
}

// Get looks up the transport registered under name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns every registered transport name.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry is populated by each transport package's init(), so a
// transport is listed here only in a program that imports its package (a
// blank import is enough); callers then select it by name.
var DefaultRegistry = NewRegistry()
