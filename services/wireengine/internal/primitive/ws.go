package primitive

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/redbco/binderwire/pkg/logger"
)

// wirePath is the single HTTP route the listener upgrades to WebSocket.
// The connector/listener plumbing that discovers peers and negotiates
// which path or authority to use is out of scope (§1); this is a fixed
// stand-in.
const wirePath = "/binderwire"

// WSEndpoint is an Endpoint backed by a single WebSocket connection,
// grounded on redb-open's Lane (services/mesh/internal/transport/ws/
// virtuallink.go): one physical connection, a write mutex serializing
// outbound frames, and a dedicated read-loop goroutine feeding a
// callback. Unlike redb-open's JSON Frame, parcels here are the raw
// bytes the wire codec already serialized; WSEndpoint only prepends the
// 4-byte tx code so the two sides agree on channel identity per message.
type WSEndpoint struct {
	id     string
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex
	recv    atomic.Value // ReceiveFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSEndpoint wraps an already-established WebSocket connection and
// starts its receive loop. Each endpoint is assigned a session id at
// construction, the way redb-open's pkg/service stamps a service
// instance id at startup, so callers have a stable handle for logging
// and health-check registration independent of the remote address
// (which a reconnecting peer may share across sessions).
func NewWSEndpoint(conn *websocket.Conn, log *logger.Logger) *WSEndpoint {
	e := &WSEndpoint{
		id:     uuid.NewString(),
		conn:   conn,
		logger: log,
		closed: make(chan struct{}),
	}
	go e.recvLoop()
	return e
}

// ID returns the endpoint's session id, stable for the lifetime of the
// connection.
func (e *WSEndpoint) ID() string {
	return e.id
}

// Transact implements Endpoint.
func (e *WSEndpoint) Transact(txCode uint32, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, txCode)
	copy(buf[4:], data)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// SetReceiver implements Endpoint.
func (e *WSEndpoint) SetReceiver(fn ReceiveFunc) {
	e.recv.Store(fn)
}

// RemoteAddr returns the underlying connection's remote address, for
// logging and health-check registration.
func (e *WSEndpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}

// Close implements Endpoint.
func (e *WSEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}

func (e *WSEndpoint) recvLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if e.logger != nil {
				e.logger.Debugf("primitive: read loop ending: %v", err)
			}
			return
		}
		if len(data) < 4 {
			if e.logger != nil {
				e.logger.Warn("primitive: dropping undersized parcel envelope")
			}
			continue
		}
		code := binary.BigEndian.Uint32(data[:4])
		fn, _ := e.recv.Load().(ReceiveFunc)
		if fn == nil {
			continue
		}
		if err := fn(code, data[4:]); err != nil && e.logger != nil {
			e.logger.Warnf("primitive: receiver for tx code %d returned error: %v", code, err)
		}
	}
}

// ListenerConfig mirrors redb-open's TransportConfig
// (services/mesh/internal/transport/ws/transport.go), trimmed to what a
// single-peer wire listener needs.
type ListenerConfig struct {
	ListenAddr       string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

// DefaultListenerConfig returns sane defaults, as redb-open's
// DefaultTransportConfig does.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		ListenAddr:       ":0",
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Listener accepts inbound WebSocket connections and hands each one to
// OnAccept as a fresh Endpoint, before any setup-transport handshake
// happens at the wire-reader layer above it.
type Listener struct {
	config   ListenerConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	// OnAccept is invoked once per accepted connection. It must return
	// quickly; long-lived per-connection work belongs on the returned
	// Endpoint's consumer (the wire reader), not here.
	OnAccept func(*WSEndpoint)

	mu   sync.Mutex
	addr string
}

// NewListener creates a Listener. Call Start to begin serving.
func NewListener(cfg ListenerConfig, log *logger.Logger) *Listener {
	return &Listener{
		config: cfg,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins accepting connections in the background and returns once
// the listening socket is bound, so callers can read Addr() immediately.
func (l *Listener) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(wirePath, l.handle)

	httpServer := &http.Server{Addr: l.config.ListenAddr, Handler: mux}

	// Bind synchronously so Addr() is usable right after Start returns,
	// matching redb-open's practice of resolving the listen address
	// before handing control back (services/mesh/cmd/main.go binds its
	// port via flag before Run).
	ln, err := net.Listen("tcp", l.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("primitive: listen: %w", err)
	}

	l.mu.Lock()
	l.addr = ln.Addr().String()
	l.server = httpServer
	l.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			if l.logger != nil {
				l.logger.Errorf("primitive: listener stopped: %v", err)
			}
		}
	}()

	return nil
}

// Addr returns the bound address, valid after Start returns successfully.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if l.logger != nil {
			l.logger.Errorf("primitive: upgrade failed: %v", err)
		}
		return
	}
	ep := NewWSEndpoint(conn, l.logger)
	if l.OnAccept != nil {
		l.OnAccept(ep)
	}
}

// WSDialer implements Dialer over plain WebSocket connections, grounded
// on TransportManager.Connect.
type WSDialer struct {
	logger *logger.Logger
}

// NewWSDialer creates a WSDialer.
func NewWSDialer(log *logger.Logger) *WSDialer {
	return &WSDialer{logger: log}
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, addr string) (Endpoint, error) {
	url := fmt.Sprintf("ws://%s%s", addr, wirePath)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("primitive: dial %s: %w", addr, err)
	}
	return NewWSEndpoint(conn, d.logger), nil
}
