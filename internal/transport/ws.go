package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsSendQueueDepth = 256
)

// WSServer is a ServerTransport over WebSocket. Each accepted socket
// becomes one Conn; frames are binary messages in the package framing.
type WSServer struct {
	addr     string
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[string]*wsServerConn
	onConnect    func(Conn)
	onDisconnect func(Conn)
	onMessage    func(Conn, string, []byte)
	httpSrv      *http.Server
	closed       bool
}

// NewWSServer creates a WebSocket transport listening on addr
// (host:port), serving the socket endpoint at /ws.
func NewWSServer(addr string) *WSServer {
	return &WSServer{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The demo server has no origin policy; deployments put
			// their own check here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsServerConn),
	}
}

func (s *WSServer) OnConnect(fn func(Conn))    { s.onConnect = fn }
func (s *WSServer) OnDisconnect(fn func(Conn)) { s.onDisconnect = fn }
func (s *WSServer) OnMessage(fn func(Conn, string, []byte)) {
	s.onMessage = fn
}

// Start listens and serves until ctx is canceled.
func (s *WSServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.mu.Lock()
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	srv := s.httpSrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("websocket transport listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket listener: %w", err)
	}
}

// Close stops the listener and drops all connections.
func (s *WSServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpSrv
	conns := make([]*wsServerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := &wsServerConn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		sendCh: make(chan []byte, wsSendQueueDepth),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[conn.id] = conn
	onConnect := s.onConnect
	s.mu.Unlock()

	slog.Debug("client connected", "conn", conn.id, "remote", r.RemoteAddr)

	go conn.writeLoop()
	go conn.readLoop()

	if onConnect != nil {
		onConnect(conn)
	}
}

type wsServerConn struct {
	id     string
	server *WSServer
	ws     *websocket.Conn
	sendCh chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsServerConn) ID() string { return c.id }

func (c *wsServerConn) Send(channel string, payload []byte) error {
	buf, err := frame(channel, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	case c.sendCh <- buf:
		return nil
	default:
		// A client that cannot drain its queue must not block the
		// tick loop; the connection is beyond saving.
		c.Close()
		return fmt.Errorf("connection %s send queue overflow", c.id)
	}
}

func (c *wsServerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()

		c.server.mu.Lock()
		delete(c.server.conns, c.id)
		onDisc := c.server.onDisconnect
		c.server.mu.Unlock()

		if onDisc != nil {
			onDisc(c)
		}
	})
	return nil
}

func (c *wsServerConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				slog.Debug("websocket write failed", "conn", c.id, "err", err)
				c.Close()
				return
			}
		}
	}
}

func (c *wsServerConn) readLoop() {
	defer c.Close()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "conn", c.id, "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		channel, payload, err := unframe(data)
		if err != nil {
			slog.Warn("malformed frame dropped", "conn", c.id, "err", err)
			continue
		}
		if fn := c.server.onMessage; fn != nil {
			fn(c, channel, payload)
		}
	}
}

// WSClient is a ClientTransport over WebSocket.
type WSClient struct {
	url string

	mu           sync.Mutex
	ws           *websocket.Conn
	onMessage    func(string, []byte)
	onDisconnect func(error)
	closeOnce    sync.Once
	done         chan struct{}
}

// NewWSClient creates a client dialing the given ws:// URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{url: url, done: make(chan struct{})}
}

func (c *WSClient) OnMessage(fn func(string, []byte)) { c.onMessage = fn }
func (c *WSClient) OnDisconnect(fn func(err error))   { c.onDisconnect = fn }

// Connect dials the server and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws)
	return nil
}

// Send delivers one message to the server.
func (c *WSClient) Send(channel string, payload []byte) error {
	buf, err := frame(channel, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close tears the connection down.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *WSClient) readLoop(ws *websocket.Conn) {
	var readErr error
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				readErr = err
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		channel, payload, err := unframe(data)
		if err != nil {
			slog.Warn("malformed frame dropped", "err", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(channel, payload)
		}
	}
	c.Close()
	if c.onDisconnect != nil {
		c.onDisconnect(readErr)
	}
}
