package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// pipeQueueDepth bounds each direction of an in-process connection.
// Senders block when the peer falls this far behind, mirroring the
// backpressure of a real socket.
const pipeQueueDepth = 1024

type pipeMsg struct {
	channel string
	payload []byte
}

// PipeServer is an in-process ServerTransport. Tests dial it directly,
// with no sockets involved; delivery order matches a real ordered
// transport.
type PipeServer struct {
	mu           sync.Mutex
	conns        map[string]*pipeServerConn
	onConnect    func(Conn)
	onDisconnect func(Conn)
	onMessage    func(Conn, string, []byte)
	closed       bool
	stopCh       chan struct{}
}

// NewPipeServer creates an in-process transport server.
func NewPipeServer() *PipeServer {
	return &PipeServer{
		conns:  make(map[string]*pipeServerConn),
		stopCh: make(chan struct{}),
	}
}

func (s *PipeServer) OnConnect(fn func(Conn))    { s.onConnect = fn }
func (s *PipeServer) OnDisconnect(fn func(Conn)) { s.onDisconnect = fn }
func (s *PipeServer) OnMessage(fn func(Conn, string, []byte)) {
	s.onMessage = fn
}

// Start blocks until ctx is canceled or Close is called. Connections
// are accepted as soon as the server exists; Start only ties the
// lifetime to a context.
func (s *PipeServer) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case <-s.stopCh:
		return nil
	}
}

// Close drops all connections.
func (s *PipeServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*pipeServerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	close(s.stopCh)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Dial returns a ClientTransport wired to this server.
func (s *PipeServer) Dial() *PipeClient {
	return &PipeClient{server: s}
}

type pipeServerConn struct {
	id       string
	server   *PipeServer
	client   *PipeClient
	toClient chan pipeMsg
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
}

func (c *pipeServerConn) ID() string { return c.id }

func (c *pipeServerConn) Send(channel string, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	case c.toClient <- pipeMsg{channel: channel, payload: payload}:
		return nil
	}
}

func (c *pipeServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.closeMu.Unlock()

	c.server.mu.Lock()
	delete(c.server.conns, c.id)
	onDisc := c.server.onDisconnect
	c.server.mu.Unlock()

	if onDisc != nil {
		onDisc(c)
	}
	c.client.notifyClosed()
	return nil
}

// PipeClient is the client end of an in-process connection.
type PipeClient struct {
	server *PipeServer

	mu           sync.Mutex
	conn         *pipeServerConn
	toServer     chan pipeMsg
	onMessage    func(string, []byte)
	onDisconnect func(error)
	connected    bool
	closedOnce   sync.Once
}

func (c *PipeClient) OnMessage(fn func(string, []byte)) { c.onMessage = fn }
func (c *PipeClient) OnDisconnect(fn func(err error))   { c.onDisconnect = fn }

// Connect registers the connection with the server and starts the
// delivery pumps, one goroutine per direction so callback work on one
// side never blocks the other side's sends beyond the queue depth.
func (c *PipeClient) Connect(ctx context.Context) error {
	c.server.mu.Lock()
	if c.server.closed {
		c.server.mu.Unlock()
		return fmt.Errorf("pipe server closed")
	}
	conn := &pipeServerConn{
		id:       uuid.NewString(),
		server:   c.server,
		client:   c,
		toClient: make(chan pipeMsg, pipeQueueDepth),
		done:     make(chan struct{}),
	}
	c.server.conns[conn.id] = conn
	onConnect := c.server.onConnect
	onMessage := c.server.onMessage
	c.server.mu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.toServer = make(chan pipeMsg, pipeQueueDepth)
	c.connected = true
	c.mu.Unlock()

	go func() { // server -> client
		for {
			select {
			case <-conn.done:
				return
			case msg := <-conn.toClient:
				if c.onMessage != nil {
					c.onMessage(msg.channel, msg.payload)
				}
			}
		}
	}()
	go func() { // client -> server
		for {
			select {
			case <-conn.done:
				return
			case msg := <-c.toServer:
				if onMessage != nil {
					onMessage(conn, msg.channel, msg.payload)
				}
			}
		}
	}()

	if onConnect != nil {
		onConnect(conn)
	}
	return nil
}

// Send delivers one message to the server.
func (c *PipeClient) Send(channel string, payload []byte) error {
	c.mu.Lock()
	conn, ch := c.conn, c.toServer
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return fmt.Errorf("not connected")
	}
	select {
	case <-conn.done:
		return fmt.Errorf("connection closed")
	case ch <- pipeMsg{channel: channel, payload: payload}:
		return nil
	}
}

// Close tears the connection down from the client side.
func (c *PipeClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *PipeClient) notifyClosed() {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		fn := c.onDisconnect
		c.mu.Unlock()
		if fn != nil {
			fn(nil)
		}
	})
}
