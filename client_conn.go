package cerver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver/logger"
)

// ClientConn is the dial side of a cerver connection.
// Received packets go through the same reassembly and routing as on the server.
type ClientConn struct {
	// Codec is the payload codec handed to route contexts.
	Codec Codec

	// OnClose is an event hook, will be invoked when the connection is torn down.
	OnClose func(c *ClientConn, reason error)

	readTimeout       time.Duration
	writeTimeout      time.Duration
	dialTimeout       time.Duration
	receiveBufferSize int
	maxPacketSize     uint64
	protocol          ProtocolConfig
	tlsConfig         *tls.Config

	router     *Router
	dispatcher *dispatcher
	metrics    *metrics
	log        *logrus.Entry

	conn *Connection
	done chan struct{} // closed when the read goroutine ends
	err  error         // why the read goroutine ended, set before done is closed

	authMu     sync.Mutex
	authWaiter chan authResult
	token      string

	pingMu sync.Mutex
	pings  map[uint32][]chan struct{} // echo waiters per request type, oldest first
}

// ClientOption is the option for ClientConn.
type ClientOption struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	ReceiveBufferSize int
	MaxPacketSize     uint64
	Protocol          ProtocolConfig

	DispatchMode DispatchMode
	Workers      int

	Codec     Codec
	TLSConfig *tls.Config // dial with TLS when set.

	MetricsRegisterer prometheus.Registerer
	MetricsNamespace  string
}

type authResult struct {
	token string
	err   error
}

// NewClientConn creates a ClientConn according to opt. Nothing is dialed yet.
func NewClientConn(opt *ClientOption) *ClientConn {
	if opt.ReceiveBufferSize <= 0 {
		opt.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if opt.MaxPacketSize < HeaderSize {
		opt.MaxPacketSize = DefaultMaxPacketSize
	}
	log := logger.Scope("cerver.ClientConn")
	m := newMetrics(opt.MetricsRegisterer, opt.MetricsNamespace)
	c := &ClientConn{
		Codec:             opt.Codec,
		readTimeout:       opt.ReadTimeout,
		writeTimeout:      opt.WriteTimeout,
		dialTimeout:       opt.DialTimeout,
		receiveBufferSize: opt.ReceiveBufferSize,
		maxPacketSize:     opt.MaxPacketSize,
		protocol:          opt.Protocol,
		tlsConfig:         opt.TLSConfig,
		router:            newRouter(false, log),
		metrics:           m,
		log:               log,
		done:              make(chan struct{}),
	}
	c.dispatcher = newDispatcher(opt.DispatchMode, opt.Workers, 0, c.runJob, m, log)
	c.router.register(c.router.key(PacketTypeAuth, 0, AnyRequest), nilHandler)
	c.router.register(c.router.key(PacketTypeTest, 0, AnyRequest), nilHandler)
	c.router.register(c.router.key(PacketTypeError, 0, AnyRequest), nilHandler)
	return c
}

// Dial connects to addr and starts reading.
func (c *ClientConn) Dial(addr string) error {
	ctx := context.Background()
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	return c.DialContext(ctx, addr)
}

// DialContext connects to addr with ctx bounding the dial, and starts reading.
func (c *ClientConn) DialContext(ctx context.Context, addr string) error {
	var (
		conn net.Conn
		err  error
	)
	if c.tlsConfig != nil {
		d := &tls.Dialer{Config: c.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial err: %w", err)
	}
	c.Attach(conn)
	return nil
}

// Attach starts using an established conn. It must be called only once.
func (c *ClientConn) Attach(conn net.Conn) {
	c.conn = newConnection(conn, connectionOption{
		protocol:      c.protocol,
		writeTimeout:  c.writeTimeout,
		maxPacketSize: c.maxPacketSize,
		metrics:       c.metrics,
		log:           c.log,
	})
	c.log = c.conn.log
	go c.readLoop()
}

func (c *ClientConn) readLoop() {
	err := c.conn.readLoop(c.readTimeout, c.receiveBufferSize, c.handlePacket)
	_ = c.conn.Close()
	if isLost(err) {
		c.metrics.lostConnections.Inc()
	}
	c.err = err
	close(c.done)
	c.dispatcher.stop()
	c.log.WithField("reason", err).Debug("client connection closed")
	if c.OnClose != nil {
		c.OnClose(c, err)
	}
}

func (c *ClientConn) handlePacket(p *Packet) {
	c.metrics.packetsReceived.WithLabelValues(p.Type().String()).Inc()
	if c.protocol.CheckPackets {
		if err := p.stripVersion(); err != nil || !p.Check(c.protocol) {
			c.metrics.protocolErrors.Inc()
			c.log.WithField("packet", p.Type()).Debugf("packet dropped: %s", ErrProtocolMismatch)
			return
		}
	}
	switch {
	case p.Type() == PacketTypeAuth && p.RequestType() == AuthRequestSuccess:
		c.notifyAuth(authResult{token: string(p.Data())})
	case p.Type() == PacketTypeError && p.RequestType() == uint32(ErrorTypeFailedAuth):
		werr, err := DecodeWireError(p.Data())
		if err != nil {
			werr = &WireError{Type: ErrorTypeFailedAuth}
		}
		c.notifyAuth(authResult{err: werr})
	}
	if err := c.dispatcher.dispatch(Job{Kind: JobPacket, Packet: p, Key: c.conn.seq}); err != nil {
		c.log.Warnf("dispatch packet err: %s", err)
	}
}

func (c *ClientConn) runJob(job Job) {
	switch job.Kind {
	case JobPacket, JobOnHold:
		ctx := NewContext(job.Packet, c.Codec)
		if !c.router.handleRequest(ctx) {
			c.metrics.badPackets.Inc()
		}
	case JobCustom:
		if job.Fn != nil {
			job.Fn()
		}
	}
}

func (c *ClientConn) notifyAuth(r authResult) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if r.err == nil {
		c.token = r.token
	}
	if c.authWaiter == nil {
		return
	}
	c.authWaiter <- r
	c.authWaiter = nil
}

// Authenticate sends credentials and waits for the server's verdict.
// Returns the session token, empty when the server has sessions disabled.
func (c *ClientConn) Authenticate(ctx context.Context, credentials []byte) (string, error) {
	return c.authenticate(ctx, AuthRequestClient, credentials)
}

// AuthenticateAdmin sends admin credentials and waits for the server's verdict.
func (c *ClientConn) AuthenticateAdmin(ctx context.Context, credentials []byte) error {
	_, err := c.authenticate(ctx, AuthRequestAdmin, credentials)
	return err
}

// AuthenticateWithToken joins the client owning token.
func (c *ClientConn) AuthenticateWithToken(ctx context.Context, token string) error {
	if len(token) != SessionTokenSize {
		return fmt.Errorf("session token must be %d bytes but got %d", SessionTokenSize, len(token))
	}
	_, err := c.authenticate(ctx, AuthRequestClient, []byte(token))
	return err
}

func (c *ClientConn) authenticate(ctx context.Context, requestType uint32, payload []byte) (string, error) {
	if c.conn == nil {
		return "", ErrConnectionClosed
	}
	ch := make(chan authResult, 1)
	c.authMu.Lock()
	c.authWaiter = ch
	c.authMu.Unlock()
	defer func() {
		c.authMu.Lock()
		if c.authWaiter == ch {
			c.authWaiter = nil
		}
		c.authMu.Unlock()
	}()

	if _, err := c.conn.Send(NewPacket(PacketTypeAuth, requestType, payload), false); err != nil {
		return "", err
	}
	select {
	case r := <-ch:
		return r.token, r.authErr()
	case <-c.done:
		// the verdict may have arrived right before the connection went away
		select {
		case r := <-ch:
			return r.token, r.authErr()
		default:
		}
		return "", fmt.Errorf("wait auth result: %w", ErrConnectionClosed)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r authResult) authErr() error {
	if r.err == nil {
		return nil
	}
	return &AuthError{Reason: r.err.Error()}
}

// Token returns the session token of the last successful authentication.
func (c *ClientConn) Token() string {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.token
}

// Send writes p to the server.
func (c *ClientConn) Send(p *Packet) error {
	if c.conn == nil {
		return ErrConnectionClosed
	}
	_, err := c.conn.Send(p, false)
	return err
}

// Ping sends a TEST packet and waits for the echo.
// Returns the round trip time. Concurrent pings of one request type
// are answered in the order they were sent.
func (c *ClientConn) Ping(ctx context.Context, requestType uint32) (time.Duration, error) {
	echo := make(chan struct{}, 1)
	c.pingMu.Lock()
	if c.pings == nil {
		c.pings = make(map[uint32][]chan struct{})
	}
	if _, ok := c.pings[requestType]; !ok {
		c.router.register(c.router.key(PacketTypeTest, 0, requestType), c.handleEcho)
	}
	c.pings[requestType] = append(c.pings[requestType], echo)
	c.pingMu.Unlock()
	defer c.removePing(requestType, echo)

	start := time.Now()
	if err := c.Send(NewPacket(PacketTypeTest, requestType, nil)); err != nil {
		return 0, err
	}
	select {
	case <-echo:
		return time.Since(start), nil
	case <-c.done:
		return 0, ErrConnectionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleEcho wakes the oldest ping waiting on the echoed request type.
func (c *ClientConn) handleEcho(ctx Context) {
	requestType := ctx.Packet().RequestType()
	c.pingMu.Lock()
	waiters := c.pings[requestType]
	if len(waiters) == 0 {
		c.pingMu.Unlock()
		return
	}
	c.pings[requestType] = waiters[1:]
	c.pingMu.Unlock()
	waiters[0] <- struct{}{}
}

func (c *ClientConn) removePing(requestType uint32, echo chan struct{}) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	waiters := c.pings[requestType]
	for i, w := range waiters {
		if w == echo {
			c.pings[requestType] = append(waiters[:i:i], waiters[i+1:]...)
			return
		}
	}
}

// Disconnect asks the server to drop the whole client, then closes.
func (c *ClientConn) Disconnect() error {
	if err := c.Send(NewPacket(PacketTypeClient, ClientRequestDisconnect, nil)); err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return c.Close()
}

// Close closes the connection and waits for the read goroutine to end.
// With DispatchInline, handlers run on that goroutine and must not call Close.
func (c *ClientConn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

// Done returns a channel closed once the connection is torn down.
func (c *ClientConn) Done() <-chan struct{} { return c.done }

// Err returns why the connection was torn down, nil before Done is closed.
func (c *ClientConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Connection returns the underlying connection, nil before Dial.
func (c *ClientConn) Connection() *Connection { return c.conn }

// AddRoute registers a handler for packets received from the server.
func (c *ClientConn) AddRoute(t PacketType, requestType uint32, handler HandlerFunc, middlewares ...MiddlewareFunc) {
	c.router.register(c.router.key(t, 0, requestType), handler, middlewares...)
}

// Use registers global middlewares to the router.
func (c *ClientConn) Use(middlewares ...MiddlewareFunc) {
	c.router.registerMiddleware(middlewares...)
}

// NotFoundHandler sets the not-found handler for router.
func (c *ClientConn) NotFoundHandler(handler HandlerFunc) {
	c.router.setNotFoundHandler(handler)
}
