package cerver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver/logger"
	"github.com/gocerver/cerver/util"
)

// DefaultReceiveBufferSize is the size of the per connection read buffer.
const DefaultReceiveBufferSize = 4096

// Server is a server for TCP connections.
type Server struct {
	Listener net.Listener

	// Codec is the payload codec handed to route contexts.
	Codec Codec

	// OnConnectionOpen is an event hook, will be invoked when a connection is accepted.
	OnConnectionOpen func(c *Connection)

	// OnConnectionClose is an event hook, will be invoked when a connection is torn down.
	OnConnectionClose func(c *Connection)

	// OnClientAuthenticated is an event hook, will be invoked when an on hold
	// connection is promoted into client. Admins trigger it too, see Client.IsAdmin.
	OnClientAuthenticated func(client *Client, c *Connection)

	// OnClientDropped is an event hook, will be invoked when a client lost its
	// last connection or was disconnected.
	OnClientDropped func(client *Client)

	name                  string
	socketReadBufferSize  int
	socketWriteBufferSize int
	socketSendDelay       bool
	readTimeout           time.Duration
	writeTimeout          time.Duration
	receiveBufferSize     int
	maxPacketSize         uint64
	protocol              ProtocolConfig
	printRoutes           bool

	requireAuth         bool
	authenticator       Authenticator
	adminAuthenticator  Authenticator
	maxAuthTries        int
	onHoldMaxBadPackets int
	onHoldTimeout       time.Duration
	useSessions         bool
	sessionIDGenerator  SessionIDGenerator

	router      *Router
	adminRouter *Router
	dispatcher  *dispatcher
	registry    *ClientRegistry
	admins      *ClientRegistry
	onHold      *OnHoldSet
	metrics     *metrics
	log         *logrus.Entry

	conns   sync.Map // every live connection, key is connection's ID
	connSeq uint64
	connWg  sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	accepting chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

// ServerOption is the option for Server.
type ServerOption struct {
	Name string // used in logs, defaults to "cerver"

	SocketReadBufferSize  int  // sets the socket read buffer size.
	SocketWriteBufferSize int  // sets the socket write buffer size.
	SocketSendDelay       bool // sets the socket delay or not.

	// ReadTimeout bounds one wait for incoming bytes. An expired wait only
	// restarts, it never closes the connection.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // sets the timeout for one send.

	ReceiveBufferSize int    // size of the per connection read buffer.
	MaxPacketSize     uint64 // larger packets lose the connection.

	Protocol ProtocolConfig

	DispatchMode  DispatchMode
	Workers       int // pool workers, defaults to runtime.NumCPU().
	MaxQueueDepth int // per worker queue limit, 0 means unbounded.

	// MultipleHandlers makes the handler id of APP, APP_ERROR and CUSTOM
	// packets select among handler sets.
	MultipleHandlers bool

	Codec            Codec // encodes and decodes the payload in route contexts.
	DoNotPrintRoutes bool  // whether to print registered route handlers to the console.

	// RequireAuth puts new connections on hold until they authenticate.
	RequireAuth         bool
	Authenticator       Authenticator
	MaxAuthTries        int           // defaults to DefaultAuthTries.
	OnHoldMaxBadPackets int           // non auth packets tolerated on hold, 0 means unlimited.
	OnHoldTimeout       time.Duration // 0 means no limit.

	// AdminAuthenticator checks AUTH/ADMIN_AUTH credentials of on hold connections.
	// Admins are kept apart from the clients and routed by their own handlers,
	// see Server.AddAdminRoute. Nil refuses every admin attempt.
	AdminAuthenticator Authenticator

	// UseSessions hands out session tokens on authentication.
	// A token lets further connections join the same client.
	UseSessions        bool
	SessionIDGenerator SessionIDGenerator

	MetricsRegisterer prometheus.Registerer // nil keeps the metrics unregistered.
	MetricsNamespace  string
}

// NewServer creates a Server according to opt.
func NewServer(opt *ServerOption) *Server {
	if opt.Name == "" {
		opt.Name = "cerver"
	}
	if opt.ReceiveBufferSize <= 0 {
		opt.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if opt.MaxPacketSize < HeaderSize {
		opt.MaxPacketSize = DefaultMaxPacketSize
	}
	if opt.MaxAuthTries <= 0 {
		opt.MaxAuthTries = DefaultAuthTries
	}
	log := logger.Scope("cerver.Server").WithField("server", opt.Name)
	m := newMetrics(opt.MetricsRegisterer, opt.MetricsNamespace)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Codec:                 opt.Codec,
		name:                  opt.Name,
		socketReadBufferSize:  opt.SocketReadBufferSize,
		socketWriteBufferSize: opt.SocketWriteBufferSize,
		socketSendDelay:       opt.SocketSendDelay,
		readTimeout:           opt.ReadTimeout,
		writeTimeout:          opt.WriteTimeout,
		receiveBufferSize:     opt.ReceiveBufferSize,
		maxPacketSize:         opt.MaxPacketSize,
		protocol:              opt.Protocol,
		printRoutes:           !opt.DoNotPrintRoutes,
		requireAuth:           opt.RequireAuth,
		authenticator:         opt.Authenticator,
		adminAuthenticator:    opt.AdminAuthenticator,
		maxAuthTries:          opt.MaxAuthTries,
		onHoldMaxBadPackets:   opt.OnHoldMaxBadPackets,
		onHoldTimeout:         opt.OnHoldTimeout,
		useSessions:           opt.UseSessions,
		sessionIDGenerator:    opt.SessionIDGenerator,
		router:                newRouter(opt.MultipleHandlers, log),
		adminRouter:           newRouter(false, log.WithField("router", "admin")),
		registry:              newClientRegistry(m),
		admins:                newClientRegistry(nil),
		onHold:                newOnHoldSet(m),
		metrics:               m,
		log:                   log,
		ctx:                   ctx,
		cancel:                cancel,
		accepting:             make(chan struct{}),
		stopped:               make(chan struct{}),
	}
	s.dispatcher = newDispatcher(opt.DispatchMode, opt.Workers, opt.MaxQueueDepth, s.runJob, m, log)
	s.registerBuiltinRoutes()
	return s
}

// Serve starts to serve the lis, blocking the caller.
// Returns ErrServerStopped once Stop was called.
func (s *Server) Serve(lis net.Listener) error {
	s.Listener = lis
	if s.printRoutes {
		s.router.printHandlers(lis.Addr().String())
	}
	return s.acceptLoop()
}

// Run starts to listen TCP and keeps accepting TCP connection in a loop.
// The loop breaks when error occurred, and the error will be returned.
func (s *Server) Run(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// RunTLS starts serve TCP with TLS.
func (s *Server) RunTLS(addr string, config *tls.Config) error {
	lis, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// acceptLoop accepts TCP connections in a loop, and handle connections in goroutines.
// Returns error when error occurred.
func (s *Server) acceptLoop() error {
	close(s.accepting)
	for {
		if s.isStopped() {
			s.log.Tracef("server accept loop stopped")
			return ErrServerStopped
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			if s.isStopped() {
				s.log.Tracef("server accept loop stopped")
				return ErrServerStopped
			}
			return fmt.Errorf("accept err: %w", err)
		}
		if s.isStopped() {
			_ = conn.Close()
			return ErrServerStopped
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if s.socketReadBufferSize > 0 {
				if err := tcpConn.SetReadBuffer(s.socketReadBufferSize); err != nil {
					return fmt.Errorf("conn set read buffer err: %w", err)
				}
			}
			if s.socketWriteBufferSize > 0 {
				if err := tcpConn.SetWriteBuffer(s.socketWriteBufferSize); err != nil {
					return fmt.Errorf("conn set write buffer err: %w", err)
				}
			}
			if err := tcpConn.SetNoDelay(!s.socketSendDelay); err != nil {
				return fmt.Errorf("conn set no delay err: %w", err)
			}
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn tracks the connection, puts it on hold or registers it,
// then reads it until it closes and tears it down.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.connWg.Done()

	c := newConnection(netConn, connectionOption{
		seq:           atomic.AddUint64(&s.connSeq, 1),
		protocol:      s.protocol,
		writeTimeout:  s.writeTimeout,
		maxPacketSize: s.maxPacketSize,
		metrics:       s.metrics,
		log:           s.log,
	})
	s.conns.Store(c.id, c)
	if s.isStopped() {
		_ = c.Close()
	}
	c.log.WithField("remote", netConn.RemoteAddr()).Debug("connection accepted")
	if s.OnConnectionOpen != nil {
		s.OnConnectionOpen(c)
	}

	if s.requireAuth {
		s.putOnHold(c)
	} else if !s.registry.Register(newClient(nil), c) {
		_ = c.Close()
	}

	err := c.readLoop(s.readTimeout, s.receiveBufferSize, func(p *Packet) {
		s.handlePacket(c, p)
	})
	s.teardown(c, err)
}

// handlePacket checks the protocol tag and dispatches the packet,
// to the on hold handler while the connection waits for authentication.
func (s *Server) handlePacket(c *Connection, p *Packet) {
	s.metrics.packetsReceived.WithLabelValues(p.Type().String()).Inc()
	if c.IsClosed() {
		return
	}
	if s.protocol.CheckPackets {
		if err := p.stripVersion(); err != nil || !p.Check(s.protocol) {
			s.metrics.protocolErrors.Inc()
			c.log.WithField("packet", p.Type()).Debugf("packet dropped: %s", ErrProtocolMismatch)
			return
		}
	}
	kind := JobPacket
	if c.OnHold() {
		kind = JobOnHold
	}
	if err := s.dispatcher.dispatch(Job{Kind: kind, Packet: p, Key: c.seq}); err != nil {
		c.log.WithField("packet", p.Type()).Warnf("dispatch packet err: %s", err)
	}
}

// runJob is where every job ends, inline or on a worker.
func (s *Server) runJob(job Job) {
	switch job.Kind {
	case JobPacket:
		s.handleRegistered(job.Packet)
	case JobOnHold:
		c := job.Packet.conn
		if c.OnHold() {
			s.handleOnHold(job.Packet)
			return
		}
		// dropped while the job was queued
		if c.IsClosed() && c.Client() == nil {
			return
		}
		// promoted while the job was queued
		s.handleRegistered(job.Packet)
	case JobCustom:
		if job.Fn != nil {
			job.Fn()
		}
	}
}

func (s *Server) handleRegistered(p *Packet) {
	p.client = p.conn.Client()
	router := s.router
	if p.client != nil && p.client.IsAdmin() {
		router = s.adminRouter
	}
	ctx := NewContext(p, s.Codec).WithContext(s.ctx)
	if !router.handleRequest(ctx) {
		s.metrics.badPackets.Inc()
		p.conn.log.WithField("route", router.key(p.Type(), p.HandlerID(), p.RequestType())).
			Debugf("packet dropped: %s", ErrRouteNotFound)
	}
}

// teardown releases everything the connection held, exactly once.
func (s *Server) teardown(c *Connection, reason error) {
	entry := c.log.WithField("reason", reason)
	switch {
	case reason == nil, reason == ErrConnectionClosed:
		entry.Trace("connection closed")
	case util.IsEOF(reason):
		entry.Debug("connection closed by peer")
	case isLost(reason):
		s.metrics.lostConnections.Inc()
		entry.Warn("connection lost")
	default:
		entry.Error("connection failed")
	}
	_ = c.Close()

	switch c.detach() {
	case stageOnHold:
		if isLost(reason) {
			s.metrics.onHoldDropped.WithLabelValues(dropReasonLost).Inc()
		}
		s.onHold.remove(c)
	case stageRegistered:
		if client, last := s.registryOf(c.Client()).RemoveConnection(c); last {
			s.clientDropped(client)
		}
	}
	s.conns.Delete(c.id)
	if s.OnConnectionClose != nil {
		s.OnConnectionClose(c)
	}
}

func (s *Server) clientDropped(client *Client) {
	s.log.WithField("client", client.id).Debug("client dropped")
	if s.OnClientDropped != nil {
		s.OnClientDropped(client)
	}
}

// DropClient closes every connection of client and unregisters it.
func (s *Server) DropClient(client *Client) {
	if client == nil {
		return
	}
	conns := s.registryOf(client).DropClient(client)
	if conns == nil {
		return
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.clientDropped(client)
}

// Broadcast sends p to every registered connection.
// Returns the number of connections p was written to.
func (s *Server) Broadcast(p *Packet) int {
	sent := 0
	s.registry.RangeConnections(func(c *Connection) bool {
		if _, err := c.Send(p, false); err == nil {
			sent++
		}
		return true
	})
	return sent
}

// Submit runs fn on the server's dispatcher.
// A non zero key keeps the order of jobs sharing it.
func (s *Server) Submit(key uint64, fn func()) error {
	return s.dispatcher.dispatch(Job{Kind: JobCustom, Fn: fn, Key: key})
}

// Stop stops server. Closing Listener and all connections,
// then waits for the queued jobs.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.cancel()
		if s.Listener != nil {
			err = s.Listener.Close()
		}
		closedNum := 0
		s.conns.Range(func(_, value interface{}) bool {
			_ = value.(*Connection).Close()
			closedNum++
			return true
		})
		s.connWg.Wait()
		s.dispatcher.stop()
		s.log.Tracef("%d connection(s) closed", closedNum)
	})
	return err
}

func (s *Server) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// AddRoute registers a handler for the packet type and request type.
// Pass AnyRequest to match every request type of t.
func (s *Server) AddRoute(t PacketType, requestType uint32, handler HandlerFunc, middlewares ...MiddlewareFunc) {
	s.router.register(s.router.key(t, 0, requestType), handler, middlewares...)
}

// AddHandlerRoute registers a handler in the application handler set handlerID.
// Only meaningful with ServerOption.MultipleHandlers.
func (s *Server) AddHandlerRoute(handlerID uint8, t PacketType, requestType uint32, handler HandlerFunc, middlewares ...MiddlewareFunc) {
	s.router.register(s.router.key(t, handlerID, requestType), handler, middlewares...)
}

// Use registers global middlewares to the router.
func (s *Server) Use(middlewares ...MiddlewareFunc) {
	s.router.registerMiddleware(middlewares...)
}

// NotFoundHandler sets the not-found handler for router.
func (s *Server) NotFoundHandler(handler HandlerFunc) {
	s.router.setNotFoundHandler(handler)
}

// AddAdminRoute registers a handler for packets of admin connections.
// Admins never reach the routes added by AddRoute.
func (s *Server) AddAdminRoute(t PacketType, requestType uint32, handler HandlerFunc, middlewares ...MiddlewareFunc) {
	s.adminRouter.register(s.adminRouter.key(t, 0, requestType), handler, middlewares...)
}

// Registry returns the registered clients.
func (s *Server) Registry() *ClientRegistry { return s.registry }

// Admins returns the authenticated admins.
func (s *Server) Admins() *ClientRegistry { return s.admins }

func (s *Server) registryOf(client *Client) *ClientRegistry {
	if client != nil && client.IsAdmin() {
		return s.admins
	}
	return s.registry
}

// OnHold returns the connections waiting for authentication.
func (s *Server) OnHold() *OnHoldSet { return s.onHold }

// Protocol returns the protocol configuration.
func (s *Server) Protocol() ProtocolConfig { return s.protocol }

// Name returns the server's name.
func (s *Server) Name() string { return s.name }

func (s *Server) registerBuiltinRoutes() {
	for _, add := range []func(PacketType, uint32, HandlerFunc, ...MiddlewareFunc){s.AddRoute, s.AddAdminRoute} {
		add(PacketTypeTest, AnyRequest, handleTest)
		add(PacketTypeClient, ClientRequestCloseConnection, handleCloseConnection)
		add(PacketTypeClient, ClientRequestDisconnect, s.handleDisconnect)
		add(PacketTypeCerver, AnyRequest, nilHandler)
		add(PacketTypeNone, AnyRequest, nilHandler)
	}
}

// handleTest echoes an empty TEST packet with the same request type.
func handleTest(ctx Context) {
	ctx.SetResponsePacket(NewPacket(PacketTypeTest, ctx.Packet().RequestType(), nil))
}

func handleCloseConnection(ctx Context) {
	_ = ctx.Connection().Close()
}

func (s *Server) handleDisconnect(ctx Context) {
	if client := ctx.Client(); client != nil {
		s.DropClient(client)
		return
	}
	_ = ctx.Connection().Close()
}
