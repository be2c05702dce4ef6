package cerver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveTest starts s on a loopback listener and stops it when the test ends.
func serveTest(t *testing.T, s *Server) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		assert.ErrorIs(t, s.Serve(lis), ErrServerStopped)
		close(done)
	}()
	<-s.accepting
	t.Cleanup(func() {
		assert.NoError(t, s.Stop())
		<-done
	})
	return lis.Addr().String()
}

func newTestServer(t *testing.T, opt *ServerOption) (*Server, string) {
	t.Helper()
	opt.DoNotPrintRoutes = true
	s := NewServer(opt)
	return s, serveTest(t, s)
}

func dialTest(t *testing.T, addr string, opt *ClientOption) *ClientConn {
	t.Helper()
	if opt == nil {
		opt = &ClientOption{}
	}
	c := NewClientConn(opt)
	require.NoError(t, c.Dial(addr))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	t.Cleanup(cancel)
	return ctx
}

func TestNewServer(t *testing.T) {
	s := NewServer(&ServerOption{})
	assert.Equal(t, "cerver", s.Name())
	assert.Equal(t, DefaultReceiveBufferSize, s.receiveBufferSize)
	assert.EqualValues(t, DefaultMaxPacketSize, s.maxPacketSize)
	assert.Equal(t, DefaultAuthTries, s.maxAuthTries)
	assert.True(t, s.printRoutes)
	assert.Nil(t, s.dispatcher.pool)
	assert.NotNil(t, s.accepting)
	assert.NotNil(t, s.stopped)
	assert.NotNil(t, s.Registry())
	assert.NotNil(t, s.OnHold())
	assert.NoError(t, s.Stop(), "stop before serve")

	s = NewServer(&ServerOption{
		Name:          "pooled",
		DispatchMode:  DispatchPool,
		Workers:       3,
		MaxPacketSize: 1024,
		MaxAuthTries:  5,
		Protocol:      ProtocolConfig{ID: 1, CheckPackets: true},
	})
	defer s.Stop()
	assert.Equal(t, 3, s.dispatcher.pool.Workers())
	assert.EqualValues(t, 1024, s.maxPacketSize)
	assert.Equal(t, 5, s.maxAuthTries)
	assert.True(t, s.Protocol().CheckPackets)
}

func TestServer_Serve(t *testing.T) {
	server := NewServer(&ServerOption{DoNotPrintRoutes: true})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		assert.ErrorIs(t, server.Serve(lis), ErrServerStopped)
		close(done)
	}()
	<-server.accepting
	time.Sleep(time.Millisecond * 5)
	assert.NoError(t, server.Stop())
	<-done
}

func TestServer_Run(t *testing.T) {
	server := NewServer(&ServerOption{DoNotPrintRoutes: true})
	done := make(chan struct{})
	go func() {
		assert.ErrorIs(t, server.Run("127.0.0.1:0"), ErrServerStopped)
		close(done)
	}()
	<-server.accepting
	time.Sleep(time.Millisecond * 5)
	assert.NoError(t, server.Stop())
	<-done

	assert.Error(t, NewServer(&ServerOption{}).Run("bad address"))
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestServer_RunTLS(t *testing.T) {
	server := NewServer(&ServerOption{DoNotPrintRoutes: true})
	cfg := &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}}

	addrCh := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		lis, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
		if !assert.NoError(t, err) {
			close(addrCh)
			close(done)
			return
		}
		addrCh <- lis.Addr().String()
		assert.ErrorIs(t, server.Serve(lis), ErrServerStopped)
		close(done)
	}()
	addr, ok := <-addrCh
	require.True(t, ok)
	<-server.accepting

	client := dialTest(t, addr, &ClientOption{TLSConfig: &tls.Config{InsecureSkipVerify: true}})
	_, err := client.Ping(testCtx(t), 1)
	assert.NoError(t, err)

	assert.NoError(t, server.Stop())
	<-done

	assert.Error(t, NewServer(&ServerOption{}).RunTLS("bad address", cfg))
}

func TestServer_testRoundTrip(t *testing.T) {
	for _, mode := range []DispatchMode{DispatchInline, DispatchPool} {
		t.Run(mode.String(), func(t *testing.T) {
			s, addr := newTestServer(t, &ServerOption{DispatchMode: mode, Workers: 2})
			client := dialTest(t, addr, nil)

			rtt, err := client.Ping(testCtx(t), 42)
			require.NoError(t, err)
			assert.Greater(t, rtt, time.Duration(0))
			assert.Eventually(t, func() bool {
				return testutil.ToFloat64(s.metrics.packetsReceived.WithLabelValues("TEST")) == 1
			}, time.Second, time.Millisecond*5)
		})
	}
}

func TestServer_AddRoute(t *testing.T) {
	type greeting struct {
		Name string `json:"name"`
	}
	s := NewServer(&ServerOption{DoNotPrintRoutes: true, Codec: &JsonCodec{}})
	s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
		var req greeting
		if !assert.NoError(t, ctx.Bind(&req)) {
			return
		}
		ctx.MustSetResponse(PacketTypeApp, 2, greeting{Name: "hello " + req.Name})
	})
	addr := serveTest(t, s)

	client := dialTest(t, addr, &ClientOption{Codec: &JsonCodec{}})
	replies := make(chan string, 1)
	client.AddRoute(PacketTypeApp, 2, func(ctx Context) {
		var resp greeting
		assert.NoError(t, ctx.Bind(&resp))
		replies <- resp.Name
	})
	require.NoError(t, client.Send(NewPacket(PacketTypeApp, 1, []byte(`{"name":"cerver"}`))))
	select {
	case name := <-replies:
		assert.Equal(t, "hello cerver", name)
	case <-time.After(time.Second * 3):
		t.Fatal("no reply")
	}
}

func TestServer_middlewareAndNotFound(t *testing.T) {
	s := NewServer(&ServerOption{DoNotPrintRoutes: true})
	var mu sync.Mutex
	var seen []PacketType
	s.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx Context) {
			mu.Lock()
			seen = append(seen, ctx.Packet().Type())
			mu.Unlock()
			next(ctx)
		}
	})
	notFound := make(chan uint32, 1)
	s.NotFoundHandler(func(ctx Context) { notFound <- ctx.Packet().RequestType() })
	addr := serveTest(t, s)

	client := dialTest(t, addr, nil)
	require.NoError(t, client.Send(NewPacket(PacketTypeApp, 77, nil)))
	assert.EqualValues(t, 77, <-notFound)

	// the connection survives an unknown route
	_, err := client.Ping(testCtx(t), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, testutil.ToFloat64(s.metrics.badPackets))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []PacketType{PacketTypeApp, PacketTypeTest}, seen)
}

func TestServer_poolKeepsConnectionOrder(t *testing.T) {
	const n = 200
	s := NewServer(&ServerOption{DoNotPrintRoutes: true, DispatchMode: DispatchPool, Workers: 4})
	var mu sync.Mutex
	var got []uint32
	done := make(chan struct{})
	s.AddRoute(PacketTypeApp, AnyRequest, func(ctx Context) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ctx.Packet().RequestType())
		if len(got) == n {
			close(done)
		}
	})
	addr := serveTest(t, s)
	client := dialTest(t, addr, nil)
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(NewPacket(PacketTypeApp, uint32(i), []byte{byte(i)})))
	}
	select {
	case <-done:
	case <-time.After(time.Second * 3):
		t.Fatal("packets missing")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, req := range got {
		assert.EqualValues(t, i, req)
	}
}

func TestServer_lostConnection(t *testing.T) {
	s, addr := newTestServer(t, &ServerOption{MaxPacketSize: 128})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	hdr, err := PacketHeader{PacketType: PacketTypeApp, RequestType: 1, PacketSize: 129}.Encode()
	require.NoError(t, err)
	_, err = conn.Write(hdr)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*3)))
	_, err = io.ReadAll(conn)
	assert.NoError(t, err, "server closes the connection")
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.lostConnections) == 1 && s.Registry().ConnectionCount() == 0
	}, time.Second, time.Millisecond*5)
}

func TestServer_closeConnection(t *testing.T) {
	closed := make(chan *Connection, 1)
	opened := make(chan *Connection, 1)
	dropped := make(chan *Client, 1)
	s := NewServer(&ServerOption{DoNotPrintRoutes: true})
	s.OnConnectionOpen = func(c *Connection) { opened <- c }
	s.OnConnectionClose = func(c *Connection) { closed <- c }
	s.OnClientDropped = func(client *Client) { dropped <- client }
	addr := serveTest(t, s)

	client := dialTest(t, addr, nil)
	c := <-opened
	require.NoError(t, client.Send(NewPacket(PacketTypeClient, ClientRequestCloseConnection, nil)))
	assert.Same(t, c, <-closed)
	assert.NotNil(t, <-dropped)
	<-client.Done()
	assert.Zero(t, s.Registry().Len())
}

func TestServer_protocolCheck(t *testing.T) {
	cfg := ProtocolConfig{ID: 0xbeef, Version: ProtocolVersion{Major: 2, Minor: 1}, CheckPackets: true}
	s, addr := newTestServer(t, &ServerOption{Protocol: cfg})

	t.Run("compatible peer", func(t *testing.T) {
		client := dialTest(t, addr, &ClientOption{Protocol: ProtocolConfig{ID: 0xbeef, Version: ProtocolVersion{Major: 2}, CheckPackets: true}})
		_, err := client.Ping(testCtx(t), 1)
		assert.NoError(t, err)
	})
	t.Run("untagged peer", func(t *testing.T) {
		client := dialTest(t, addr, nil)
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
		defer cancel()
		_, err := client.Ping(ctx, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("newer major version", func(t *testing.T) {
		client := dialTest(t, addr, &ClientOption{Protocol: ProtocolConfig{ID: 0xbeef, Version: ProtocolVersion{Major: 3}, CheckPackets: true}})
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
		defer cancel()
		_, err := client.Ping(ctx, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	assert.EqualValues(t, 2, testutil.ToFloat64(s.metrics.protocolErrors))
}

func TestServer_Broadcast(t *testing.T) {
	s, addr := newTestServer(t, &ServerOption{})
	got := make(chan uint32, 2)
	for i := 0; i < 2; i++ {
		client := dialTest(t, addr, nil)
		client.AddRoute(PacketTypeApp, AnyRequest, func(ctx Context) { got <- ctx.Packet().RequestType() })
	}
	require.Eventually(t, func() bool { return s.Registry().ConnectionCount() == 2 }, time.Second, time.Millisecond*5)

	assert.Equal(t, 2, s.Broadcast(NewPacket(PacketTypeApp, 5, []byte("all"))))
	assert.EqualValues(t, 5, <-got)
	assert.EqualValues(t, 5, <-got)
}

func TestServer_Submit(t *testing.T) {
	s := NewServer(&ServerOption{DoNotPrintRoutes: true, DispatchMode: DispatchPool, Workers: 1})
	ran := make(chan struct{})
	require.NoError(t, s.Submit(1, func() { close(ran) }))
	<-ran
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Submit(1, func() {}), ErrPoolStopped)
}

func TestServer_Stop_closesConnections(t *testing.T) {
	s := NewServer(&ServerOption{DoNotPrintRoutes: true})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(lis) // nolint
	<-s.accepting

	client := NewClientConn(&ClientOption{})
	require.NoError(t, client.Dial(lis.Addr().String()))
	require.Eventually(t, func() bool { return s.Registry().ConnectionCount() == 1 }, time.Second, time.Millisecond*5)

	require.NoError(t, s.Stop())
	<-client.Done()
	assert.Zero(t, s.Registry().ConnectionCount())
	assert.NoError(t, s.Stop(), "second stop is a no-op")
}

func TestServer_metricsRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, addr := newTestServer(t, &ServerOption{MetricsRegisterer: reg, MetricsNamespace: "test"})
	client := dialTest(t, addr, nil)
	_, err := client.Ping(testCtx(t), 1)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_packets_received_total")
	assert.Contains(t, names, "test_connections")
	assert.EqualValues(t, 1, testutil.ToFloat64(s.metrics.registeredClients))
}

func TestServer_testPacketEcho(t *testing.T) {
	_, addr := newTestServer(t, &ServerOption{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*3)))

	p := NewPacket(PacketTypeTest, 0, nil)
	require.NoError(t, p.Generate())
	_, err = conn.Write(p.Bytes())
	require.NoError(t, err)

	echo := readPackets(t, conn, 1)[0]
	assert.Equal(t, PacketTypeTest, echo.Type())
	assert.Zero(t, echo.RequestType())
	assert.Zero(t, echo.DataSize())
}
