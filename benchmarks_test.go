package cerver

import (
	"net"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/gocerver/cerver/internal/testpayload/chat"
)

// go test -bench="^Benchmark_\w+$" -run=none -benchmem -benchtime=250000x

func benchServer(b *testing.B, opt *ServerOption, setup func(s *Server)) net.Conn {
	opt.DoNotPrintRoutes = true
	s := NewServer(opt)
	if setup != nil {
		setup(s)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go s.Serve(lis) // nolint
	b.Cleanup(func() { _ = s.Stop() })

	<-s.accepting

	// client
	client, err := net.Dial("tcp", lis.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = client.Close() })
	return client
}

func benchPacket(b *testing.B, p *Packet) []byte {
	if err := p.Generate(); err != nil {
		b.Fatal(err)
	}
	return p.Bytes()
}

func Benchmark_NoRoute(b *testing.B) {
	client := benchServer(b, &ServerOption{}, nil)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte("ping")))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_TestEcho(b *testing.B) {
	client := benchServer(b, &ServerOption{}, nil)
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeTest, 1, nil))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneHandler(b *testing.B) {
	client := benchServer(b, &ServerOption{}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			_ = ctx.SetResponse(PacketTypeApp, 2, []byte("pong"))
		})
	})
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte("ping")))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_ManyHandlers(b *testing.B) {
	var m MiddlewareFunc = func(next HandlerFunc) HandlerFunc {
		return func(ctx Context) {
			next(ctx)
		}
	}
	client := benchServer(b, &ServerOption{}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			_ = ctx.SetResponse(PacketTypeApp, 2, []byte("pong"))
		}, m, m)
	})
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte("ping")))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneHandlerPool(b *testing.B) {
	client := benchServer(b, &ServerOption{DispatchMode: DispatchPool}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			_ = ctx.SetResponse(PacketTypeApp, 2, []byte("pong"))
		})
	})
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte("ping")))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneRouteCtxGetSet(b *testing.B) {
	client := benchServer(b, &ServerOption{}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			ctx.Set("key", "value")
			v, _ := ctx.Get("key")
			_ = ctx.SetResponse(PacketTypeApp, 2, []byte(v.(string)))
		})
	})
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte("ping")))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneRouteJsonCodec(b *testing.B) {
	client := benchServer(b, &ServerOption{Codec: &JsonCodec{}}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			req := make(map[string]string)
			_ = ctx.Bind(&req)
			ctx.MustSetResponse(PacketTypeApp, 2, map[string]string{"data": "pong"})
		})
	})
	go drain(client)
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, []byte(`{"data": "ping"}`)))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneRouteProtobufCodec(b *testing.B) {
	codec := &ProtobufCodec{}
	client := benchServer(b, &ServerOption{Codec: codec}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			var req wrapperspb.StringValue
			_ = ctx.Bind(&req)
			ctx.MustSetResponse(PacketTypeApp, 2, wrapperspb.String(req.GetValue()+"-resp"))
		})
	})
	go drain(client)
	data, _ := codec.Encode(wrapperspb.String("test"))
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, data))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_OneRouteMsgpackCodec(b *testing.B) {
	codec := &MsgpackCodec{}
	client := benchServer(b, &ServerOption{Codec: codec}, func(s *Server) {
		s.AddRoute(PacketTypeApp, 1, func(ctx Context) {
			var req chat.Message
			_ = ctx.Bind(&req)
			ctx.MustSetResponse(PacketTypeApp, 2, &chat.Message{From: "test-resp", Seq: req.Seq + 1})
		})
	})
	go drain(client)
	data, _ := codec.Encode(&chat.Message{From: "test", Seq: 1})
	packed := benchPacket(b, NewPacket(PacketTypeApp, 1, data))
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		_, _ = client.Write(packed)
	}
}

func Benchmark_ReceiveHandle(b *testing.B) {
	packed := make([]byte, 0, 64*(HeaderSize+32))
	for i := 0; i < 64; i++ {
		packed = append(packed, benchPacket(b, NewPacket(PacketTypeApp, uint32(i), make([]byte, 32)))...)
	}
	h := NewReceiveHandle(0)
	deliver := func(*Packet) {}
	beforeBench(b)
	for i := 0; i < b.N; i++ {
		// odd chunking, every packet crosses a boundary
		for off := 0; off < len(packed); off += 37 {
			end := off + 37
			if end > len(packed) {
				end = len(packed)
			}
			if err := h.Feed(packed[off:end], deliver); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func drain(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func beforeBench(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
}
