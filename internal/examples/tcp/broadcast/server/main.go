package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/examples/fixture"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
}

func main() {
	s := cerver.NewServer(&cerver.ServerOption{
		DispatchMode: cerver.DispatchPool,
	})

	s.Use(fixture.RecoverMiddleware(log), fixture.LogMiddleware(log))

	s.AddRoute(cerver.PacketTypeApp, fixture.ReqBroadcast, func(ctx cerver.Context) {
		current := ctx.Connection()
		data := fmt.Sprintf("%s (broadcast from %s)", ctx.Packet().Data(), current.ID())
		msg := cerver.NewPacket(cerver.PacketTypeApp, fixture.ReqBroadcastMsg, []byte(data))

		// broadcasting to other connections
		s.Registry().RangeConnections(func(target *cerver.Connection) bool {
			if target != current {
				ctx.Copy().SetResponsePacket(msg).SendTo(target)
			}
			return true
		})

		_ = ctx.SetResponse(cerver.PacketTypeApp, fixture.ReqBroadcastAck, []byte("broadcast done"))
	})

	go func() {
		if err := s.Run(fixture.ServerAddr); err != nil {
			log.Error(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	if err := s.Stop(); err != nil {
		log.Errorf("server stopped err: %s", err)
	}
}
