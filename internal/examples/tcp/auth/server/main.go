package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/examples/fixture"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.SetLevel(logrus.DebugLevel)
}

func main() {
	cerver.SetLogger(log)
	s := cerver.NewServer(&cerver.ServerOption{
		RequireAuth: true,
		Authenticator: cerver.AuthFunc(func(_ context.Context, credentials []byte) (interface{}, error) {
			if string(credentials) != "open sesame" {
				return nil, fmt.Errorf("wrong password")
			}
			return "ali baba", nil
		}),
		MaxAuthTries:        2,
		OnHoldTimeout:       time.Second * 10,
		OnHoldMaxBadPackets: 5,
		UseSessions:         true,
	})
	s.OnClientAuthenticated = func(client *cerver.Client, c *cerver.Connection) {
		log.Infof("client %s (%v) authenticated on %s, %d connection(s)", client.ID(), client.Identity(), c.ID(), client.ConnectionCount())
	}
	s.OnClientDropped = func(client *cerver.Client) {
		log.Warnf("client dropped: %s", client.ID())
	}

	s.Use(fixture.RecoverMiddleware(log))
	s.AddRoute(cerver.PacketTypeApp, fixture.ReqPing, func(c cerver.Context) {
		msg := fmt.Sprintf("pong to %v", c.Client().Identity())
		_ = c.SetResponse(cerver.PacketTypeApp, fixture.ReqPong, []byte(msg))
	})

	go func() {
		if err := s.Run(fixture.ServerAddr); err != nil {
			log.Errorf("serve err: %s", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	if err := s.Stop(); err != nil {
		log.Errorf("server stopped err: %s", err)
	}
}
