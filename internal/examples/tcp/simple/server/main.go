package main

import (
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
		ReadTimeout:  time.Second * 3,
		WriteTimeout: time.Second * 3,
	})
	s.OnConnectionOpen = func(c *cerver.Connection) {
		log.Infof("connection opened: %s", c.ID())
	}
	s.OnConnectionClose = func(c *cerver.Connection) {
		log.Warnf("connection closed: %s", c.ID())
	}

	// register global middlewares
	s.Use(fixture.RecoverMiddleware(log), fixture.LogMiddleware(log))

	// register a route
	s.AddRoute(cerver.PacketTypeApp, fixture.ReqPing, func(c cerver.Context) {
		_ = c.SetResponse(cerver.PacketTypeApp, fixture.ReqPong, []byte("pong, pong, pong"))
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
