package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/examples/fixture"
)

var log = logrus.New()

func dial(name string) *cerver.ClientConn {
	client := cerver.NewClientConn(&cerver.ClientOption{})
	client.AddRoute(cerver.PacketTypeApp, fixture.ReqPong, func(c cerver.Context) {
		log.Infof("%s | rec <<< %s", name, c.Packet().Data())
	})
	if err := client.Dial(fixture.ServerAddr); err != nil {
		panic(err)
	}
	return client
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	first := dial("first")
	defer first.Close() // nolint
	if _, err := first.Authenticate(ctx, []byte("abracadabra")); err != nil {
		log.Warnf("first try: %s", err)
	}
	token, err := first.Authenticate(ctx, []byte("open sesame"))
	if err != nil {
		panic(err)
	}
	log.Infof("session token: %s", token)

	// a second connection joins the same client
	second := dial("second")
	defer second.Close() // nolint
	if err := second.AuthenticateWithToken(ctx, token); err != nil {
		panic(err)
	}

	for i := 0; i < 3; i++ {
		_ = first.Send(cerver.NewPacket(cerver.PacketTypeApp, fixture.ReqPing, nil))
		_ = second.Send(cerver.NewPacket(cerver.PacketTypeApp, fixture.ReqPing, nil))
		time.Sleep(time.Second)
	}

	// drops both connections
	if err := second.Disconnect(); err != nil {
		log.Errorf("disconnect err: %s", err)
	}
	<-first.Done()
	log.Infof("first closed: %v", first.Err())
}
