package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/examples/fixture"
)

func main() {
	log := logrus.New()
	client := cerver.NewClientConn(&cerver.ClientOption{})
	client.AddRoute(cerver.PacketTypeApp, fixture.ReqPong, func(c cerver.Context) {
		log.Infof("rec <<< | req:(%d) size:(%d) data: %s", c.Packet().RequestType(), c.Packet().DataSize(), c.Packet().Data())
	})
	if err := client.Dial(fixture.ServerAddr); err != nil {
		panic(err)
	}
	defer client.Close() // nolint

	for {
		time.Sleep(time.Second)
		p := cerver.NewPacket(cerver.PacketTypeApp, fixture.ReqPing, []byte("ping, ping, ping"))
		if err := client.Send(p); err != nil {
			log.Errorf("send err: %s", err)
			return
		}
		log.Infof("snd >>> | req:(%d) size:(%d) data: %s", p.RequestType(), p.DataSize(), p.Data())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rtt, err := client.Ping(ctx, 1)
		cancel()
		if err != nil {
			log.Errorf("ping err: %s", err)
			continue
		}
		log.Infof("round trip: %s", rtt)
	}
}
