package main

import (
	"fmt"
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
	senderClient()
	for i := 0; i < 10; i++ {
		readerClient(i)
	}

	select {}
}

func establish() (*cerver.ClientConn, error) {
	client := cerver.NewClientConn(&cerver.ClientOption{})
	return client, client.Dial(fixture.ServerAddr)
}

func senderClient() {
	client, err := establish()
	if err != nil {
		log.Error(err)
		return
	}
	client.AddRoute(cerver.PacketTypeApp, fixture.ReqBroadcastAck, func(c cerver.Context) {
		log.Infof("sender | recv ack | %s", c.Packet().Data())
	})
	go func() {
		for {
			time.Sleep(time.Second)
			data := []byte(fmt.Sprintf("hello everyone @%d", time.Now().Unix()))
			if err := client.Send(cerver.NewPacket(cerver.PacketTypeApp, fixture.ReqBroadcast, data)); err != nil {
				log.Error(err)
				return
			}
		}
	}()
}

func readerClient(id int) {
	client, err := establish()
	if err != nil {
		log.Error(err)
		return
	}
	client.AddRoute(cerver.PacketTypeApp, fixture.ReqBroadcastMsg, func(c cerver.Context) {
		log.Debugf("reader %03d | recv broadcast | %s", id, c.Packet().Data())
	})
}
