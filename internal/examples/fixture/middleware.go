package fixture

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver"
)

func RecoverMiddleware(log *logrus.Logger) cerver.MiddlewareFunc {
	return func(next cerver.HandlerFunc) cerver.HandlerFunc {
		return func(c cerver.Context) {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("conn", c.Connection().ID()).Errorf("PANIC | %+v | %s", r, debug.Stack())
				}
			}()
			next(c)
		}
	}
}

func LogMiddleware(log *logrus.Logger) cerver.MiddlewareFunc {
	return func(next cerver.HandlerFunc) cerver.HandlerFunc {
		return func(c cerver.Context) {
			req := c.Packet()
			log.Infof("rec <<< type:(%s) req:(%d) size:(%d) data: %s", req.Type(), req.RequestType(), req.DataSize(), req.Data())
			defer func() {
				if resp := c.Response(); resp != nil {
					log.Infof("snd >>> type:(%s) req:(%d) size:(%d) data: %s", resp.Type(), resp.RequestType(), resp.DataSize(), resp.Data())
				}
			}()
			next(c)
		}
	}
}
