package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/config"
	"github.com/gocerver/cerver/logger"
)

func serveCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cerver server",
		Long: `Run a cerver server. APP packets are echoed back to their sender.
Admins, configured under auth.admins, get the server stats as json instead.

Settings come from the config file, then CERVER_* environment variables,
then the flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				c.Server.Addr = addr
			}
			if metricsAddr != "" {
				c.Metrics.Addr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, toml or json)")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address, overrides server.addr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address, overrides metrics.addr")

	return cmd
}

func serve(ctx context.Context, c *config.Config) error {
	level, err := c.LogLevel()
	if err != nil {
		return err
	}
	logger.Default.SetLevel(level)
	log := logger.Scope("cerverd")

	opt, err := c.ServerOption()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opt.MetricsRegisterer = reg

	s := cerver.NewServer(opt)
	s.AddRoute(cerver.PacketTypeApp, cerver.AnyRequest, echoHandler)
	s.AddAdminRoute(cerver.PacketTypeApp, cerver.AnyRequest, statsHandler(s))
	s.OnClientAuthenticated = func(client *cerver.Client, conn *cerver.Connection) {
		log.WithFields(logrus.Fields{"client": client.ID(), "conn": conn.ID()}).Info("client authenticated")
	}
	s.OnClientDropped = func(client *cerver.Client) {
		log.WithField("client", client.ID()).Info("client dropped")
	}

	if c.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Addr:              c.Metrics.Addr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: time.Second * 5,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server err: %s", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		log.Infof("metrics at http://%s/metrics", c.Metrics.Addr)
	}

	errCh := make(chan error, 1)
	go func() {
		if c.TLS.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
			if err != nil {
				errCh <- fmt.Errorf("load tls key pair: %w", err)
				return
			}
			errCh <- s.RunTLS(c.Server.Addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
			return
		}
		errCh <- s.Run(c.Server.Addr)
	}()

	select {
	case err := <-errCh:
		_ = s.Stop()
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		if err := s.Stop(); err != nil {
			log.Debugf("server stop err: %s", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, cerver.ErrServerStopped) {
			return err
		}
		return nil
	}
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func echoHandler(ctx cerver.Context) {
	p := ctx.Packet()
	ctx.SetResponsePacket(cerver.NewPacket(cerver.PacketTypeApp, p.RequestType(), p.Data()))
}

// serverStats is what admins get back on APP packets.
type serverStats struct {
	Name        string `json:"name"`
	Clients     int    `json:"clients"`
	Connections int    `json:"connections"`
	OnHold      int    `json:"on_hold"`
	Admins      int    `json:"admins"`
}

func statsHandler(s *cerver.Server) cerver.HandlerFunc {
	return func(ctx cerver.Context) {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(serverStats{
			Name:        s.Name(),
			Clients:     s.Registry().Len(),
			Connections: s.Registry().ConnectionCount(),
			OnHold:      s.OnHold().Len(),
			Admins:      s.Admins().Len(),
		})
		if err != nil {
			ctx.SetResponsePacket(cerver.NewErrorPacket(cerver.ErrorTypeCerverError, err.Error()))
			return
		}
		ctx.SetResponsePacket(cerver.NewPacket(cerver.PacketTypeApp, ctx.Packet().RequestType(), b))
	}
}
