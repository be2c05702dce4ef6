package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gocerver/cerver"
	"github.com/gocerver/cerver/internal/config"
)

type pingOptions struct {
	configPath  string
	addr        string
	count       int
	interval    time.Duration
	timeout     time.Duration
	credentials string
	token       string
	useTLS      bool
}

func pingCmd() *cobra.Command {
	var o pingOptions

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send TEST packets to a cerver server and print the round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ping(cmd, o)
		},
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Config file, for the protocol section and the default address")
	cmd.Flags().StringVarP(&o.addr, "addr", "a", "", "Server address, overrides server.addr")
	cmd.Flags().IntVarP(&o.count, "count", "n", 4, "Number of TEST packets")
	cmd.Flags().DurationVarP(&o.interval, "interval", "i", time.Second, "Wait between packets")
	cmd.Flags().DurationVarP(&o.timeout, "timeout", "t", time.Second*5, "Timeout of one round trip")
	cmd.Flags().StringVarP(&o.credentials, "credentials", "u", "", "Authenticate with user:password first")
	cmd.Flags().StringVar(&o.token, "token", "", "Authenticate with a session token first")
	cmd.Flags().BoolVar(&o.useTLS, "tls", false, "Dial with TLS, skipping certificate verification")

	return cmd
}

func ping(cmd *cobra.Command, o pingOptions) error {
	c, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.addr != "" {
		c.Server.Addr = o.addr
	}
	protocol, err := c.ProtocolConfig()
	if err != nil {
		return err
	}

	opt := &cerver.ClientOption{
		DialTimeout:  o.timeout,
		WriteTimeout: o.timeout,
		Protocol:     protocol,
	}
	if o.useTLS {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true} // nolint:gosec
	}
	client := cerver.NewClientConn(opt)
	if err := client.DialContext(cmd.Context(), c.Server.Addr); err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	switch {
	case o.token != "":
		if err := withTimeout(cmd.Context(), o.timeout, func(ctx context.Context) error {
			return client.AuthenticateWithToken(ctx, o.token)
		}); err != nil {
			return err
		}
		fmt.Fprintln(out, "authenticated with session token")
	case o.credentials != "":
		var token string
		if err := withTimeout(cmd.Context(), o.timeout, func(ctx context.Context) (err error) {
			token, err = client.Authenticate(ctx, []byte(o.credentials))
			return err
		}); err != nil {
			return err
		}
		fmt.Fprintln(out, "authenticated")
		if token != "" {
			fmt.Fprintf(out, "session token: %s\n", token)
		}
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Seq", "Round Trip", "Result"})
	table.SetAutoFormatHeaders(false)
	var (
		ok    int
		total time.Duration
	)
	for i := 0; i < o.count; i++ {
		if i > 0 {
			select {
			case <-time.After(o.interval):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}
		var rtt time.Duration
		err := withTimeout(cmd.Context(), o.timeout, func(ctx context.Context) (err error) {
			rtt, err = client.Ping(ctx, uint32(i))
			return err
		})
		if err != nil {
			table.Append([]string{fmt.Sprintf("%d", i), "-", err.Error()})
			continue
		}
		ok++
		total += rtt
		table.Append([]string{fmt.Sprintf("%d", i), rtt.String(), "ok"})
	}
	table.Render()
	if ok > 0 {
		fmt.Fprintf(out, "%d/%d answered, avg %s\n", ok, o.count, total/time.Duration(ok))
	} else {
		fmt.Fprintf(out, "0/%d answered\n", o.count)
	}
	return nil
}

func withTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx)
}
