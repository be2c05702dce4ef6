// Package config loads cerverd settings from a file and CERVER_* environment variables.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/gocerver/cerver"
)

// EnvPrefix prefixes every environment variable, CERVER_SERVER_ADDR sets server.addr.
const EnvPrefix = "CERVER"

// Config is the cerverd configuration, one section per concern.
type Config struct {
	Server struct {
		Name                  string        `mapstructure:"name"`
		Addr                  string        `mapstructure:"addr"`
		ReadTimeout           time.Duration `mapstructure:"read_timeout"`
		WriteTimeout          time.Duration `mapstructure:"write_timeout"`
		ReceiveBufferSize     int           `mapstructure:"receive_buffer_size"`
		MaxPacketSize         uint64        `mapstructure:"max_packet_size"`
		SocketReadBufferSize  int           `mapstructure:"socket_read_buffer_size"`
		SocketWriteBufferSize int           `mapstructure:"socket_write_buffer_size"`
		SocketSendDelay       bool          `mapstructure:"socket_send_delay"`
		Codec                 string        `mapstructure:"codec"`
		PrintRoutes           bool          `mapstructure:"print_routes"`
		MultipleHandlers      bool          `mapstructure:"multiple_handlers"`
	} `mapstructure:"server"`

	TLS struct {
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`

	Protocol struct {
		// ID accepts numbers and strings like "0xbeef".
		ID      interface{} `mapstructure:"id"`
		Version string      `mapstructure:"version"` // "major.minor"
		Check   bool        `mapstructure:"check"`
	} `mapstructure:"protocol"`

	Dispatch struct {
		Mode          string `mapstructure:"mode"`
		Workers       int    `mapstructure:"workers"`
		MaxQueueDepth int    `mapstructure:"max_queue_depth"`
	} `mapstructure:"dispatch"`

	Auth struct {
		Required            bool          `mapstructure:"required"`
		Users               interface{}   `mapstructure:"users"`  // user name to password
		Admins              interface{}   `mapstructure:"admins"` // admin name to password
		MaxTries            int           `mapstructure:"max_tries"`
		OnHoldMaxBadPackets int           `mapstructure:"on_hold_max_bad_packets"`
		OnHoldTimeout       time.Duration `mapstructure:"on_hold_timeout"`
		Sessions            bool          `mapstructure:"sessions"`
	} `mapstructure:"auth"`

	Metrics struct {
		Addr      string `mapstructure:"addr"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// setDefaults registers every key, so AutomaticEnv can see them on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "cerver")
	v.SetDefault("server.addr", "127.0.0.1:7000")
	v.SetDefault("server.read_timeout", time.Duration(0))
	v.SetDefault("server.write_timeout", time.Second*5)
	v.SetDefault("server.receive_buffer_size", cerver.DefaultReceiveBufferSize)
	v.SetDefault("server.max_packet_size", cerver.DefaultMaxPacketSize)
	v.SetDefault("server.socket_read_buffer_size", 0)
	v.SetDefault("server.socket_write_buffer_size", 0)
	v.SetDefault("server.socket_send_delay", false)
	v.SetDefault("server.codec", "")
	v.SetDefault("server.print_routes", true)
	v.SetDefault("server.multiple_handlers", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("protocol.id", 0)
	v.SetDefault("protocol.version", "1.0")
	v.SetDefault("protocol.check", false)
	v.SetDefault("dispatch.mode", "inline")
	v.SetDefault("dispatch.workers", 0)
	v.SetDefault("dispatch.max_queue_depth", 0)
	v.SetDefault("auth.required", false)
	v.SetDefault("auth.users", map[string]string{})
	v.SetDefault("auth.admins", map[string]string{})
	v.SetDefault("auth.max_tries", cerver.DefaultAuthTries)
	v.SetDefault("auth.on_hold_max_bad_packets", 0)
	v.SetDefault("auth.on_hold_timeout", time.Duration(0))
	v.SetDefault("auth.sessions", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", cerver.DefaultMetricsNamespace)
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path, YAML, TOML or JSON by its extension.
// An empty path loads the defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// ProtocolConfig converts the protocol section.
func (c *Config) ProtocolConfig() (cerver.ProtocolConfig, error) {
	id, err := cast.ToUint32E(c.Protocol.ID)
	if err != nil {
		return cerver.ProtocolConfig{}, fmt.Errorf("protocol id: %w", err)
	}
	version, err := ParseVersion(c.Protocol.Version)
	if err != nil {
		return cerver.ProtocolConfig{}, err
	}
	return cerver.ProtocolConfig{ID: id, Version: version, CheckPackets: c.Protocol.Check}, nil
}

// ParseVersion parses "major" or "major.minor".
func ParseVersion(s string) (cerver.ProtocolVersion, error) {
	if s == "" {
		return cerver.ProtocolVersion{}, nil
	}
	parts := strings.SplitN(s, ".", 2)
	major, err := cast.ToUint16E(parts[0])
	if err != nil {
		return cerver.ProtocolVersion{}, fmt.Errorf("protocol version %q: %w", s, err)
	}
	var minor uint16
	if len(parts) == 2 {
		if minor, err = cast.ToUint16E(parts[1]); err != nil {
			return cerver.ProtocolVersion{}, fmt.Errorf("protocol version %q: %w", s, err)
		}
	}
	return cerver.ProtocolVersion{Major: major, Minor: minor}, nil
}

// Codec returns the payload codec named by server.codec, nil for none.
func (c *Config) Codec() (cerver.Codec, error) {
	return cerver.CodecByName(c.Server.Codec)
}

// Authenticator checks "user:password" credentials against auth.users.
// Returns nil when no user is configured.
func (c *Config) Authenticator() (cerver.Authenticator, error) {
	return passwordAuthenticator("users", c.Auth.Users)
}

// AdminAuthenticator is like Authenticator, against auth.admins.
func (c *Config) AdminAuthenticator() (cerver.Authenticator, error) {
	return passwordAuthenticator("admins", c.Auth.Admins)
}

func passwordAuthenticator(key string, raw interface{}) (cerver.Authenticator, error) {
	users, err := cast.ToStringMapStringE(raw)
	if err != nil {
		return nil, fmt.Errorf("auth %s: %w", key, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return cerver.AuthFunc(func(_ context.Context, credentials []byte) (interface{}, error) {
		user, password, ok := strings.Cut(string(credentials), ":")
		if !ok {
			return nil, fmt.Errorf("credentials must be user:password")
		}
		if want, has := users[user]; !has || want != password {
			return nil, fmt.Errorf("invalid credentials for %q", user)
		}
		return user, nil
	}), nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// ServerOption builds the option of a cerver.Server.
func (c *Config) ServerOption() (*cerver.ServerOption, error) {
	protocol, err := c.ProtocolConfig()
	if err != nil {
		return nil, err
	}
	mode, err := cerver.ParseDispatchMode(c.Dispatch.Mode)
	if err != nil {
		return nil, err
	}
	codec, err := c.Codec()
	if err != nil {
		return nil, err
	}
	auth, err := c.Authenticator()
	if err != nil {
		return nil, err
	}
	adminAuth, err := c.AdminAuthenticator()
	if err != nil {
		return nil, err
	}
	return &cerver.ServerOption{
		Name:                  c.Server.Name,
		SocketReadBufferSize:  c.Server.SocketReadBufferSize,
		SocketWriteBufferSize: c.Server.SocketWriteBufferSize,
		SocketSendDelay:       c.Server.SocketSendDelay,
		ReadTimeout:           c.Server.ReadTimeout,
		WriteTimeout:          c.Server.WriteTimeout,
		ReceiveBufferSize:     c.Server.ReceiveBufferSize,
		MaxPacketSize:         c.Server.MaxPacketSize,
		Protocol:              protocol,
		DispatchMode:          mode,
		Workers:               c.Dispatch.Workers,
		MaxQueueDepth:         c.Dispatch.MaxQueueDepth,
		MultipleHandlers:      c.Server.MultipleHandlers,
		Codec:                 codec,
		DoNotPrintRoutes:      !c.Server.PrintRoutes,
		RequireAuth:           c.Auth.Required,
		Authenticator:         auth,
		AdminAuthenticator:    adminAuth,
		MaxAuthTries:          c.Auth.MaxTries,
		OnHoldMaxBadPackets:   c.Auth.OnHoldMaxBadPackets,
		OnHoldTimeout:         c.Auth.OnHoldTimeout,
		UseSessions:           c.Auth.Sessions,
		MetricsNamespace:      c.Metrics.Namespace,
	}, nil
}
