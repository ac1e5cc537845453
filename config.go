// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the relay server configuration.
type Config struct {
	Host string `env:"HOST" envDefault:"localhost"`
	Port string `env:"PORT" envDefault:"3000"`

	// Path is the only HTTP path that accepts WebSocket upgrades.
	Path string `env:"UPGRADE_PATH" envDefault:"/gemini-ws"`

	// AppURL is the web application that receives every other request.
	AppURL string `env:"APP_URL"`

	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT"    envDefault:"5s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT"   envDefault:"10s"`
	MaxBufferedFrames int           `env:"MAX_BUFFERED_FRAMES" envDefault:"256"`
	MaxBufferedBytes  int           `env:"MAX_BUFFERED_BYTES"  envDefault:"1048576"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE"    envDefault:"1048576"`
	PingInterval      time.Duration `env:"PING_INTERVAL"       envDefault:"30s"`
	PongWait          time.Duration `env:"PONG_WAIT"           envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"    envDefault:"30s"`

	// AllowedUpstreams restricts handshake service URLs to these hosts.
	// Empty allows any host.
	AllowedUpstreams []string `env:"ALLOWED_UPSTREAMS" envSeparator:","`

	ServerCertFile string `env:"SERVER_CERT"`
	ServerKeyFile  string `env:"SERVER_KEY"`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the relay configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.Path == "" || c.Path[0] != '/' {
		return Config{}, fmt.Errorf("invalid upgrade path %q", c.Path)
	}

	switch {
	case c.ServerCertFile != "" && c.ServerKeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.ServerCertFile, c.ServerKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load server certificate: %w", err)
		}
		c.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	case c.ServerCertFile != "" || c.ServerKeyFile != "":
		return Config{}, fmt.Errorf("both server certificate and key are required for TLS")
	}

	return c, nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
