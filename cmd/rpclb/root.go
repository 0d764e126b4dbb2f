// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bufbuild/rpclb"
	"github.com/bufbuild/rpclb/config"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/registry"
	"github.com/bufbuild/rpclb/registry/redisregistry"
	"github.com/bufbuild/rpclb/transport"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"
)

const defaultRedisURL = "redis://localhost:6379/0"

// app is the state shared by all commands, set up before any of them runs.
type app struct {
	configPath string
	logLevel   string
	redisURL   string
	socks5     string

	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
	logger log.Logger
	dialer proxy.ContextDialer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "rpclb",
		Short: "Client-side RPC load balancing runtime",
		Long: `rpclb talks to service instances registered in a Redis route registry.

Commands:
  probe    - check that endpoints accept TCP connections
  routes   - list or register service routes
  call     - invoke a service on a healthy instance
  version  - print the version`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (.toml, .yaml or .yml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error or none (default: config, else warn)")
	flags.StringVar(&a.redisURL, "redis", "", "route registry URL (default: config, else "+defaultRedisURL+")")
	flags.StringVar(&a.socks5, "socks5", "", "dial endpoints through this SOCKS5 proxy (host:port)")

	root.AddCommand(
		newProbeCommand(a),
		newRoutesCommand(a),
		newCallCommand(a),
		newVersionCommand(a),
	)
	return root
}

func (a *app) setup() error {
	a.cfg = &config.Config{}
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	logLevel := a.logLevel
	if logLevel == "" {
		logLevel = a.cfg.Log.Level
	}
	filter, err := levelFilter(logLevel)
	if err != nil {
		return err
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(a.stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	a.logger = level.NewFilter(logger, filter)

	a.dialer = proxy.Direct
	if a.socks5 != "" {
		dialer, err := proxy.SOCKS5("tcp", a.socks5, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks5 proxy: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return errors.New("socks5 proxy does not support contexts")
		}
		a.dialer = contextDialer
	}
	return nil
}

func levelFilter(name string) (level.Option, error) {
	switch strings.ToLower(name) {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "", "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	case "none":
		return level.AllowNone(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
}

// openRegistry connects to the route registry. The returned function
// releases it.
func (a *app) openRegistry() (*redisregistry.Registry, func(), error) {
	url := a.redisURL
	if url == "" {
		url = a.cfg.Registry.RedisURL
	}
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisregistry.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	opts := []redisregistry.Option{redisregistry.WithLogger(a.logger)}
	if a.cfg.Registry.Prefix != "" {
		opts = append(opts, redisregistry.WithPrefix(a.cfg.Registry.Prefix))
	}
	reg := redisregistry.New(client, opts...)
	return reg, func() {
		if err := reg.Close(); err != nil {
			_ = level.Warn(a.logger).Log("msg", "closing registry", "err", err)
		}
		if err := client.Close(); err != nil {
			_ = level.Warn(a.logger).Log("msg", "closing redis client", "err", err)
		}
	}, nil
}

// newClient builds a client for reg from the loaded configuration.
func (a *app) newClient(reg registry.Registry) (*rpclb.Client, error) {
	transportCfg := a.cfg.Transport
	tcpOpts := []transport.TCPOption{
		transport.WithDialer(a.dialer),
		transport.WithTCPLogger(a.logger),
	}
	if transportCfg.IdleTimeout.Duration > 0 {
		tcpOpts = append(tcpOpts, transport.WithIdleTimeout(transportCfg.IdleTimeout.Duration))
	}
	if transportCfg.WriteTimeout.Duration > 0 {
		tcpOpts = append(tcpOpts, transport.WithWriteTimeout(transportCfg.WriteTimeout.Duration))
	}
	if transportCfg.MaxFrameSize > 0 {
		tcpOpts = append(tcpOpts, transport.WithMaxFrameSize(transportCfg.MaxFrameSize))
	}

	var factoryOpts []transport.FactoryOption
	if transportCfg.ConnectTimeout.Duration > 0 {
		factoryOpts = append(factoryOpts, transport.WithConnectTimeout(transportCfg.ConnectTimeout.Duration))
	}
	if !transportCfg.DisableDiagnostics {
		factoryOpts = append(factoryOpts, transport.WithClientOptions(
			transport.WithDiagnostics(transport.NewLogSink(a.logger)),
		))
	}

	opts := []rpclb.ClientOption{
		rpclb.WithLogger(a.logger),
		rpclb.WithHealthConfig(a.cfg.Health.Monitor()),
		rpclb.WithPolicy(a.cfg.Selector.ParsedPolicy()),
		rpclb.WithProber(health.NewSocketProber(a.dialer)),
		rpclb.WithConnector(transport.NewTCPConnector(tcpOpts...)),
		rpclb.WithTransportOptions(factoryOpts...),
	}
	if transportCfg.RequestTimeout.Duration > 0 {
		opts = append(opts, rpclb.WithDefaultTimeout(transportCfg.RequestTimeout.Duration))
	}
	client, err := rpclb.NewClient(reg, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}
