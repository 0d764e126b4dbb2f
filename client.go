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

package rpclb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/metrics"
	"github.com/bufbuild/rpclb/registry"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/selector"
	"github.com/bufbuild/rpclb/transport"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithLogger configures the logger shared by the client and every
// component it creates. If not specified, nothing is logged.
func WithLogger(logger log.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithMetrics configures the collectors shared by the client and every
// component it creates. See metrics.New.
func WithMetrics(metrics *metrics.Metrics) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.metrics = metrics
	})
}

// WithHealthConfig configures the health monitor. Zero fields keep their
// defaults. The unhealthy threshold also bounds how many idle periods a
// connection may accumulate before it is closed.
func WithHealthConfig(cfg health.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.healthConfig = cfg
	})
}

// WithProber configures how the health monitor probes endpoints. If not
// specified, a TCP connect probe is used.
func WithProber(prober health.Prober) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.prober = prober
	})
}

// WithPolicy configures the address selection policy. If not specified,
// fair polling is used. It is ignored if WithSelector is also used.
func WithPolicy(policy selector.Policy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.policy = policy
	})
}

// WithSelector configures a custom address selector. If the selector
// implements io.Closer, it is closed when the client is closed.
func WithSelector(sel selector.Selector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.selector = sel
	})
}

// WithConnector configures how connections are established. If not
// specified, a TCP connector with length-prefixed JSON frames is used.
func WithConnector(connector transport.Connector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connector = connector
	})
}

// WithTransportOptions adds options for the connection pool and the
// transport clients it creates.
func WithTransportOptions(opts ...transport.FactoryOption) ClientOption {
	return clientOptionFunc(func(clientOpts *clientOptions) {
		clientOpts.transportOptions = append(clientOpts.transportOptions, opts...)
	})
}

// WithDefaultTimeout limits calls whose context has no deadline to the
// given timeout. If not specified, such calls time out after 30 seconds.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return WithTransportOptions(transport.WithClientOptions(transport.WithDefaultTimeout(duration)))
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	logger           log.Logger
	metrics          *metrics.Metrics
	healthConfig     health.Config
	prober           health.Prober
	policy           selector.Policy
	selector         selector.Selector
	connector        transport.Connector
	transportOptions []transport.FactoryOption
}

// Client issues calls to the services of a route registry. It selects an
// address per call, pools one connection per endpoint and keeps the
// health monitor informed of call outcomes.
type Client struct {
	registry registry.Registry
	monitor  *health.Monitor
	selector selector.Selector
	factory  *transport.Factory
	logger   log.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// NewClient returns a client for the routes of reg. It fails only if the
// configured policy is unknown.
func NewClient(reg registry.Registry, options ...ClientOption) (*Client, error) {
	opts := clientOptions{logger: log.NewNopLogger()}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.prober == nil {
		opts.prober = health.NewSocketProber(nil)
	}
	if opts.connector == nil {
		opts.connector = transport.NewTCPConnector(transport.WithTCPLogger(opts.logger))
	}

	monitor := health.NewMonitor(reg, opts.prober, opts.healthConfig,
		health.WithLogger(opts.logger), health.WithMetrics(opts.metrics))
	sel := opts.selector
	if sel == nil {
		var err error
		sel, err = selector.New(opts.policy, monitor, reg)
		if err != nil {
			_ = monitor.Close()
			return nil, err
		}
	}

	factoryOpts := []transport.FactoryOption{
		transport.WithLogger(opts.logger),
		transport.WithMetrics(opts.metrics),
	}
	if opts.healthConfig.UnhealthyThreshold > 0 {
		factoryOpts = append(factoryOpts, transport.WithIdleFailureThreshold(opts.healthConfig.UnhealthyThreshold))
	}
	factoryOpts = append(factoryOpts, opts.transportOptions...)

	return &Client{
		registry: reg,
		monitor:  monitor,
		selector: sel,
		factory:  transport.NewFactory(opts.connector, monitor, factoryOpts...),
		logger:   log.With(opts.logger, "component", "client"),
		metrics:  opts.metrics,
	}, nil
}

// Call invokes the service identified by serviceID on one of the addresses
// of its route, chosen by the client's selector.
func (c *Client) Call(ctx context.Context, serviceID string, req *transport.InvokeMessage) (*transport.ResultMessage, error) {
	route, err := c.registry.Locate(ctx, serviceID)
	if err != nil {
		if errors.Is(err, registry.ErrRouteNotFound) {
			err = rpcerr.Wrap(rpcerr.KindAddressNotFound, fmt.Sprintf("no route for service %q", serviceID), err)
		}
		c.metrics.RecordCall(rpcerr.KindOf(err).String())
		return nil, err
	}
	addr, err := c.selector.Select(ctx, route.Descriptor, route.Addresses)
	if err != nil {
		c.metrics.RecordCall(rpcerr.KindOf(err).String())
		return nil, err
	}
	return c.Invoke(ctx, serviceID, addr.Endpoint, req)
}

// Invoke invokes the service identified by serviceID on ep. The service ID
// of req is replaced with serviceID.
//
// A call that runs out of time counts as a timeout of ep for serviceID; a
// call that gets any response from the remote side clears that count.
func (c *Client) Invoke(
	ctx context.Context,
	serviceID string,
	ep endpoint.Endpoint,
	req *transport.InvokeMessage,
) (*transport.ResultMessage, error) {
	if req == nil {
		err := rpcerr.New(rpcerr.KindValidation, "nil invoke message")
		c.metrics.RecordCall(rpcerr.KindOf(err).String())
		return nil, err
	}
	invoke := *req
	invoke.ServiceID = serviceID

	client, err := c.factory.GetOrCreate(ctx, ep)
	if err != nil {
		c.metrics.RecordCall(rpcerr.KindOf(err).String())
		return nil, err
	}
	result, err := client.Send(ctx, &invoke)
	switch {
	case err == nil:
		c.monitor.MarkSuccess(ep, serviceID)
		c.metrics.RecordCall("ok")
		return result, nil
	case errors.Is(err, context.DeadlineExceeded):
		_ = level.Debug(c.logger).Log("msg", "call timed out", "endpoint", ep, "service_id", serviceID)
		c.monitor.MarkTimeout(context.WithoutCancel(ctx), ep, serviceID)
	case isRemote(err):
		c.monitor.MarkSuccess(ep, serviceID)
	}
	c.metrics.RecordCall(rpcerr.KindOf(err).String())
	return nil, err
}

// Monitor returns the health monitor of the client.
func (c *Client) Monitor() *health.Monitor {
	return c.monitor
}

// Close closes every pooled connection, completing pending calls as
// cancelled, and stops health monitoring. The client cannot be used after
// it has been closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var group errgroup.Group
		if closer, ok := c.selector.(io.Closer); ok {
			group.Go(closer.Close)
		}
		group.Go(c.factory.Close)
		group.Go(c.monitor.Close)
		c.closeErr = group.Wait()
	})
	return c.closeErr
}

// isRemote reports whether err was reported by the remote side, which
// means the endpoint answered.
func isRemote(err error) bool {
	switch rpcerr.KindOf(err) {
	case rpcerr.KindBusiness, rpcerr.KindValidation, rpcerr.KindDataAccess,
		rpcerr.KindUnauthorized, rpcerr.KindUnauthenticated,
		rpcerr.KindUserFriendly, rpcerr.KindPlatform:
		return true
	default:
		return false
	}
}
