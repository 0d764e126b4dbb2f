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

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/metrics"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConnectTimeout     = 5 * time.Second
	defaultUnhealthyThreshold = 3
)

// FailureReporter is told about endpoints that could not be reached. It
// returns the endpoint's consecutive failure count. *health.Monitor
// implements this interface.
type FailureReporter interface {
	MarkFailure(ep endpoint.Endpoint) int
}

// FactoryOption configures a Factory.
type FactoryOption interface {
	applyToFactory(*Factory)
}

// WithConnectTimeout bounds each connection attempt. The default is 5
// seconds.
func WithConnectTimeout(timeout time.Duration) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.connectTimeout = timeout
	})
}

// WithIdleFailureThreshold sets how many failures an endpoint may report,
// counting idle periods, before an idle connection to it is closed. The
// default is 3.
func WithIdleFailureThreshold(threshold int) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.idleThreshold = threshold
	})
}

// WithClientOptions sets the options of the clients the factory creates.
func WithClientOptions(opts ...ClientOption) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.clientOpts = append(f.clientOpts, opts...)
	})
}

// WithLogger sets the logger of the factory and of the clients it creates.
func WithLogger(logger log.Logger) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.logger = logger
	})
}

// WithMetrics sets the collectors of the factory and of the clients it
// creates.
func WithMetrics(metrics *metrics.Metrics) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.metrics = metrics
	})
}

type factoryOptionFunc func(*Factory)

func (f factoryOptionFunc) applyToFactory(factory *Factory) {
	f(factory)
}

// Factory pools one Client per remote endpoint.
type Factory struct {
	connector      Connector
	reporter       FailureReporter
	connectTimeout time.Duration
	idleThreshold  int
	clientOpts     []ClientOption
	logger         log.Logger
	metrics        *metrics.Metrics

	// ctx bounds connection attempts; it is cancelled by Close so that
	// attempts do not depend on any one caller's context.
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	inflight singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	clients map[endpoint.Endpoint]*Client
	// +checklocks:mu
	closed bool
}

var errFactoryClosed = errors.New("transport factory closed")

// NewFactory returns a factory that connects with connector and reports
// unreachable endpoints to reporter, which may be nil.
func NewFactory(connector Connector, reporter FailureReporter, opts ...FactoryOption) *Factory {
	factory := &Factory{
		connector:      connector,
		reporter:       reporter,
		connectTimeout: defaultConnectTimeout,
		idleThreshold:  defaultUnhealthyThreshold,
		logger:         log.NewNopLogger(),
		clients:        map[endpoint.Endpoint]*Client{},
	}
	for _, opt := range opts {
		opt.applyToFactory(factory)
	}
	if factory.reporter == nil {
		factory.reporter = nopReporter{}
	}
	factory.clientOpts = append([]ClientOption{
		WithClientLogger(factory.logger),
		WithClientMetrics(factory.metrics),
	}, factory.clientOpts...)
	factory.logger = log.With(factory.logger, "component", "transport_factory")
	factory.ctx, factory.cancel = context.WithCancel(context.Background())
	return factory
}

// GetOrCreate returns the pooled client for ep, connecting if there is
// none. Concurrent callers for the same endpoint share one connection
// attempt. If ctx is done first, GetOrCreate returns a cancelled error but
// the attempt continues for the other callers.
func (f *Factory) GetOrCreate(ctx context.Context, ep endpoint.Endpoint) (*Client, error) {
	if client, err := f.lookup(ep); client != nil || err != nil {
		return client, err
	}
	results := f.inflight.DoChan(ep.String(), func() (any, error) {
		return f.connect(ep)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		client, _ := res.Val.(*Client)
		return client, nil
	case <-ctx.Done():
		return nil, rpcerr.Wrap(rpcerr.KindCancelled, fmt.Sprintf("waiting for connection to %s", ep), ctx.Err())
	}
}

// Len returns the number of pooled clients.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close closes every pooled client. Subsequent calls to GetOrCreate fail.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	clients := f.clients
	f.clients = map[endpoint.Endpoint]*Client{}
	f.mu.Unlock()

	f.cancel()
	f.metrics.AddPooledConns(-len(clients))
	var grp errgroup.Group
	for _, client := range clients {
		grp.Go(client.Close)
	}
	return grp.Wait()
}

func (f *Factory) lookup(ep endpoint.Endpoint) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, rpcerr.Wrap(rpcerr.KindCancelled, "get connection", errFactoryClosed)
	}
	return f.clients[ep], nil
}

func (f *Factory) connect(ep endpoint.Endpoint) (*Client, error) {
	// Another attempt may have completed between lookup and DoChan.
	if client, err := f.lookup(ep); client != nil || err != nil {
		return client, err
	}

	ctx, cancel := context.WithTimeout(f.ctx, f.connectTimeout)
	defer cancel()
	handler := &channelHandler{factory: f, ep: ep}
	conn, err := f.connector.Connect(ctx, ep, handler)
	if err != nil {
		f.metrics.RecordConnect(false)
		failures := f.reporter.MarkFailure(ep)
		_ = level.Warn(f.logger).Log("msg", "connect failed", "endpoint", ep, "unhealthy_times", failures, "err", err)
		return nil, rpcerr.Wrap(rpcerr.KindConnectFailure, fmt.Sprintf("connect to %s", ep), err)
	}
	f.metrics.RecordConnect(true)

	opts := append([]ClientOption{}, f.clientOpts...)
	opts = append(opts, withRemoteEndpoint(ep))
	client := NewClient(conn, opts...)
	handler.client.Store(client)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = client.Close()
		return nil, rpcerr.Wrap(rpcerr.KindCancelled, "get connection", errFactoryClosed)
	}
	f.clients[ep] = client
	f.mu.Unlock()
	f.metrics.AddPooledConns(1)

	if handler.inactive.Load() {
		// The connection died before it was pooled.
		f.evict(ep, client)
		return nil, rpcerr.New(rpcerr.KindCommunication, fmt.Sprintf("connection to %s closed", ep))
	}
	return client, nil
}

// evict removes client from the pool, if it is still the pooled client for
// ep, and closes it.
func (f *Factory) evict(ep endpoint.Endpoint, client *Client) {
	f.mu.Lock()
	pooled, ok := f.clients[ep]
	if ok && pooled == client {
		delete(f.clients, ep)
	}
	f.mu.Unlock()
	if ok && pooled == client {
		f.metrics.AddPooledConns(-1)
	}
	_ = client.Close()
}

// channelHandler routes connection events for one endpoint.
type channelHandler struct {
	factory *Factory
	ep      endpoint.Endpoint
	// +checkatomic
	client atomic.Pointer[Client]
	// +checkatomic
	inactive atomic.Bool
}

func (h *channelHandler) HandleMessage(msg *Message) {
	if client := h.client.Load(); client != nil {
		client.HandleMessage(msg)
	}
}

func (h *channelHandler) HandleIdle() {
	failures := h.factory.reporter.MarkFailure(h.ep)
	if failures <= h.factory.idleThreshold {
		return
	}
	_ = level.Warn(h.factory.logger).Log("msg", "closing idle connection", "endpoint", h.ep, "unhealthy_times", failures)
	h.close()
}

func (h *channelHandler) HandleInactive(err error) {
	if err != nil && errors.Is(err, rpcerr.Business) {
		_ = level.Debug(h.factory.logger).Log("msg", "ignoring business error on connection", "endpoint", h.ep, "err", err)
		return
	}
	if err != nil {
		_ = level.Warn(h.factory.logger).Log("msg", "connection failed", "endpoint", h.ep, "err", err)
	}
	h.close()
}

func (h *channelHandler) close() {
	h.inactive.Store(true)
	if client := h.client.Load(); client != nil {
		h.factory.evict(h.ep, client)
	}
}

type nopReporter struct{}

func (nopReporter) MarkFailure(endpoint.Endpoint) int {
	return 0
}
