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
	"sync"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/metrics"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultRequestTimeout = 30 * time.Second

// ClientOption configures a Client.
type ClientOption interface {
	applyToClient(*Client)
}

// WithDefaultTimeout sets the timeout applied to calls whose context has no
// deadline. The default is 30 seconds. A value of zero or less disables it.
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.defaultTimeout = timeout
	})
}

// WithDiagnostics sets the sink that receives call diagnostics. By default
// no diagnostics are emitted.
func WithDiagnostics(sink DiagnosticSink) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.sink.sink = sink
	})
}

// WithClientLogger sets the logger of a Client.
func WithClientLogger(logger log.Logger) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.logger = logger
	})
}

// WithClientMetrics sets the collectors a Client records into.
func WithClientMetrics(metrics *metrics.Metrics) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.metrics = metrics
	})
}

func withRemoteEndpoint(ep endpoint.Endpoint) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.ep = ep
	})
}

func withClientClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(c *Client) {
		c.clock = clock
	})
}

type clientOptionFunc func(*Client)

func (f clientOptionFunc) applyToClient(c *Client) {
	f(c)
}

// Client sends requests over one connection and correlates the responses.
// It is safe for concurrent use.
type Client struct {
	conn           Conn
	ep             endpoint.Endpoint
	logger         log.Logger
	metrics        *metrics.Metrics
	sink           safeSink
	defaultTimeout time.Duration
	clock          internal.Clock

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
	// +checklocks:mu
	pending map[string]*pendingCall
	// +checklocks:mu
	closed bool
}

type pendingCall struct {
	once   sync.Once
	done   chan struct{}
	result *ResultMessage
	err    error
}

// complete resolves the call. Only the first completion takes effect.
func (p *pendingCall) complete(result *ResultMessage, err error) {
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
	})
}

// NewClient returns a client that sends over conn. Inbound messages must be
// passed to HandleMessage.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	client := &Client{
		conn:           conn,
		logger:         log.NewNopLogger(),
		defaultTimeout: defaultRequestTimeout,
		clock:          internal.NewRealClock(),
		done:           make(chan struct{}),
		pending:        map[string]*pendingCall{},
	}
	for _, opt := range opts {
		opt.applyToClient(client)
	}
	client.logger = log.With(client.logger, "component", "transport_client")
	client.sink.logger = client.logger
	return client
}

// Send sends invoke and waits for the matching response. It returns a
// typed failure (see package rpcerr) if the call is cancelled, the send
// fails, the client is closed, or the remote side reports an error.
func (c *Client) Send(ctx context.Context, invoke *InvokeMessage) (*ResultMessage, error) {
	if invoke == nil {
		return nil, rpcerr.New(rpcerr.KindValidation, "nil invoke message")
	}
	if _, ok := ctx.Deadline(); !ok && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	id := newMessageID()
	call := &pendingCall{done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rpcerr.New(rpcerr.KindCancelled, "transport client closed")
	}
	c.pending[id] = call
	c.mu.Unlock()
	c.metrics.AddPendingCalls(1)
	defer c.forget(id)

	event := DiagnosticEvent{
		MessageID: id,
		ServiceID: invoke.ServiceID,
		TraceID:   invoke.TraceID(),
		Endpoint:  c.ep,
		Invoke:    invoke,
	}
	start := c.clock.Now()
	c.sink.Before(event)

	if err := c.conn.Send(ctx, &Message{ID: id, Invoke: invoke}); err != nil {
		if ctx.Err() != nil {
			call.complete(nil, rpcerr.Wrap(rpcerr.KindCancelled, "call cancelled", ctx.Err()))
		} else {
			call.complete(nil, rpcerr.Wrap(rpcerr.KindCommunication, "send failed", err))
		}
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		call.complete(nil, rpcerr.Wrap(rpcerr.KindCancelled, "call cancelled", ctx.Err()))
	}

	event.Elapsed = c.clock.Since(start)
	if call.err != nil {
		event.Err = call.err
		c.sink.Error(event)
		return nil, call.err
	}
	event.Result = call.result
	c.sink.After(event)
	return call.result, nil
}

// HandleMessage dispatches an inbound response to the call awaiting it.
// Responses with no pending call, such as those arriving after the call was
// cancelled, are dropped.
func (c *Client) HandleMessage(msg *Message) {
	if msg == nil || msg.Result == nil {
		_ = level.Debug(c.logger).Log("msg", "dropping message without result")
		return
	}
	c.mu.Lock()
	call, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		_ = level.Debug(c.logger).Log("msg", "dropping response with no pending call", "message_id", msg.ID)
		return
	}
	c.metrics.AddPendingCalls(-1)
	call.complete(msg.Result, msg.Result.Err())
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done returns a channel that is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close completes every pending call as cancelled and closes the
// connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		calls := c.pending
		c.pending = map[string]*pendingCall{}
		c.mu.Unlock()

		c.metrics.AddPendingCalls(-len(calls))
		for _, call := range calls {
			call.complete(nil, rpcerr.New(rpcerr.KindCancelled, "transport client closed"))
		}
		c.closeErr = c.conn.Close()
		close(c.done)
	})
	return c.closeErr
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.metrics.AddPendingCalls(-1)
	}
}
