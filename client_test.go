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
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/metrics"
	"github.com/bufbuild/rpclb/registry"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/selector"
	"github.com/bufbuild/rpclb/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemory(ordersRoute("10.0.0.1:9000", "10.0.0.2:9000"))
	service := newFakeService(func(ep endpoint.Endpoint, invoke *transport.InvokeMessage) *transport.ResultMessage {
		var id int
		if err := json.Unmarshal(invoke.Parameters["id"], &id); err != nil {
			return &transport.ResultMessage{ExceptionMessage: err.Error(), StatusCode: rpcerr.StatusRequestError}
		}
		data, _ := json.Marshal(map[string]any{"id": id, "served_by": ep.String()})
		return &transport.ResultMessage{Result: data}
	})
	client := newTestClient(t, reg, service)

	served := map[string]int{}
	for i := 0; i < 4; i++ {
		req, err := transport.NewInvokeMessage("", map[string]any{"id": i})
		require.NoError(t, err)
		result, err := client.Call(testContext(t), "orders", req)
		require.NoError(t, err)
		var reply struct {
			ID       int    `json:"id"`
			ServedBy string `json:"served_by"`
		}
		require.NoError(t, result.Decode(&reply))
		assert.Equal(t, i, reply.ID)
		served[reply.ServedBy]++
	}
	// Fair polling alternates between two equally loaded addresses.
	assert.Equal(t, map[string]int{"10.0.0.1:9000": 2, "10.0.0.2:9000": 2}, served)
	assert.Equal(t, []string{"orders"}, service.serviceIDs())
	assert.Equal(t, int32(2), service.connects.Load())
}

func TestCallFailures(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemory(
		registry.Route{Descriptor: registry.ServiceDescriptor{ID: "empty"}},
		ordersRoute("10.0.0.1:9000", "10.0.0.2:9000"),
	)
	service := newFakeService(nil)
	client := newTestClient(t, reg, service, WithProber(health.ProberFunc(func(context.Context, endpoint.Endpoint) bool {
		return false
	})))

	_, err := client.Call(testContext(t), "missing", &transport.InvokeMessage{})
	require.ErrorIs(t, err, rpcerr.AddressNotFound)
	require.ErrorIs(t, err, registry.ErrRouteNotFound)

	_, err = client.Call(testContext(t), "empty", &transport.InvokeMessage{})
	require.ErrorIs(t, err, rpcerr.AddressNotFound)

	_, err = client.Call(testContext(t), "orders", &transport.InvokeMessage{})
	require.ErrorIs(t, err, rpcerr.NoHealthyAddress)
	assert.Zero(t, service.connects.Load())
}

func TestInvokeRemoteError(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemory(ordersRoute("10.0.0.1:9000"))
	client := newTestClient(t, reg, newFakeService(func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage {
		return &transport.ResultMessage{ExceptionMessage: "out of stock", StatusCode: rpcerr.StatusUserFriendly}
	}))
	_, err := client.Invoke(testContext(t), "orders", endpoint.MustParse("10.0.0.1:9000"), &transport.InvokeMessage{})
	require.ErrorIs(t, err, rpcerr.UserFriendly)
	assert.Contains(t, err.Error(), "out of stock")

	_, err = client.Invoke(testContext(t), "orders", endpoint.MustParse("10.0.0.1:9000"), nil)
	require.ErrorIs(t, err, rpcerr.Validation)
}

func TestInvokeTimeoutsRemoveAddress(t *testing.T) {
	t.Parallel()
	slow := endpoint.MustParse("10.0.0.1:9000")
	fast := endpoint.MustParse("10.0.0.2:9000")
	reg := registry.NewMemory(ordersRoute(slow.String(), fast.String()))
	var silent atomic.Bool
	silent.Store(true)
	service := newFakeService(func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage {
		if silent.Load() {
			return nil
		}
		return &transport.ResultMessage{ExceptionMessage: "rejected", StatusCode: rpcerr.StatusBusinessError}
	})
	client := newTestClient(t, reg, service, WithHealthConfig(health.Config{TimeoutThreshold: 2}))

	invokeWithDeadline := func() error {
		ctx, cancel := context.WithTimeout(testContext(t), 20*time.Millisecond)
		defer cancel()
		_, err := client.Invoke(ctx, "orders", slow, &transport.InvokeMessage{})
		return err
	}

	err := invokeWithDeadline()
	require.ErrorIs(t, err, rpcerr.Cancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A response from the remote side starts the count over.
	silent.Store(false)
	require.ErrorIs(t, invokeWithDeadline(), rpcerr.Business)
	silent.Store(true)
	require.ErrorIs(t, invokeWithDeadline(), context.DeadlineExceeded)
	route, err := reg.Locate(testContext(t), "orders")
	require.NoError(t, err)
	assert.Len(t, route.Addresses, 2)

	require.ErrorIs(t, invokeWithDeadline(), context.DeadlineExceeded)
	route, err = reg.Locate(testContext(t), "orders")
	require.NoError(t, err)
	assert.Equal(t, []endpoint.Endpoint{fast}, route.Endpoints())
}

func TestInvokeConnectFailure(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemory(ordersRoute("10.0.0.1:9000"))
	connector := transport.ConnectorFunc(func(context.Context, endpoint.Endpoint, transport.Handler) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	})
	client, err := NewClient(reg, WithConnector(connector), WithProber(alwaysUp))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })

	_, err = client.Invoke(testContext(t), "orders", endpoint.MustParse("10.0.0.1:9000"), &transport.InvokeMessage{})
	require.ErrorIs(t, err, rpcerr.ConnectFailure)
	assert.Equal(t, health.StateUnhealthy, client.Monitor().State(endpoint.MustParse("10.0.0.1:9000")))
}

func TestClientMetrics(t *testing.T) {
	t.Parallel()
	promRegistry := prometheus.NewPedanticRegistry()
	reg := registry.NewMemory(ordersRoute("10.0.0.1:9000"))
	service := newFakeService(func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage {
		return &transport.ResultMessage{}
	})
	client := newTestClient(t, reg, service, WithMetrics(metrics.New(promRegistry)))

	_, err := client.Call(testContext(t), "orders", &transport.InvokeMessage{})
	require.NoError(t, err)
	_, err = client.Call(testContext(t), "billing", &transport.InvokeMessage{})
	require.Error(t, err)

	count, err := testutil.GatherAndCount(promRegistry, "rpclb_client_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = testutil.GatherAndCount(promRegistry, "rpclb_transport_pooled_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClientClose(t *testing.T) {
	t.Parallel()
	reg := registry.NewMemory(ordersRoute("10.0.0.1:9000"))
	service := newFakeService(func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage {
		return nil
	})
	client, err := NewClient(reg,
		WithConnector(service), WithProber(alwaysUp), WithPolicy(selector.PolicyRandom))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "orders", &transport.InvokeMessage{})
		errs <- err
	}()
	require.Eventually(t, func() bool { return service.sends.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, rpcerr.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled by Close")
	}
}

func TestNewClientUnknownPolicy(t *testing.T) {
	t.Parallel()
	_, err := NewClient(registry.NewMemory(), WithPolicy("least_loaded"), WithProber(alwaysUp))
	require.Error(t, err)
}

//nolint:gochecknoglobals
var alwaysUp = health.ProberFunc(func(context.Context, endpoint.Endpoint) bool { return true })

func newTestClient(t *testing.T, reg registry.Registry, service *fakeService, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithConnector(service), WithProber(alwaysUp)}, opts...)
	client, err := NewClient(reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })
	return client
}

func ordersRoute(addrs ...string) registry.Route {
	route := registry.Route{Descriptor: registry.ServiceDescriptor{ID: "orders", Name: "Orders"}}
	for _, addr := range addrs {
		route.Addresses = append(route.Addresses, registry.Address{Endpoint: endpoint.MustParse(addr)})
	}
	return route
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeService is an in-process connector. Every send is answered by
// respond, unless it returns nil.
type fakeService struct {
	respond  func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage
	connects atomic.Int32
	sends    atomic.Int32

	mu  sync.Mutex
	ids map[string]struct{}
}

func newFakeService(respond func(endpoint.Endpoint, *transport.InvokeMessage) *transport.ResultMessage) *fakeService {
	return &fakeService{respond: respond, ids: map[string]struct{}{}}
}

func (s *fakeService) Connect(_ context.Context, ep endpoint.Endpoint, handler transport.Handler) (transport.Conn, error) {
	s.connects.Add(1)
	return &fakeServiceConn{service: s, ep: ep, handler: handler}, nil
}

func (s *fakeService) serviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	return ids
}

type fakeServiceConn struct {
	service *fakeService
	ep      endpoint.Endpoint
	handler transport.Handler

	mu     sync.Mutex
	closed bool
}

func (c *fakeServiceConn) Send(_ context.Context, msg *transport.Message) error {
	c.service.sends.Add(1)
	c.service.mu.Lock()
	c.service.ids[msg.Invoke.ServiceID] = struct{}{}
	c.service.mu.Unlock()
	if c.service.respond == nil {
		return nil
	}
	result := c.service.respond(c.ep, msg.Invoke)
	if result == nil {
		return nil
	}
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			c.handler.HandleMessage(&transport.Message{ID: msg.ID, Result: result})
		}
	}()
	return nil
}

func (c *fakeServiceConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
