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

package redisregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedisURL = "redis://localhost:6379/0"

func testRoute(id string, hostPorts ...string) registry.Route {
	addrs := make([]registry.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addrs[i] = registry.Address{Endpoint: endpoint.MustParse(hostPort), ProcessorTime: float64(i)}
	}
	return registry.Route{Descriptor: registry.ServiceDescriptor{ID: id, Name: id}, Addresses: addrs}
}

func TestEventEncoding(t *testing.T) {
	t.Parallel()

	route := testRoute("svc.a", "10.0.0.1:80", "10.0.0.2:81")
	data, err := encodeEvent(eventTypeChanged, route)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"host":"10.0.0.1"`)

	eventType, decoded, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, eventTypeChanged, eventType)
	assert.Equal(t, route, decoded)

	_, _, err = decodeEvent([]byte(`{"type":"exploded"}`))
	require.Error(t, err)
	_, _, err = decodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	reg := New(nil)
	var seen []string
	reg.mu.Lock()
	reg.listeners[0] = registry.ListenerFuncs{
		Created: func(registry.Route) { seen = append(seen, eventTypeCreated) },
		Changed: func(registry.Route) { seen = append(seen, eventTypeChanged) },
		Removed: func(registry.Route) { seen = append(seen, eventTypeRemoved) },
	}
	reg.mu.Unlock()

	route := testRoute("svc.a")
	reg.dispatch(eventTypeCreated, route)
	reg.dispatch(eventTypeChanged, route)
	reg.dispatch(eventTypeRemoved, route)
	assert.Equal(t, []string{eventTypeCreated, eventTypeChanged, eventTypeRemoved}, seen)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	reg := New(nil, WithPrefix("test"))
	assert.Equal(t, "test:route:svc.a", reg.routeKey("svc.a"))
	assert.Equal(t, "test:routes", reg.indexKey())
	assert.Equal(t, "test:events", reg.eventsChannel())
}

func setupRedis(t *testing.T) *Registry {
	t.Helper()
	client, err := Dial(testRedisURL)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", testRedisURL, err)
	}
	prefix := "rpclb-test-" + uuid.NewString()
	reg := New(client, WithPrefix(prefix))
	t.Cleanup(func() {
		_ = reg.Close()
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = client.Close()
	})
	return reg
}

func TestRegistryRoundTrip(t *testing.T) {
	t.Parallel()
	reg := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, reg.SetRoute(ctx, testRoute("svc.a", "10.0.0.1:80", "10.0.0.2:80")))
	require.NoError(t, reg.SetRoute(ctx, testRoute("svc.b", "10.0.0.1:80")))

	route, err := reg.Locate(ctx, "svc.a")
	require.NoError(t, err)
	assert.Len(t, route.Addresses, 2)

	_, err = reg.Locate(ctx, "svc.missing")
	require.ErrorIs(t, err, registry.ErrRouteNotFound)

	require.NoError(t, reg.RemoveAddresses(ctx, []endpoint.Endpoint{endpoint.New("10.0.0.1", 80)}, "svc.a"))
	route, err = reg.Locate(ctx, "svc.a")
	require.NoError(t, err)
	assert.Equal(t, []endpoint.Endpoint{endpoint.New("10.0.0.2", 80)}, route.Endpoints())
	route, err = reg.Locate(ctx, "svc.b")
	require.NoError(t, err)
	assert.Len(t, route.Addresses, 1)

	require.NoError(t, reg.RemoveAddresses(ctx, []endpoint.Endpoint{endpoint.New("10.0.0.1", 80)}, ""))
	route, err = reg.Locate(ctx, "svc.b")
	require.NoError(t, err)
	assert.Empty(t, route.Addresses)

	require.NoError(t, reg.DeleteRoute(ctx, "svc.b"))
	routes, err := reg.Routes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "svc.a", routes[0].Descriptor.ID)
}

func TestRegistryEvents(t *testing.T) {
	t.Parallel()
	reg := setupRedis(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(kind string) func(registry.Route) {
		return func(route registry.Route) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, kind+":"+route.Descriptor.ID)
		}
	}
	reg.Subscribe(registry.ListenerFuncs{
		Created: record(eventTypeCreated),
		Changed: record(eventTypeChanged),
		Removed: record(eventTypeRemoved),
	})
	// Subscription is asynchronous; wait for it to be registered server-side.
	require.Eventually(t, func() bool {
		counts, err := reg.client.PubSubNumSub(ctx, reg.eventsChannel()).Result()
		return err == nil && counts[reg.eventsChannel()] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.SetRoute(ctx, testRoute("svc.a", "10.0.0.1:80")))
	require.NoError(t, reg.SetRoute(ctx, testRoute("svc.a", "10.0.0.1:80", "10.0.0.2:80")))
	require.NoError(t, reg.DeleteRoute(ctx, "svc.a"))

	want := []string{"created:svc.a", "changed:svc.a", "removed:svc.a"}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, events)
	}, 2*time.Second, 10*time.Millisecond)
}
