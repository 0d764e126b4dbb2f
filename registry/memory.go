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

package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bufbuild/rpclb/endpoint"
)

// Memory is an in-memory Registry. The zero value is not usable; create
// one with NewMemory.
type Memory struct {
	mu sync.Mutex
	// +checklocks:mu
	routes map[string]Route
	// +checklocks:mu
	listeners map[int]Listener
	// +checklocks:mu
	nextID int
}

var _ Registry = (*Memory)(nil)

// NewMemory returns an empty in-memory registry seeded with the given
// routes. No notifications are sent for the seed routes.
func NewMemory(routes ...Route) *Memory {
	mem := &Memory{
		routes:    make(map[string]Route, len(routes)),
		listeners: map[int]Listener{},
	}
	for _, route := range routes {
		mem.routes[route.Descriptor.ID] = cloneRoute(route)
	}
	return mem
}

// Subscribe implements Subscriber.
func (m *Memory) Subscribe(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Locate implements Registry.
func (m *Memory) Locate(_ context.Context, serviceID string) (Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	route, ok := m.routes[serviceID]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrRouteNotFound, serviceID)
	}
	return cloneRoute(route), nil
}

// Routes implements Registry. Routes are ordered by service ID.
func (m *Memory) Routes(_ context.Context) ([]Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	routes := make([]Route, 0, len(m.routes))
	for _, route := range m.routes {
		routes = append(routes, cloneRoute(route))
	}
	slices.SortFunc(routes, func(a, b Route) int {
		switch {
		case a.Descriptor.ID < b.Descriptor.ID:
			return -1
		case a.Descriptor.ID > b.Descriptor.ID:
			return 1
		default:
			return 0
		}
	})
	return routes, nil
}

// SetRoute creates or replaces a route, notifying listeners that the route
// was created or changed.
func (m *Memory) SetRoute(route Route) {
	route = cloneRoute(route)
	m.mu.Lock()
	_, existed := m.routes[route.Descriptor.ID]
	m.routes[route.Descriptor.ID] = route
	listeners := m.listenersLocked()
	m.mu.Unlock()

	for _, listener := range listeners {
		if existed {
			listener.OnChanged(cloneRoute(route))
		} else {
			listener.OnCreated(cloneRoute(route))
		}
	}
}

// DeleteRoute removes a route, notifying listeners if it existed.
func (m *Memory) DeleteRoute(serviceID string) {
	m.mu.Lock()
	route, existed := m.routes[serviceID]
	delete(m.routes, serviceID)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if !existed {
		return
	}
	for _, listener := range listeners {
		listener.OnRemoved(cloneRoute(route))
	}
}

// RemoveAddresses implements Registry. A route left without addresses is
// kept, with an empty address set.
func (m *Memory) RemoveAddresses(_ context.Context, endpoints []endpoint.Endpoint, serviceID string) error {
	remove := make(map[endpoint.Endpoint]struct{}, len(endpoints))
	for _, ep := range endpoints {
		remove[ep] = struct{}{}
	}

	m.mu.Lock()
	var changed []Route
	for id, route := range m.routes {
		if serviceID != "" && id != serviceID {
			continue
		}
		kept, filtered := FilterAddresses(route.Addresses, remove)
		if !filtered {
			continue
		}
		route.Addresses = kept
		m.routes[id] = route
		changed = append(changed, route)
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	for _, route := range changed {
		for _, listener := range listeners {
			listener.OnChanged(cloneRoute(route))
		}
	}
	return nil
}

// +checklocks:m.mu
func (m *Memory) listenersLocked() []Listener {
	listeners := make([]Listener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func cloneRoute(route Route) Route {
	route.Addresses = slices.Clone(route.Addresses)
	return route
}
