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

// Package registry defines the route registry that the RPC runtime consumes:
// the set of service routes, each carrying the addresses that currently serve
// it, plus notifications as routes are created, changed and removed.
//
// This package also provides an in-memory registry, Memory, which is useful
// for tests and for statically configured deployments. A Redis-backed
// implementation lives in the redisregistry sub-package.
package registry

import (
	"context"
	"errors"

	"github.com/bufbuild/rpclb/endpoint"
)

// ErrRouteNotFound is returned by Registry.Locate when no route is
// registered for the requested service ID.
var ErrRouteNotFound = errors.New("route not found")

// ServiceDescriptor describes a remote service. The ID is the key for all
// per-route state kept by consumers of the registry.
type ServiceDescriptor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Address is one instance that serves a route.
type Address struct {
	endpoint.Endpoint

	// ProcessorTime is a load metric reported by the instance. Lower values
	// indicate a less loaded instance.
	ProcessorTime float64 `json:"processorTime,omitempty"`
}

// Route associates a service with the addresses that serve it.
type Route struct {
	Descriptor ServiceDescriptor `json:"descriptor"`
	Addresses  []Address         `json:"addresses"`
}

// Endpoints returns the endpoints of all addresses in the route.
func (r Route) Endpoints() []endpoint.Endpoint {
	endpoints := make([]endpoint.Endpoint, len(r.Addresses))
	for i, addr := range r.Addresses {
		endpoints[i] = addr.Endpoint
	}
	return endpoints
}

// Listener receives route notifications. Each notification carries the
// route's full, current address set (no deltas). For OnRemoved, it is the
// address set the route had when it was removed.
//
// Listeners may be invoked concurrently and in any order relative to other
// listeners. They should return quickly; any slow work should be moved to
// another goroutine.
type Listener interface {
	OnCreated(Route)
	OnChanged(Route)
	OnRemoved(Route)
}

// ListenerFuncs adapts a set of functions to the Listener interface. Nil
// fields are ignored.
type ListenerFuncs struct {
	Created func(Route)
	Changed func(Route)
	Removed func(Route)
}

var _ Listener = ListenerFuncs{}

// OnCreated implements Listener.
func (l ListenerFuncs) OnCreated(route Route) {
	if l.Created != nil {
		l.Created(route)
	}
}

// OnChanged implements Listener.
func (l ListenerFuncs) OnChanged(route Route) {
	if l.Changed != nil {
		l.Changed(route)
	}
}

// OnRemoved implements Listener.
func (l ListenerFuncs) OnRemoved(route Route) {
	if l.Removed != nil {
		l.Removed(route)
	}
}

// Subscriber is the notification half of a registry.
type Subscriber interface {
	// Subscribe registers the given listener. The returned function removes
	// the registration; after it returns, the listener is not invoked again.
	Subscribe(Listener) (unsubscribe func())
}

// Registry stores service routes.
type Registry interface {
	Subscriber

	// Locate returns the route for the given service ID, or an error that
	// wraps ErrRouteNotFound.
	Locate(ctx context.Context, serviceID string) (Route, error)

	// Routes returns all routes currently registered.
	Routes(ctx context.Context) ([]Route, error)

	// RemoveAddresses removes the given endpoints from the route with the
	// given service ID. If serviceID is empty, the endpoints are removed from
	// every route. Routes that lose addresses are reported as changed.
	RemoveAddresses(ctx context.Context, endpoints []endpoint.Endpoint, serviceID string) error
}

// FilterAddresses returns the addresses of route that are not in remove,
// and whether anything was filtered out. The input slice is not modified.
func FilterAddresses(addresses []Address, remove map[endpoint.Endpoint]struct{}) ([]Address, bool) {
	kept := make([]Address, 0, len(addresses))
	for _, addr := range addresses {
		if _, ok := remove[addr.Endpoint]; ok {
			continue
		}
		kept = append(kept, addr)
	}
	return kept, len(kept) != len(addresses)
}
