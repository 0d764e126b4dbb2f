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

package selector

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpclb/registry"
)

// FairPolling rotates through a route's addresses, starting from the least
// loaded. Use NewFairPolling to create one and Close to release its
// registry subscription.
type FairPolling struct {
	checker     HealthChecker
	unsubscribe func()

	mu sync.RWMutex
	// +checklocks:mu
	entries map[string]*addressEntry
}

var _ Selector = (*FairPolling)(nil)

// NewFairPolling returns the fair polling selector. If subscriber is not nil,
// the cached snapshot of a route is dropped whenever the route changes or
// is removed; otherwise snapshots are only rebuilt when the number of
// candidates differs.
func NewFairPolling(checker HealthChecker, subscriber registry.Subscriber) *FairPolling {
	sel := &FairPolling{
		checker: checker,
		entries: map[string]*addressEntry{},
	}
	sel.unsubscribe = func() {}
	if subscriber != nil {
		sel.unsubscribe = subscriber.Subscribe(registry.ListenerFuncs{
			Changed: sel.invalidate,
			Removed: sel.invalidate,
		})
	}
	return sel
}

// Select implements Selector.
func (s *FairPolling) Select(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	return selectWith(ctx, desc, candidates, s.poll)
}

// Close cancels the registry subscription.
func (s *FairPolling) Close() error {
	s.unsubscribe()
	return nil
}

func (s *FairPolling) poll(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	entry := s.entryFor(desc.ID, candidates)
	for range entry.len() {
		addr := entry.next()
		if s.checker.IsHealthy(ctx, addr.Endpoint) {
			return addr, nil
		}
	}
	return registry.Address{}, noHealthyAddress(desc, entry.len())
}

func (s *FairPolling) entryFor(serviceID string, candidates []registry.Address) *addressEntry {
	s.mu.RLock()
	entry, ok := s.entries[serviceID]
	s.mu.RUnlock()
	if ok && entry.len() == len(candidates) {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[serviceID]; ok && entry.len() == len(candidates) {
		return entry
	}
	entry = newAddressEntry(candidates)
	s.entries[serviceID] = entry
	return entry
}

func (s *FairPolling) invalidate(route registry.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, route.Descriptor.ID)
}

// addressEntry is an immutable snapshot of a route's addresses, sorted by
// ascending load, plus a rotation cursor.
type addressEntry struct {
	addresses []registry.Address

	// busy is a spin lock guarding cursor.
	// +checkatomic
	busy   atomic.Bool
	cursor int
}

func newAddressEntry(candidates []registry.Address) *addressEntry {
	addresses := slices.Clone(candidates)
	slices.SortStableFunc(addresses, func(a, b registry.Address) int {
		switch {
		case a.ProcessorTime < b.ProcessorTime:
			return -1
		case a.ProcessorTime > b.ProcessorTime:
			return 1
		default:
			return 0
		}
	})
	return &addressEntry{addresses: addresses}
}

func (e *addressEntry) len() int {
	return len(e.addresses)
}

func (e *addressEntry) next() registry.Address {
	for !e.busy.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	addr := e.addresses[e.cursor]
	e.cursor++
	if e.cursor >= len(e.addresses) {
		e.cursor = 0
	}
	e.busy.Store(false)
	return addr
}
