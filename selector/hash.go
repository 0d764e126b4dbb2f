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
	"slices"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/registry"
)

type hashKeyContextKey struct{}

// WithHashKey returns a context whose calls are routed by key under the
// hash policy. Calls with the same key land on the same address for as
// long as that address is healthy and part of the route.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKeyContextKey{}, key)
}

// HashKey returns the key set with WithHashKey, if any.
func HashKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(hashKeyContextKey{}).(string)
	return key, ok
}

// NewHash returns a selector that uses rendezvous hashing: each candidate is
// ranked by the hash of the call's key and its address, and the highest
// ranked healthy candidate wins. Adding or removing an address only moves
// the keys that ranked it highest. Without a key, the service ID is used.
func NewHash(checker HealthChecker) Selector {
	return &hash{checker: checker}
}

type hash struct {
	checker HealthChecker
}

func (h *hash) Select(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	return selectWith(ctx, desc, candidates, h.pick)
}

type rankedAddress struct {
	addr registry.Address
	rank uint32
	name string
}

func (h *hash) pick(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	key, ok := HashKey(ctx)
	if !ok {
		key = desc.ID
	}
	ranked := make([]rankedAddress, len(candidates))
	for i, addr := range candidates {
		name := addr.String()
		ranked[i] = rankedAddress{addr: addr, rank: internal.Rank(key, name), name: name}
	}
	slices.SortFunc(ranked, func(a, b rankedAddress) int {
		switch {
		case a.rank > b.rank:
			return -1
		case a.rank < b.rank:
			return 1
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		default:
			return 0
		}
	})
	for _, candidate := range ranked {
		if h.checker.IsHealthy(ctx, candidate.addr.Endpoint) {
			return candidate.addr, nil
		}
	}
	return registry.Address{}, noHealthyAddress(desc, len(candidates))
}
