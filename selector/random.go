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
	"math/rand/v2"

	"github.com/bufbuild/rpclb/registry"
)

// NewRandom returns a selector that picks a candidate uniformly at random,
// re-rolling on an unhealthy pick up to as many times as there are
// candidates.
func NewRandom(checker HealthChecker) Selector {
	return &random{checker: checker}
}

type random struct {
	checker HealthChecker
}

func (r *random) Select(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	return selectWith(ctx, desc, candidates, r.pick)
}

func (r *random) pick(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	for range len(candidates) {
		addr := candidates[rand.IntN(len(candidates))] //nolint:gosec // does not need to be cryptographically secure
		if r.checker.IsHealthy(ctx, addr.Endpoint) {
			return addr, nil
		}
	}
	return registry.Address{}, noHealthyAddress(desc, len(candidates))
}

// NewPowerOfTwo returns a selector that draws two candidates at random and
// picks the one with the lower processor time. This takes advantage of the
// [power of two random choices] without sorting the whole set. If neither
// draw is healthy, the remaining candidates are tried in random order.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func NewPowerOfTwo(checker HealthChecker) Selector {
	return &powerOfTwo{checker: checker}
}

type powerOfTwo struct {
	checker HealthChecker
}

func (p *powerOfTwo) Select(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	return selectWith(ctx, desc, candidates, p.pick)
}

func (p *powerOfTwo) pick(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error) {
	//nolint:gosec // does not need to be cryptographically secure
	order := rand.Perm(len(candidates))
	if candidates[order[1]].ProcessorTime < candidates[order[0]].ProcessorTime {
		order[0], order[1] = order[1], order[0]
	}
	for _, idx := range order {
		addr := candidates[idx]
		if p.checker.IsHealthy(ctx, addr.Endpoint) {
			return addr, nil
		}
	}
	return registry.Address{}, noHealthyAddress(desc, len(candidates))
}
