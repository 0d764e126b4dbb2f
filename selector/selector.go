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
	"fmt"
	"strings"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/registry"
	"github.com/bufbuild/rpclb/rpcerr"
)

// Selector picks one address for a call.
type Selector interface {
	Select(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error)
}

// HealthChecker reports whether an endpoint may receive calls.
// *health.Monitor implements this interface.
type HealthChecker interface {
	IsHealthy(ctx context.Context, ep endpoint.Endpoint) bool
}

// Policy names a selection policy.
type Policy string

const (
	PolicyFairPolling Policy = "fair_polling"
	PolicyRandom      Policy = "random"
	PolicyHash        Policy = "hash"
	PolicyPowerOfTwo  Policy = "power_of_two"
)

// ParsePolicy parses a policy name. Matching is case-insensitive, and
// hyphens may be used instead of underscores. An empty name is the fair
// polling policy.
func ParsePolicy(name string) (Policy, error) {
	normalized := Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	switch normalized {
	case "":
		return PolicyFairPolling, nil
	case PolicyFairPolling, PolicyRandom, PolicyHash, PolicyPowerOfTwo:
		return normalized, nil
	default:
		return "", fmt.Errorf("unknown selector policy %q", name)
	}
}

// New returns a selector implementing policy. The subscriber, which may be
// nil, lets the fair polling policy drop cached state when routes change.
func New(policy Policy, checker HealthChecker, subscriber registry.Subscriber) (Selector, error) {
	switch policy {
	case PolicyFairPolling, "":
		return NewFairPolling(checker, subscriber), nil
	case PolicyRandom:
		return NewRandom(checker), nil
	case PolicyHash:
		return NewHash(checker), nil
	case PolicyPowerOfTwo:
		return NewPowerOfTwo(checker), nil
	default:
		return nil, fmt.Errorf("unknown selector policy %q", policy)
	}
}

// policyFunc is the policy-specific part of a selector. It is only called
// with two or more candidates.
type policyFunc func(ctx context.Context, desc registry.ServiceDescriptor, candidates []registry.Address) (registry.Address, error)

func selectWith(
	ctx context.Context,
	desc registry.ServiceDescriptor,
	candidates []registry.Address,
	policy policyFunc,
) (registry.Address, error) {
	switch len(candidates) {
	case 0:
		return registry.Address{}, rpcerr.New(
			rpcerr.KindAddressNotFound,
			fmt.Sprintf("no addresses for service %s", desc.ID),
		)
	case 1:
		return candidates[0], nil
	default:
		return policy(ctx, desc, candidates)
	}
}

func noHealthyAddress(desc registry.ServiceDescriptor, tried int) error {
	return rpcerr.New(
		rpcerr.KindNoHealthyAddress,
		fmt.Sprintf("none of %d addresses for service %s is healthy", tried, desc.ID),
	)
}

// AlwaysHealthy is a HealthChecker that reports every endpoint healthy.
//
//nolint:gochecknoglobals
var AlwaysHealthy HealthChecker = alwaysHealthy{}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(context.Context, endpoint.Endpoint) bool {
	return true
}
