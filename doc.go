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

// Package rpclb is the client side of an RPC framework. It maintains
// connections to a dynamic set of service instances, tracks their
// liveness, picks an instance per call under a load balancing policy and
// correlates responses with requests over shared connections.
//
// To create a new client use the [NewClient] function with a route
// registry, such as [registry.Memory] or the Redis-backed registry in
// package redisregistry:
//
//	client, err := rpclb.NewClient(reg, rpclb.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	req, err := transport.NewInvokeMessage("orders", map[string]any{"id": 42})
//	if err != nil {
//	    return err
//	}
//	result, err := client.Call(ctx, "orders", req)
//
// # Components
//
// A call passes through three components, each of which can be used on
// its own:
//
//  1. The [selector.Selector] picks one address of the service's route,
//     skipping addresses that the health monitor reports unhealthy.
//
//  2. The [transport.Factory] returns the pooled connection to that
//     address, connecting if there is none. Concurrent callers share a
//     single connection attempt.
//
//  3. The [transport.Client] sends the request and waits for the response
//     with the same message ID. Many calls share one connection, and
//     responses may arrive in any order.
//
// The [health.Monitor] runs in the background. It probes every endpoint
// it has seen on a fixed interval and removes persistently unreachable
// endpoints from the registry. Calls that time out repeatedly remove the
// endpoint from that one service's route.
//
// # Errors
//
// Every failure returned by a call carries an [rpcerr.Kind], so callers
// can branch on it with errors.Is:
//
//	if errors.Is(err, rpcerr.NoHealthyAddress) {
//	    // every instance is down
//	}
package rpclb
