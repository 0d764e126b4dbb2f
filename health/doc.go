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

// Package health judges whether remote endpoints are safe to route calls to.
//
// The central type is [Monitor], which keeps one liveness record per
// endpoint. Records are created on first observation (an explicit
// [Monitor.Monitor] or [Monitor.IsHealthy] call, or a failure report),
// refreshed by a periodic background sweep that probes every tracked
// endpoint with a [Prober], and refreshed again when the route registry
// reports that a route containing the endpoint was created or changed.
//
// An endpoint that keeps failing probes past the configured threshold is
// evicted: it is removed from the route registry and the monitor stops
// tracking it. Independently, call timeouts are counted per endpoint and
// service; once they reach their own threshold, the endpoint is removed
// from that one service's route only.
//
// The default prober, created with [NewSocketProber], considers an endpoint
// alive if a TCP connection to it can be established within the probe
// timeout.
package health
