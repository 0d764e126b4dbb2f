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

// Package selector picks the address that serves a call.
//
// Every [Selector] shares the same contract: an empty candidate set fails
// with an address-not-found error, and a single candidate is returned as is,
// without consulting health (there is no choice to make). Otherwise, the
// policy picks among the candidates the [HealthChecker] reports healthy and
// fails with a no-healthy-address error once every candidate has been tried.
//
// Four policies are provided:
//   - [NewFairPolling] rotates through the candidates in ascending order of
//     load, caching one snapshot per route (this is the default).
//   - [NewRandom] picks uniformly at random.
//   - [NewHash] uses rendezvous hashing on a per-call key, so that calls
//     with the same key keep landing on the same address.
//   - [NewPowerOfTwo] draws two candidates at random and keeps the less
//     loaded one.
package selector
