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

package health

import "fmt"

// State is the liveness of an endpoint as judged by a Monitor.
type State int

const (
	// StateUnknown means the endpoint has not been probed yet.
	StateUnknown = State(iota)
	StateHealthy
	StateUnhealthy
	// StateEvicted is terminal: the endpoint failed too many times in a row
	// and was removed from the route registry. It is only reported in
	// removed events; the monitor no longer tracks evicted endpoints.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
