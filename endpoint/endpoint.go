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

// Package endpoint defines the address of a remote service process.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a remote service process by host and port. It is a
// comparable value and can be used as a map key.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// New returns the endpoint for the given host and port.
func New(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Parse parses an endpoint in "host:port" form. IPv6 hosts must be
// enclosed in brackets, as with net.SplitHostPort.
func Parse(hostPort string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", hostPort, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", hostPort, portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// MustParse is like Parse but panics on error. It is intended for tests
// and static configuration.
func MustParse(hostPort string) Endpoint {
	ep, err := Parse(hostPort)
	if err != nil {
		panic(err)
	}
	return ep
}

// String returns the endpoint in "host:port" form, suitable for dialing.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether e is the zero endpoint.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}
