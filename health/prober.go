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

import (
	"context"

	"github.com/bufbuild/rpclb/endpoint"
	"golang.org/x/net/proxy"
)

// Prober checks whether an endpoint is alive. Implementations must respect
// the context's deadline.
type Prober interface {
	Probe(ctx context.Context, ep endpoint.Endpoint) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, ep endpoint.Endpoint) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, ep endpoint.Endpoint) bool {
	return f(ctx, ep)
}

// NewSocketProber returns a prober that reports an endpoint alive if a TCP
// connection to it can be opened. The connection is closed immediately. If
// dialer is nil, connections are dialed directly; pass a SOCKS dialer from
// [proxy.SOCKS5] to probe through a proxy.
func NewSocketProber(dialer proxy.ContextDialer) Prober {
	if dialer == nil {
		dialer = proxy.Direct
	}
	return socketProber{dialer: dialer}
}

type socketProber struct {
	dialer proxy.ContextDialer
}

func (p socketProber) Probe(ctx context.Context, ep endpoint.Endpoint) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
