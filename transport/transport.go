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

// Package transport turns a multiplexed connection into request/response
// calls, and pools one such connection per remote endpoint.
//
// The [Client] correlates responses with requests by message ID, so that any
// number of calls can share one connection and responses may arrive in any
// order. The [Factory] owns the pool: it connects lazily, shares a single
// connection attempt among concurrent callers, and evicts a connection as
// soon as it fails so that the next call reconnects.
//
// The byte-level connection is abstracted by [Connector] and [Conn]. The
// package provides a TCP implementation, [NewTCPConnector], that frames JSON
// messages with a length prefix.
package transport

import (
	"context"

	"github.com/bufbuild/rpclb/endpoint"
)

// Conn is an established connection to one endpoint.
type Conn interface {
	// Send writes msg to the connection. It must be safe for concurrent use.
	Send(ctx context.Context, msg *Message) error
	// Close releases the connection. It must be safe to call more than once.
	Close() error
}

// Handler receives the events of a connection. Calls may come from any
// goroutine but are not made concurrently for one connection.
type Handler interface {
	// HandleMessage is called for every inbound message.
	HandleMessage(msg *Message)
	// HandleIdle is called when nothing was read for the idle timeout.
	HandleIdle()
	// HandleInactive is called when the connection fails or is closed. A
	// nil error means the connection was closed locally. Errors that wrap
	// an rpcerr business error are not fatal to the connection.
	HandleInactive(err error)
}

// Connector establishes connections.
type Connector interface {
	Connect(ctx context.Context, ep endpoint.Endpoint, handler Handler) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, ep endpoint.Endpoint, handler Handler) (Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, ep endpoint.Endpoint, handler Handler) (Conn, error) {
	return f(ctx, ep, handler)
}
