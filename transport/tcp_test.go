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

package transport_test

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPConnectorRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ep, server := startEchoServer(t)

	handler := newChanHandler()
	conn, err := transport.NewTCPConnector().Connect(ctx, ep, handler)
	require.NoError(t, err)
	client := transport.NewClient(conn)
	handler.client.Store(client)
	t.Cleanup(func() { _ = client.Close() })

	invoke, err := transport.NewInvokeMessage("svc.echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	res, err := client.Send(ctx, invoke)
	require.NoError(t, err)
	var echoed map[string]string
	require.NoError(t, res.Decode(&echoed))
	assert.Equal(t, map[string]string{"service": "svc.echo", "text": `"hello"`}, echoed)

	// Remote close is reported as a failure.
	server.closeConns()
	select {
	case err := <-handler.inactive:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("inactive not reported")
	}
}

func TestTCPConnectorIdle(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ep, _ := startEchoServer(t)

	handler := newChanHandler()
	conn, err := transport.NewTCPConnector(transport.WithIdleTimeout(20*time.Millisecond)).Connect(ctx, ep, handler)
	require.NoError(t, err)

	for range 2 {
		select {
		case <-handler.idle:
		case <-ctx.Done():
			t.Fatal("idle not reported")
		}
	}

	require.NoError(t, conn.Close())
	select {
	case err := <-handler.inactive:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("inactive not reported")
	}
	require.Error(t, conn.Send(ctx, &transport.Message{ID: "x"}))
}

func TestTCPConnectorStalledFrame(t *testing.T) {
	t.Parallel()
	for name, partial := range map[string][]byte{
		"header": {0, 0},
		"body":   append(binary.BigEndian.AppendUint32(nil, 100), `{"id":`...),
	} {
		partial := partial
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := testContext(t)
			ep := startStallingServer(t, partial)

			handler := newChanHandler()
			_, err := transport.NewTCPConnector(transport.WithIdleTimeout(30*time.Millisecond)).Connect(ctx, ep, handler)
			require.NoError(t, err)
			select {
			case err := <-handler.inactive:
				require.ErrorContains(t, err, "stalled mid-frame")
			case <-ctx.Done():
				t.Fatal("stalled frame not reported")
			}
		})
	}
}

func TestTCPConnectorDialFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := endpoint.Parse(listener.Addr().String())
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	_, err = transport.NewTCPConnector().Connect(ctx, ep, newChanHandler())
	require.Error(t, err)
}

type chanHandler struct {
	client   atomic.Pointer[transport.Client]
	idle     chan struct{}
	inactive chan error
}

func newChanHandler() *chanHandler {
	return &chanHandler{idle: make(chan struct{}, 16), inactive: make(chan error, 1)}
}

func (h *chanHandler) HandleMessage(msg *transport.Message) {
	if client := h.client.Load(); client != nil {
		client.HandleMessage(msg)
	}
}

func (h *chanHandler) HandleIdle() {
	select {
	case h.idle <- struct{}{}:
	default:
	}
}

func (h *chanHandler) HandleInactive(err error) {
	h.inactive <- err
}

type echoServer struct {
	conns chan net.Conn
}

func (s *echoServer) closeConns() {
	for {
		select {
		case conn := <-s.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}

// startEchoServer answers every request with its service ID and raw
// parameters.
func startEchoServer(t *testing.T) (endpoint.Endpoint, *echoServer) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	ep, err := endpoint.Parse(listener.Addr().String())
	require.NoError(t, err)

	server := &echoServer{conns: make(chan net.Conn, 16)}
	t.Cleanup(server.closeConns)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			server.conns <- conn
			go serveEcho(conn)
		}
	}()
	return ep, server
}

// startStallingServer writes partial to every connection and then sends
// nothing more, keeping the connection open until the test ends.
func startStallingServer(t *testing.T, partial []byte) endpoint.Endpoint {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	ep, err := endpoint.Parse(listener.Addr().String())
	require.NoError(t, err)

	server := &echoServer{conns: make(chan net.Conn, 16)}
	t.Cleanup(server.closeConns)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			server.conns <- conn
			_, _ = conn.Write(partial)
		}
	}()
	return ep
}

func serveEcho(conn net.Conn) {
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		var msg transport.Message
		if err := json.Unmarshal(body, &msg); err != nil || msg.Invoke == nil {
			return
		}
		reply := map[string]string{"service": msg.Invoke.ServiceID}
		for name, value := range msg.Invoke.Parameters {
			reply[name] = string(value)
		}
		result, _ := json.Marshal(reply)
		out, _ := json.Marshal(transport.Message{ID: msg.ID, Result: &transport.ResultMessage{Result: result}})
		frame := binary.BigEndian.AppendUint32(nil, uint32(len(out))) //nolint:gosec
		if _, err := conn.Write(append(frame, out...)); err != nil {
			return
		}
	}
}
