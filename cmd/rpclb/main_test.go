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

package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCommand(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	stdout, _, err := execute(t, "probe", listener.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, listener.Addr().String()+"\thealthy\n", stdout)

	stdout, _, err = execute(t, "probe", "--timeout", "1s", listener.Addr().String(), closedAddr)
	require.EqualError(t, err, "1 of 2 endpoints unreachable")
	assert.Equal(t, listener.Addr().String()+"\thealthy\n"+closedAddr+"\tunhealthy\n", stdout)

	_, _, err = execute(t, "probe", "no-port")
	require.Error(t, err)
}

func TestConfigFlags(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rpclb.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"verbose\"\n"), 0o600))
	_, _, err := execute(t, "--config", path, "version")
	require.ErrorContains(t, err, `unknown log level "verbose"`)

	// The flag wins over the file.
	stdout, _, err := execute(t, "--config", path, "--log-level", "debug", "version")
	require.NoError(t, err)
	assert.NotEmpty(t, stdout)

	_, _, err = execute(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "version")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, buildVersion()+"\n", stdout)
}

func TestParseInvoke(t *testing.T) {
	t.Parallel()
	req, err := parseInvoke("orders", []string{`id=42`, `tags=["a","b"]`, `note=hello world`, `empty=`})
	require.NoError(t, err)
	assert.Equal(t, "orders", req.ServiceID)
	assert.Equal(t, map[string]json.RawMessage{
		"id":    json.RawMessage(`42`),
		"tags":  json.RawMessage(`["a","b"]`),
		"note":  json.RawMessage(`"hello world"`),
		"empty": json.RawMessage(`""`),
	}, req.Parameters)

	_, err = parseInvoke("orders", []string{"id"})
	require.Error(t, err)
	_, err = parseInvoke("orders", []string{"=1"})
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	addr, err := parseAddress("10.0.0.1:9000@0.25")
	require.NoError(t, err)
	assert.Equal(t, registry.Address{Endpoint: endpoint.New("10.0.0.1", 9000), ProcessorTime: 0.25}, addr)
	assert.Equal(t, "10.0.0.1:9000@0.25", formatAddress(addr))

	addr, err = parseAddress("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:9000", formatAddress(addr))

	_, err = parseAddress("10.0.0.1:9000@busy")
	require.Error(t, err)
}

func TestPrintRoutes(t *testing.T) {
	t.Parallel()
	var stdout bytes.Buffer
	a := &app{stdout: &stdout}
	routes := []registry.Route{{
		Descriptor: registry.ServiceDescriptor{ID: "orders", Name: "Orders"},
		Addresses: []registry.Address{
			{Endpoint: endpoint.New("10.0.0.1", 9000)},
			{Endpoint: endpoint.New("10.0.0.2", 9000), ProcessorTime: 2},
		},
	}}
	require.NoError(t, a.printRoutes(routes, "text"))
	assert.Equal(t, "SERVICE  NAME    ADDRESSES\norders   Orders  10.0.0.1:9000,10.0.0.2:9000@2\n", stdout.String())

	stdout.Reset()
	require.NoError(t, a.printRoutes(routes, "json"))
	var decoded []registry.Route
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &decoded))
	assert.Equal(t, routes, decoded)

	require.Error(t, a.printRoutes(routes, "xml"))
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
