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

package endpoint_test

import (
	"testing"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    endpoint.Endpoint
		wantErr bool
	}{
		{name: "ipv4", input: "10.0.0.1:9000", want: endpoint.New("10.0.0.1", 9000)},
		{name: "hostname", input: "svc.local:80", want: endpoint.New("svc.local", 80)},
		{name: "ipv6", input: "[::1]:443", want: endpoint.New("::1", 443)},
		{name: "missing port", input: "10.0.0.1", wantErr: true},
		{name: "missing host", input: ":80", wantErr: true},
		{name: "bad port", input: "host:http", wantErr: true},
		{name: "port out of range", input: "host:70000", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			got, err := endpoint.Parse(testCase.input)
			if testCase.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
			assert.Equal(t, testCase.input, got.String())
		})
	}
}

func TestEndpointEquality(t *testing.T) {
	t.Parallel()

	set := map[endpoint.Endpoint]int{}
	set[endpoint.New("a", 1)]++
	set[endpoint.MustParse("a:1")]++
	assert.Len(t, set, 1)
	assert.True(t, endpoint.Endpoint{}.IsZero())
	assert.False(t, endpoint.New("a", 1).IsZero())
}
