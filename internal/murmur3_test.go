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

package internal_test

import (
	"testing"

	"github.com/bufbuild/rpclb/internal"
	"github.com/stretchr/testify/assert"
)

func TestMurmur3(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		data     []byte
		seed     uint32
		expected uint32
	}{
		{[]byte{}, 0, 0},
		{[]byte{}, 1, 0x514E28B7},
		{[]byte{}, 0xFFFFFFFF, 0x81F16F39},
		{[]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0, 0x76293B50},
		{[]byte{0x21, 0x43, 0x65, 0x87}, 0, 0xF55B516B},
		{[]byte{0x21, 0x43, 0x65, 0x87}, 0x5082EDEE, 0x2362F9DE},
		{[]byte{0x21, 0x43, 0x65}, 0, 0x7E4A8634},
		{[]byte{0x21, 0x43}, 0, 0xA0F7B07A},
		{[]byte{0x21}, 0, 0x72661CF4},
		{[]byte{0x00, 0x00, 0x00, 0x00}, 0, 0x2362F9DE},
		{[]byte{0x00, 0x00, 0x00}, 0, 0x85F0B427},
		{[]byte{0x00, 0x00}, 0, 0x30F4C306},
		{[]byte{0x00}, 0, 0x514E28B7},
		{[]byte("Hello, world!"), 0x9747B28C, 0x24884CBA},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expected, internal.Murmur3(testCase.seed, testCase.data), "input %x", testCase.data)
	}
}

func TestMurmur3Chunked(t *testing.T) {
	t.Parallel()

	sum := internal.Murmur3(
		0x9747b28c,
		[]byte("Hel"), []byte("l"), []byte("o"), []byte(", wo"), []byte("rl"), []byte("d!"),
	)
	assert.Equal(t, uint32(0x24884CBA), sum)
}

func TestRankIsStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, internal.Rank("user-1", "10.0.0.1:80"), internal.Rank("user-1", "10.0.0.1:80"))
	assert.NotEqual(t, internal.Rank("user-1", "10.0.0.1:80"), internal.Rank("user-1", "10.0.0.2:80"))
}
