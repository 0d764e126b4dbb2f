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

package internal

import "math/bits"

const (
	murmurC1 = 0xCC9E2D51
	murmurC2 = 0x1B873593
)

// Murmur3 computes the 32-bit MurmurHash3 of the concatenation of chunks.
// Chunks need not be aligned to the 4-byte block size; a partial block is
// carried over into the next chunk, so Murmur3(s, a, b) == Murmur3(s, a+b).
func Murmur3(seed uint32, chunks ...[]byte) uint32 {
	var (
		h1     = seed
		total  int
		tail   uint32
		tailSz int
	)
	for _, data := range chunks {
		total += len(data)
		for _, b := range data {
			tail |= uint32(b) << (tailSz << 3)
			tailSz++
			if tailSz == 4 {
				h1 = murmurRound(h1, tail)
				tail, tailSz = 0, 0
			}
		}
	}

	//nolint:varnamelen // names match reference implementation for clarity
	k1 := tail
	k1 *= murmurC1
	k1 = bits.RotateLeft32(k1, 15)
	k1 *= murmurC2
	h1 ^= k1

	h1 ^= uint32(total)
	h1 ^= h1 >> 16
	h1 *= 0x85EBCA6B
	h1 ^= h1 >> 13
	h1 *= 0xC2B2AE35
	h1 ^= h1 >> 16
	return h1
}

// Rank is the rendezvous-hashing weight of member for the given key.
// The member with the highest rank for a key wins.
func Rank(key, member string) uint32 {
	return Murmur3(0, []byte(key), []byte{0}, []byte(member))
}

//nolint:varnamelen // names match reference implementation for clarity
func murmurRound(h1, k1 uint32) uint32 {
	k1 *= murmurC1
	k1 = bits.RotateLeft32(k1, 15)
	k1 *= murmurC2
	h1 ^= k1
	h1 = bits.RotateLeft32(h1, 13)
	h1 = h1*4 + h1 + 0xE6546B64
	return h1
}
