// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Byte helpers shared by the HTTP/1.x codecs, and pooled read buffers.

package hemi

import (
	"sync"
)

const ( // units
	K = 1 << 10
	M = 1 << 20
)

const ( // sizes
	_1K  = 1 * K
	_4K  = 4 * K  // small reads
	_16K = 16 * K // default BufferSize
	_64K = 64 * K // large reads and max head size
	_1M  = 1 * M
)

// Read buffers come in three classes, each with its own pool.
var bufferPools = [...]struct {
	size int
	pool sync.Pool
}{{size: _4K}, {size: _16K}, {size: _64K}}

func Get16K() []byte { return GetNK(_16K) }

// GetNK returns a buffer of at least n bytes, or of 64K if n is larger.
func GetNK(n int64) []byte {
	class := &bufferPools[len(bufferPools)-1]
	for i := range bufferPools {
		if n <= int64(bufferPools[i].size) {
			class = &bufferPools[i]
			break
		}
	}
	if x := class.pool.Get(); x != nil {
		return x.([]byte)
	}
	return make([]byte, class.size)
}

// PutNK returns p, got from GetNK, to its pool.
func PutNK(p []byte) {
	for i := range bufferPools {
		if class := &bufferPools[i]; cap(p) == class.size {
			class.pool.Put(p[:class.size])
			return
		}
	}
	BugExitln("bad buffer")
}

func hexToI64(hex []byte) (int64, bool) {
	if n := len(hex); n == 0 || n > 16 {
		return 0, false
	}
	var i64 int64
	for _, b := range hex {
		n, ok := byteFromHex(b)
		if !ok {
			return 0, false
		}
		i64 = i64<<4 + int64(n)
		if i64 < 0 {
			return 0, false
		}
	}
	return i64, true
}
func decToI64(dec []byte) (int64, bool) {
	if n := len(dec); n == 0 || n > 19 { // the max number of int64 is 19 bytes
		return 0, false
	}
	var i64 int64
	for _, b := range dec {
		if b >= '0' && b <= '9' {
			b = b - '0'
		} else {
			return 0, false
		}
		i64 = i64*10 + int64(b)
		if i64 < 0 {
			return 0, false
		}
	}
	return i64, true
}

func byteIsBlank(b byte) bool { return b == ' ' || b == '\t' }
func byteIsDigit(b byte) bool { return b >= '0' && b <= '9' }

func byteFromHex(b byte) (n byte, ok bool) {
	if b >= '0' && b <= '9' {
		return b - '0', true
	}
	if b >= 'A' && b <= 'F' {
		return b - 'A' + 10, true
	}
	if b >= 'a' && b <= 'f' {
		return b - 'a' + 10, true
	}
	return 0, false
}

func bytesTrimBlank(p []byte) []byte {
	for len(p) > 0 && byteIsBlank(p[0]) {
		p = p[1:]
	}
	for len(p) > 0 && byteIsBlank(p[len(p)-1]) {
		p = p[:len(p)-1]
	}
	return p
}
func bytesHasPrefixFold(p []byte, prefix string) bool {
	if len(p) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if lowerByte(p[i]) != lowerByte(prefix[i]) {
			return false
		}
	}
	return true
}
func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 0x20
	}
	return b
}
