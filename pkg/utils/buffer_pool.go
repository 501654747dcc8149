// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/bits"
	"sync"
)

// Part buffers are pooled in power-of-two classes from 64KiB to 64MiB.
// Larger requests are allocated directly.
const (
	minBufferShift = 16
	maxBufferShift = 26
	bufferClasses  = maxBufferShift - minBufferShift + 1
)

var partBuffers [bufferClasses]sync.Pool

func init() {
	for i := range partBuffers {
		size := 1 << (minBufferShift + i)
		partBuffers[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

func bufferClass(size int) int {
	if size <= 1<<minBufferShift {
		return 0
	}
	idx := bits.Len(uint(size-1)) - minBufferShift
	if idx >= bufferClasses {
		return -1
	}
	return idx
}

// GetBuffer returns a slice of len size, possibly backed by a larger pooled array.
func GetBuffer(size int) []byte {
	idx := bufferClass(size)
	if idx < 0 {
		return make([]byte, size)
	}
	b := partBuffers[idx].Get().(*[]byte)
	return (*b)[:size]
}

// PutBuffer returns a slice obtained from GetBuffer. Do not use buf afterwards.
func PutBuffer(buf []byte) {
	c := cap(buf)
	idx := bufferClass(c)
	if idx < 0 || c != 1<<(minBufferShift+idx) {
		return
	}
	buf = buf[:c]
	partBuffers[idx].Put(&buf)
}
