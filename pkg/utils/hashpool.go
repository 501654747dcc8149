// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"hash"
	"hash/crc32"
	"sync"

	"github.com/minio/crc64nvme"
	"github.com/minio/sha256-simd"
)

// HashPool recycles hashers of a single algorithm.
type HashPool struct {
	pool sync.Pool
}

func NewHashPool(newHash func() hash.Hash) *HashPool {
	return &HashPool{pool: sync.Pool{New: func() any { return newHash() }}}
}

// Get returns a reset hasher.
func (p *HashPool) Get() hash.Hash {
	return p.pool.Get().(hash.Hash)
}

// Put resets h and returns it to the pool.
func (p *HashPool) Put(h hash.Hash) {
	h.Reset()
	p.pool.Put(h)
}

var (
	MD5Pool       = NewHashPool(md5.New)
	SHA1Pool      = NewHashPool(sha1.New)
	SHA256Pool    = NewHashPool(sha256.New)
	CRC32Pool     = NewHashPool(func() hash.Hash { return crc32.NewIEEE() })
	CRC32CPool    = NewHashPool(func() hash.Hash { return crc32.New(crc32.MakeTable(crc32.Castagnoli)) })
	CRC64NVMEPool = NewHashPool(func() hash.Hash { return crc64nvme.New() })
)

var bytesBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

func GetBytesBuffer() *bytes.Buffer {
	return bytesBufferPool.Get().(*bytes.Buffer)
}

func PutBytesBuffer(b *bytes.Buffer) {
	b.Reset()
	bytesBufferPool.Put(b)
}
