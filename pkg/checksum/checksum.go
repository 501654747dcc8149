// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package checksum verifies streamed upload bodies against a declared digest.
package checksum

import (
	"bytes"
	"encoding/base64"
	"errors"
	"hash"
	"io"
	"strings"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

const (
	MD5       = "md5"
	SHA1      = "sha1"
	SHA256    = "sha256"
	CRC32     = "crc32"
	CRC32C    = "crc32c"
	CRC64NVME = "crc64nvme"
)

var pools = map[string]*utils.HashPool{
	MD5:       utils.MD5Pool,
	SHA1:      utils.SHA1Pool,
	SHA256:    utils.SHA256Pool,
	CRC32:     utils.CRC32Pool,
	CRC32C:    utils.CRC32CPool,
	CRC64NVME: utils.CRC64NVMEPool,
}

// Algorithms lists every algorithm this package can compute.
func Algorithms() []string {
	return []string{SHA1, MD5, SHA256, CRC32, CRC32C, CRC64NVME}
}

// Supported reports whether alg can be computed.
func Supported(alg string) bool {
	_, ok := pools[strings.ToLower(alg)]
	return ok
}

// ParseHeader parses an Upload-Checksum value of the form "<algorithm> <base64 digest>".
func ParseHeader(v string) (*types.Checksum, error) {
	alg, digest, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || alg == "" || digest == "" {
		return nil, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid checksum header %q", v)
	}
	if _, err := base64.StdEncoding.DecodeString(digest); err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrBadRequest, err, "checksum digest is not base64")
	}
	return &types.Checksum{Algorithm: strings.ToLower(alg), Value: digest}, nil
}

// FormatHeader is the inverse of ParseHeader.
func FormatHeader(alg string, sum []byte) string {
	return alg + " " + base64.StdEncoding.EncodeToString(sum)
}

// Sum computes the digest of data with alg.
func Sum(alg string, data []byte) ([]byte, error) {
	pool, ok := pools[strings.ToLower(alg)]
	if !ok {
		return nil, uploaderr.Newf(uploaderr.ErrUnsupportedChecksumAlgorithm, "unsupported checksum algorithm %q", alg)
	}
	h := pool.Get()
	defer pool.Put(h)
	h.Write(data)
	return h.Sum(nil), nil
}

// Pipe passes bytes through while hashing them. When the underlying reader
// reports EOF the digest is compared with the expected value and a
// ChecksumMismatch error is returned in place of io.EOF if they differ.
type Pipe struct {
	r        io.Reader
	alg      string
	expected []byte
	pool     *utils.HashPool
	h        hash.Hash
	sum      []byte
	err      error
}

// NewPipe wraps r. A nil checksum yields a Pipe that only counts bytes.
func NewPipe(r io.Reader, c *types.Checksum) (*Pipe, error) {
	p := &Pipe{r: r}
	if c == nil {
		return p, nil
	}
	p.alg = strings.ToLower(c.Algorithm)
	pool, ok := pools[p.alg]
	if !ok {
		return nil, uploaderr.Newf(uploaderr.ErrUnsupportedChecksumAlgorithm, "unsupported checksum algorithm %q", c.Algorithm)
	}
	expected, err := base64.StdEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrBadRequest, err, "checksum digest is not base64")
	}
	p.pool = pool
	p.h = pool.Get()
	p.expected = expected
	return p, nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	n, err := p.r.Read(b)
	if n > 0 && p.h != nil {
		p.h.Write(b[:n])
	}
	if errors.Is(err, io.EOF) {
		p.err = p.finish()
		return n, p.err
	}
	if err != nil {
		p.err = err
	}
	return n, err
}

func (p *Pipe) finish() error {
	if p.h == nil {
		return io.EOF
	}
	p.sum = p.h.Sum(nil)
	p.pool.Put(p.h)
	p.h = nil
	if !bytes.Equal(p.sum, p.expected) {
		return uploaderr.Newf(uploaderr.ErrChecksumMismatch, "%s checksum mismatch: expected %s, got %s",
			p.alg, base64.StdEncoding.EncodeToString(p.expected), base64.StdEncoding.EncodeToString(p.sum))
	}
	return io.EOF
}

// Verified reports whether the stream was fully read and matched.
func (p *Pipe) Verified() bool {
	return errors.Is(p.err, io.EOF) && p.expected != nil
}

// Digest returns the computed digest once the stream has been drained.
func (p *Pipe) Digest() []byte {
	return p.sum
}
