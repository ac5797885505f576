// Copyright 2025 zhengshuai.xiao@outlook.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fastcdc implements the FastCDC content-defined chunking algorithm
// over a 64-bit gear rolling hash with normalized chunking.
package fastcdc

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
)

const (
	kiB = 1024
	miB = 1024 * kiB
	giB = 1024 * miB

	minSizeLowerBound = 64
	maxSizeUpperBound = 1 * giB

	// normalization level; masks are widened/narrowed by this many bits
	// around log2(AverageSize).
	normalization = 2

	gearSeed = 0x62696e73796e6321
)

var (
	ErrAverageSizeRequired = errors.New("fastcdc: option AverageSize is required")
	ErrInvalidOptions      = errors.New("fastcdc: invalid options")
)

// Options configures a Chunker.
type Options struct {
	MinSize     int
	AverageSize int
	MaxSize     int
	// BufSize is the size of the internal read buffer. Defaults to 2*MaxSize.
	BufSize int
}

// Chunk is a content-defined piece of the input stream. Data is a view into
// the chunker's buffer and is only valid until the next call to Next.
type Chunk struct {
	Offset int
	Length int
	Data   []byte
}

// Chunker splits a stream into content-defined chunks.
type Chunker struct {
	minSize int
	avgSize int
	maxSize int
	maskS   uint64
	maskL   uint64

	rd     io.Reader
	buf    []byte
	cursor int
	offset int
	eof    bool
}

var gearTable [256]uint64

func init() {
	// splitmix64 keeps the table a fixed function of gearSeed.
	x := uint64(gearSeed)
	for i := range gearTable {
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		gearTable[i] = z ^ (z >> 31)
	}
}

func (o *Options) validate() error {
	if o.AverageSize == 0 {
		return ErrAverageSizeRequired
	}
	if o.MinSize < minSizeLowerBound {
		return fmt.Errorf("%w: MinSize must be at least %d", ErrInvalidOptions, minSizeLowerBound)
	}
	if o.MaxSize > maxSizeUpperBound {
		return fmt.Errorf("%w: MaxSize must be at most %d", ErrInvalidOptions, maxSizeUpperBound)
	}
	if o.MinSize >= o.MaxSize {
		return fmt.Errorf("%w: MinSize must be smaller than MaxSize", ErrInvalidOptions)
	}
	if o.AverageSize < o.MinSize || o.AverageSize > o.MaxSize {
		return fmt.Errorf("%w: AverageSize must be between MinSize and MaxSize", ErrInvalidOptions)
	}
	if o.BufSize == 0 {
		o.BufSize = 2 * o.MaxSize
	}
	if o.BufSize < o.MaxSize {
		return fmt.Errorf("%w: BufSize must be at least MaxSize", ErrInvalidOptions)
	}
	return nil
}

// Validate reports whether the options are usable.
func (o Options) Validate() error {
	return o.validate()
}

// NewChunker returns a Chunker reading from rd.
func NewChunker(rd io.Reader, opts Options) (*Chunker, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	n := bits.Len(uint(opts.AverageSize)) - 1
	return &Chunker{
		minSize: opts.MinSize,
		avgSize: opts.AverageSize,
		maxSize: opts.MaxSize,
		maskS:   topBits(n + normalization),
		maskL:   topBits(n - normalization),
		rd:      rd,
		buf:     make([]byte, 0, opts.BufSize),
	}, nil
}

// topBits returns a mask of the n most significant bits. Later bytes of the
// window shift out of the high bits last, so the high bits carry the most
// context.
func topBits(n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return ^uint64(0) << (64 - n)
}

func (c *Chunker) fillBuffer() error {
	n := len(c.buf) - c.cursor
	if n >= c.maxSize || c.eof && c.cursor == 0 {
		return nil
	}

	copy(c.buf[:n], c.buf[c.cursor:])
	c.cursor = 0
	if c.eof {
		c.buf = c.buf[:n]
		return nil
	}

	c.buf = c.buf[:cap(c.buf)]
	m, err := io.ReadFull(c.rd, c.buf[n:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		c.buf = c.buf[:n+m]
		c.eof = true
	} else if err != nil {
		c.buf = c.buf[:n+m]
		return err
	}
	return nil
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (c *Chunker) Next() (Chunk, error) {
	if err := c.fillBuffer(); err != nil {
		return Chunk{}, err
	}
	if len(c.buf)-c.cursor == 0 {
		return Chunk{}, io.EOF
	}

	length := c.cut(c.buf[c.cursor:])
	chunk := Chunk{
		Offset: c.offset,
		Length: length,
		Data:   c.buf[c.cursor : c.cursor+length],
	}
	c.cursor += length
	c.offset += length
	return chunk, nil
}

// cut returns the length of the chunk starting at data[0].
func (c *Chunker) cut(data []byte) int {
	n := len(data)
	if n <= c.minSize {
		return n
	}
	if n > c.maxSize {
		n = c.maxSize
	}
	normSize := c.avgSize
	if n < normSize {
		normSize = n
	}

	var fp uint64
	i := c.minSize
	for ; i < normSize; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&c.maskS == 0 {
			return i + 1
		}
	}
	for ; i < n; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&c.maskL == 0 {
			return i + 1
		}
	}
	return n
}
