package chunk

import (
	"fmt"
	"io"

	"github.com/zhengshuai-xiao/binsync/internal"
	fastcdc "github.com/zhengshuai-xiao/binsync/pkg/cdc"
)

var logger = internal.GetLogger("binsync_chunk")

// Chunk is one content-defined piece of a stream.
type Chunk struct {
	FP     Fingerprint
	Offset int64
	Len    int
	// Data is only valid until the next call to Next().
	Data []byte
}

// Chunker is an interface that returns the next chunk from a stream.
type Chunker interface {
	Next() (Chunk, error)
}

// CDC is an interface for creating chunkers from a reader.
type CDC interface {
	NewChunker(r io.Reader) (Chunker, error)
}

// Config holds everything that determines chunk boundaries and identities.
// Two ends produce identical chunk sequences only with identical Configs.
type Config struct {
	MinSize int       `yaml:"min_size"`
	AvgSize int       `yaml:"avg_size"`
	MaxSize int       `yaml:"max_size"`
	Digest  Algorithm `yaml:"digest"`
}

// DefaultConfig returns 16KiB/32KiB/64KiB sha256 chunking.
func DefaultConfig() Config {
	return Config{
		MinSize: 16 * 1024,
		AvgSize: 32 * 1024,
		MaxSize: 64 * 1024,
		Digest:  DigestSHA256,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("min=%d avg=%d max=%d digest=%s", c.MinSize, c.AvgSize, c.MaxSize, c.Digest)
}

func (c Config) options() fastcdc.Options {
	return fastcdc.Options{
		MinSize:     c.MinSize,
		AverageSize: c.AvgSize,
		MaxSize:     c.MaxSize,
	}
}

// Validate checks sizes and digest.
func (c Config) Validate() error {
	if err := c.options().Validate(); err != nil {
		return fmt.Errorf("%w: %v", internal.ErrInvalidConfig, err)
	}
	_, err := NewIdentity(c.Digest)
	return err
}

// FastCDC implements the CDC interface to create FastCDC chunkers that also
// fingerprint every chunk.
type FastCDC struct {
	cfg Config
	id  Identity
}

// NewFastCDC validates cfg and returns a CDC for it.
func NewFastCDC(cfg Config) (*FastCDC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id, err := NewIdentity(cfg.Digest)
	if err != nil {
		return nil, err
	}
	return &FastCDC{cfg: cfg, id: id}, nil
}

func (f *FastCDC) Config() Config {
	return f.cfg
}

func (f *FastCDC) Identity() Identity {
	return f.id
}

// NewChunker creates a new chunker that reads from r and produces variable-size chunks using FastCDC.
func (f *FastCDC) NewChunker(r io.Reader) (Chunker, error) {
	chunker, err := fastcdc.NewChunker(r, f.cfg.options())
	if err != nil {
		return nil, err
	}
	return &fastCDCChunker{
		chunker: chunker,
		id:      f.id,
	}, nil
}

// fastCDCChunker implements the Chunker interface for FastCDC.
type fastCDCChunker struct {
	chunker *fastcdc.Chunker
	id      Identity
}

// Next returns the next content-defined chunk from the reader.
// Data is not copied; callers consume it before asking for the next chunk.
func (c *fastCDCChunker) Next() (Chunk, error) {
	fc, err := c.chunker.Next()
	if err != nil {
		return Chunk{}, err // Propagate io.EOF and other errors
	}
	ch := Chunk{
		FP:     c.id.Sum(fc.Data),
		Offset: int64(fc.Offset),
		Len:    fc.Length,
		Data:   fc.Data,
	}
	logger.Tracef("chunk off=%d len=%d fp=%s", ch.Offset, ch.Len, ch.FP.Short())
	return ch, nil
}

// ForEach chunks r and calls fn for every chunk in order.
func ForEach(cdc CDC, r io.Reader, fn func(Chunk) error) error {
	chunker, err := cdc.NewChunker(r)
	if err != nil {
		return err
	}
	for {
		c, err := chunker.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}
