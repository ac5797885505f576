package pack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/internal/compression"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/provider"
	"github.com/zhengshuai-xiao/binsync/pkg/storage"
)

type publishOptions struct {
	kind         Kind
	packSize     int64
	uploaders    int
	compression  compression.CompressionType
	prune        bool
	providerOpts []provider.Option
}

// PublishOption configures Publish.
type PublishOption func(*publishOptions)

func WithKind(k Kind) PublishOption {
	return func(o *publishOptions) { o.kind = k }
}

// WithPackSize sets the target pack size. A chunk larger than this gets a
// pack of its own.
func WithPackSize(n int64) PublishOption {
	return func(o *publishOptions) {
		if n > 0 {
			o.packSize = n
		}
	}
}

func WithUploaders(n int) PublishOption {
	return func(o *publishOptions) {
		if n > 0 {
			o.uploaders = n
		}
	}
}

func WithManifestCompression(t compression.CompressionType) PublishOption {
	return func(o *publishOptions) { o.compression = t }
}

// WithPrune controls whether objects only the previous layout used are
// deleted after a successful publish. On by default.
func WithPrune(prune bool) PublishOption {
	return func(o *publishOptions) { o.prune = prune }
}

// WithProviderOptions tunes the provider that reads the source tree.
func WithProviderOptions(opts ...provider.Option) PublishOption {
	return func(o *publishOptions) { o.providerOpts = append(o.providerOpts, opts...) }
}

// FromConfig maps the publish section of the config file to options.
func FromConfig(conf internal.PublishConfig) ([]PublishOption, error) {
	opts := []PublishOption{WithPackSize(conf.PackSize), WithUploaders(conf.Uploaders)}
	switch Kind(conf.Layout) {
	case "":
	case KindPacks, KindLoose:
		opts = append(opts, WithKind(Kind(conf.Layout)))
	default:
		return nil, fmt.Errorf("%w: unknown layout %q", internal.ErrInvalidConfig, conf.Layout)
	}
	if conf.Compression != "" {
		t, ok := compression.CompressionMethods[conf.Compression]
		if !ok {
			return nil, fmt.Errorf("%w: %w: %q", internal.ErrInvalidConfig, compression.ErrInvalidCompressionType, conf.Compression)
		}
		opts = append(opts, WithManifestCompression(t))
	}
	return opts, nil
}

// Result summarises a publish.
type Result struct {
	Layout        *Layout
	Uploaded      int
	Skipped       int // objects the previous publish already stored
	Pruned        int
	UploadedBytes int64
}

// Publish stores the chunks of m, read from the source tree at root, then
// the layout and finally the manifest, so a reader that sees the new
// manifest also finds its chunks. Objects are content addressed; those
// already present from the previous publish are not uploaded again.
func Publish(ctx context.Context, backend storage.Backend, root string, m *manifest.Manifest, opts ...PublishOption) (*Result, error) {
	o := publishOptions{
		kind:        KindPacks,
		packSize:    16 << 20,
		uploaders:   4,
		compression: compression.Compress_zstd,
		prune:       true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kind != KindPacks && o.kind != KindLoose {
		return nil, fmt.Errorf("%w: unknown layout %q", internal.ErrInvalidConfig, o.kind)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := manifest.Marshal(m, manifest.WithCompression(o.compression))
	if err != nil {
		return nil, err
	}

	var previous *Layout
	existing := internal.NewStringSet()
	previous, err = LoadLayout(ctx, backend)
	switch {
	case err == nil:
		for _, k := range previous.Keys() {
			existing.Add(k)
		}
	case errors.Is(err, storage.ErrNotFound):
		previous = nil
	default:
		logger.Warnf("ignoring unreadable previous layout on %s: %v", backend.Name(), err)
		previous = nil
	}

	src, err := provider.NewCaching(root, m, o.providerOpts...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	start := time.Now()
	res := &Result{Layout: &Layout{Version: LayoutVersion, Kind: o.kind, Manifest: digest(raw)}}
	var uploadedBytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.uploaders)
	upload := func(key string, data []byte) {
		res.Uploaded++
		g.Go(func() error {
			if err := backend.Put(gctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			uploadedBytes.Add(int64(len(data)))
			logger.Debugf("uploaded %s (%s)", key, humanize.IBytes(uint64(len(data))))
			return nil
		})
	}

	order := firstUse(m)
	var readErr error
	switch o.kind {
	case KindPacks:
		for _, group := range split(order, o.packSize) {
			var buf []byte
			buf, readErr = readEntries(gctx, src, group)
			if readErr != nil {
				break
			}
			p := Pack{ID: digest(buf)[:32], Size: int64(len(buf)), Entries: group}
			res.Layout.Packs = append(res.Layout.Packs, p)
			if existing.Contains(p.Key()) {
				res.Skipped++
				continue
			}
			upload(p.Key(), buf)
		}
	case KindLoose:
		res.Layout.Loose = order
		it := provider.Sequence(gctx, src, fingerprints(order))
		for _, e := range order {
			var data []byte
			data, readErr = it.Next()
			if readErr != nil {
				break
			}
			if existing.Contains(LooseKey(e.FP)) {
				res.Skipped++
				continue
			}
			upload(LooseKey(e.FP), data)
		}
		it.Close()
	}
	// an upload failure cancels gctx, so it explains a read error too
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	res.UploadedBytes = uploadedBytes.Load()

	layoutBytes, err := MarshalLayout(res.Layout)
	if err != nil {
		return nil, err
	}
	if err := backend.Put(ctx, LayoutKey, bytes.NewReader(layoutBytes), int64(len(layoutBytes))); err != nil {
		return nil, fmt.Errorf("upload %s: %w", LayoutKey, err)
	}
	if err := backend.Put(ctx, ManifestKey, bytes.NewReader(raw), int64(len(raw))); err != nil {
		return nil, fmt.Errorf("upload %s: %w", ManifestKey, err)
	}

	if o.prune && previous != nil {
		res.Pruned = prune(ctx, backend, previous, res.Layout)
	}
	logger.Infof("published %d chunks to %s in %s: %d objects uploaded (%s), %d reused, %d pruned",
		len(order), backend.Name(), time.Since(start).Round(time.Millisecond), res.Uploaded,
		humanize.IBytes(uint64(res.UploadedBytes)), res.Skipped, res.Pruned)
	return res, nil
}

// firstUse lists the distinct chunks of m in the order a sync of the whole
// tree consumes them, so packs are read mostly front to back.
func firstUse(m *manifest.Manifest) []Entry {
	seen := internal.NewSet[chunk.Fingerprint]()
	var out []Entry
	for _, f := range m.Files {
		for _, c := range f.Chunks {
			if seen.AddNew(c.FP) {
				out = append(out, Entry{FP: c.FP, Len: c.Len})
			}
		}
	}
	return out
}

func split(entries []Entry, packSize int64) [][]Entry {
	var (
		groups [][]Entry
		cur    []Entry
		size   int64
	)
	for _, e := range entries {
		if len(cur) > 0 && size+int64(e.Len) > packSize {
			groups = append(groups, cur)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += int64(e.Len)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func fingerprints(entries []Entry) []chunk.Fingerprint {
	fps := make([]chunk.Fingerprint, len(entries))
	for i, e := range entries {
		fps[i] = e.FP
	}
	return fps
}

func readEntries(ctx context.Context, p provider.ChunkProvider, entries []Entry) ([]byte, error) {
	it := provider.Sequence(ctx, p, fingerprints(entries))
	defer it.Close()
	var buf bytes.Buffer
	for {
		data, err := it.Next()
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
}

func prune(ctx context.Context, backend storage.Backend, previous, current *Layout) int {
	stale := internal.NewSet(previous.Keys()...)
	for _, k := range current.Keys() {
		stale.Remove(k)
	}
	n := 0
	for _, k := range internal.SortedElements(stale) {
		if err := backend.Delete(ctx, k); err != nil {
			logger.Warnf("failed to prune %s: %v", k, err)
			continue
		}
		n++
	}
	return n
}
