package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/internal/compression"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
)

func cmdGenerate() *cli.Command {
	selfFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "compression",
			Usage: "compress the manifest body: none/zlib/snappy/zstd/lz4",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "files chunked in parallel",
			Value: 4,
		},
	}
	return &cli.Command{
		Name:      "generate",
		Action:    generate,
		Category:  "PUBLISHER",
		Usage:     "Chunk a source tree and write its manifest",
		ArgsUsage: "SOURCE-DIR MANIFEST-FILE",
		Description: `
Every regular file below SOURCE-DIR is split into content-defined chunks;
the manifest records each file's chunk sequence. Destinations must later be
synced with the same chunking parameters, which the manifest carries.

Examples:
$ binsync generate ./build/out release.binsync
$ binsync generate --avg-size 64KiB --digest blake3 ./build/out release.binsync`,
		Flags: expandFlags(selfFlags, chunkingFlags()),
	}
}

func generate(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("%w: generate needs SOURCE-DIR and MANIFEST-FILE", internal.ErrInvalidConfig)
	}
	src, out := c.Args().Get(0), c.Args().Get(1)
	if !internal.Exists(src) {
		return fmt.Errorf("%w: source %s does not exist", internal.ErrInvalidConfig, src)
	}
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg, err := chunkConfig(c, conf)
	if err != nil {
		return err
	}
	comp := conf.Publish.Compression
	if c.IsSet("compression") {
		comp = c.String("compression")
	}
	t, ok := compression.CompressionMethods[comp]
	if !ok {
		return fmt.Errorf("%w: %w: %q", internal.ErrInvalidConfig, compression.ErrInvalidCompressionType, comp)
	}

	ctx, cancel := signalContext(c)
	defer cancel()
	m, err := manifest.Build(ctx, manifest.DirSource{Root: src}, cfg, manifest.WithWorkers(c.Int("workers")))
	if err != nil {
		return err
	}
	data, err := manifest.Marshal(m, manifest.WithCompression(t))
	if err != nil {
		return err
	}
	if err := internal.WriteFileAtomic(out, data, 0o644); err != nil {
		return err
	}
	st := m.Stats()
	fmt.Fprintf(os.Stdout, "%s: %d files, %s in %d chunks (%d distinct, %s unique), manifest %s\n",
		out, st.Files, humanize.IBytes(uint64(st.TotalBytes)), st.Chunks, st.DistinctChunks,
		humanize.IBytes(uint64(st.UniqueBytes)), humanize.IBytes(uint64(len(data))))
	return nil
}

// readManifest loads and validates a manifest file.
func readManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, internal.IOError("read manifest", err)
	}
	return manifest.Unmarshal(data)
}
