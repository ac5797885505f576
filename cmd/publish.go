package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/pack"
	"github.com/zhengshuai-xiao/binsync/pkg/storage"
)

func cmdPublish() *cli.Command {
	selfFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "manifest",
			Usage: "publish this manifest instead of chunking SOURCE-DIR again",
		},
		&cli.StringFlag{
			Name:  "layout",
			Usage: "how chunks are stored: packs/loose",
		},
		&cli.StringFlag{
			Name:  "pack-size",
			Usage: "target pack size, e.g. 16MiB",
		},
		&cli.IntFlag{
			Name:  "uploaders",
			Usage: "objects uploaded in parallel",
		},
		&cli.StringFlag{
			Name:  "compression",
			Usage: "compress the published manifest: none/zlib/snappy/zstd/lz4",
		},
		&cli.BoolFlag{
			Name:  "no-prune",
			Usage: "keep objects only the previous publish used",
		},
	}
	return &cli.Command{
		Name:      "publish",
		Action:    publish,
		Category:  "PUBLISHER",
		Usage:     "Upload a source tree's chunks and manifest to a backend",
		ArgsUsage: "SOURCE-DIR",
		Description: `
The chunks are grouped into content-addressed packs (or stored one object
per chunk with --layout loose), then the layout and the manifest are
written. Republishing only uploads packs that changed.

Examples:
$ binsync publish --backend posix --endpoint /srv/mirror ./build/out
$ binsync publish --backend s3 --endpoint 127.0.0.1:9000 --bucket releases --prefix app/v2 ./build/out`,
		Flags: expandFlags(selfFlags, chunkingFlags(), backendFlags()),
	}
}

func publish(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("%w: publish needs SOURCE-DIR", internal.ErrInvalidConfig)
	}
	src := c.Args().First()
	if !internal.Exists(src) {
		return fmt.Errorf("%w: source %s does not exist", internal.ErrInvalidConfig, src)
	}
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("layout") {
		conf.Publish.Layout = c.String("layout")
	}
	if c.IsSet("pack-size") {
		n, err := humanize.ParseBytes(c.String("pack-size"))
		if err != nil {
			return fmt.Errorf("%w: --pack-size: %v", internal.ErrInvalidConfig, err)
		}
		conf.Publish.PackSize = int64(n)
	}
	if c.IsSet("uploaders") {
		conf.Publish.Uploaders = c.Int("uploaders")
	}
	if c.IsSet("compression") {
		conf.Publish.Compression = c.String("compression")
	}
	opts, err := pack.FromConfig(conf.Publish)
	if err != nil {
		return err
	}
	opts = append(opts, pack.WithPrune(!c.Bool("no-prune")))

	ctx, cancel := signalContext(c)
	defer cancel()

	var m *manifest.Manifest
	if path := c.String("manifest"); path != "" {
		if m, err = readManifest(path); err != nil {
			return err
		}
	} else {
		cfg, err := chunkConfig(c, conf)
		if err != nil {
			return err
		}
		if m, err = manifest.Build(ctx, manifest.DirSource{Root: src}, cfg); err != nil {
			return err
		}
	}

	backend, closeBackend, err := openBackend(ctx, c, conf)
	if err != nil {
		return err
	}
	defer closeBackend()
	res, err := pack.Publish(ctx, backend, src, m, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "published %d files to %s: %d objects uploaded (%s), %d already present, %d pruned\n",
		len(m.Files), backend.Name(), res.Uploaded, humanize.IBytes(uint64(res.UploadedBytes)), res.Skipped, res.Pruned)
	return nil
}

// openBackend applies the backend flags over conf and connects.
func openBackend(ctx context.Context, c *cli.Context, conf *internal.Config) (storage.Backend, func(), error) {
	applyBackendFlags(c, &conf.Backend)
	backend, err := storage.New(ctx, conf.Backend)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if cl, ok := backend.(io.Closer); ok {
		closeFn = func() {
			if err := cl.Close(); err != nil {
				logger.Warnf("close %s: %v", backend.Name(), err)
			}
		}
	}
	return backend, closeFn, nil
}
