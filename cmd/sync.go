package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/pack"
	"github.com/zhengshuai-xiao/binsync/pkg/provider"
	"github.com/zhengshuai-xiao/binsync/pkg/syncer"
)

func cmdSync() *cli.Command {
	selfFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "provider",
			Usage: "where missing chunks come from: local (a source tree) or remote (a published backend)",
		},
		&cli.StringFlag{
			Name:  "source",
			Usage: "source tree for the local provider",
		},
		&cli.StringFlag{
			Name:  "manifest",
			Usage: "manifest file for the local provider; chunked from --source when omitted",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "files reconciled in parallel",
		},
		&cli.IntFlag{
			Name:  "inventory-workers",
			Usage: "destination files chunked in parallel during inventory",
		},
		&cli.BoolFlag{
			Name:  "delete-extra",
			Usage: "delete destination files the manifest does not name",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "only print what would be fetched and reused",
		},
		&cli.BoolFlag{
			Name:  "progress",
			Usage: "log every finished file",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "write Prometheus metrics in textfile format when done",
		},
	}
	return &cli.Command{
		Name:      "sync",
		Action:    syncTree,
		Category:  "CONSUMER",
		Usage:     "Make a destination directory match a manifest",
		ArgsUsage: "DEST-DIR",
		Description: `
Chunks already present anywhere in DEST-DIR are reused; the others are
fetched from the provider. Every file is written to a temporary file and
renamed into place, so a file is either its old or its new version.

Examples:
$ binsync sync --source /mnt/build/out /opt/app
$ binsync sync --manifest release.binsync --source /mnt/build/out /opt/app
$ binsync sync --provider remote --backend http --endpoint https://mirror.example.com/app/v2 /opt/app`,
		Flags: expandFlags(selfFlags, providerFlags(), backendFlags(), chunkingFlags()),
	}
}

func syncTree(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("%w: sync needs DEST-DIR", internal.ErrInvalidConfig)
	}
	dest := c.Args().First()
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyProviderFlags(c, &conf.Provider)
	if c.IsSet("provider") {
		conf.Provider.Kind = c.String("provider")
	}
	if c.IsSet("source") {
		conf.Provider.Source = c.String("source")
	}
	if c.IsSet("concurrency") {
		conf.Sync.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("inventory-workers") {
		conf.Sync.InventoryWorkers = c.Int("inventory-workers")
	}
	if c.IsSet("delete-extra") {
		conf.Sync.DeleteExtra = c.Bool("delete-extra")
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	var (
		m *manifest.Manifest
		p provider.ChunkProvider
	)
	popts := provider.FromConfig(conf.Provider)
	switch conf.Provider.Kind {
	case "remote":
		if c.IsSet("manifest") {
			return fmt.Errorf("%w: the remote provider uses the published manifest, drop --manifest", internal.ErrInvalidConfig)
		}
		backend, closeBackend, err := openBackend(ctx, c, conf)
		if err != nil {
			return err
		}
		defer closeBackend()
		var remote *provider.Remote
		if m, remote, err = pack.OpenRemote(ctx, backend, popts...); err != nil {
			return err
		}
		defer remote.Close()
		p = remote
	default:
		if conf.Provider.Source == "" {
			return fmt.Errorf("%w: the local provider needs --source", internal.ErrInvalidConfig)
		}
		if m, err = localManifest(ctx, c, conf); err != nil {
			return err
		}
		caching, err := provider.NewCaching(conf.Provider.Source, m, popts...)
		if err != nil {
			return err
		}
		defer caching.Close()
		p = caching
	}

	opts := syncer.FromConfig(conf.Sync)
	var wg sync.WaitGroup
	if c.Bool("progress") {
		events := make(chan syncer.Event, 256)
		opts = append(opts, syncer.WithEvents(events))
		wg.Add(1)
		go func() {
			defer wg.Done()
			logProgress(events)
		}()
		defer func() {
			close(events)
			wg.Wait()
		}()
	}
	s := syncer.New(dest, p, m, opts...)

	if c.Bool("dry-run") {
		plan, err := s.Plan(ctx)
		if err != nil {
			return err
		}
		printPlan(plan)
		return nil
	}

	report, err := s.Sync(ctx)
	if report != nil {
		printReport(report)
	}
	if path := c.String("metrics-file"); path != "" {
		if werr := internal.WriteMetricsFile(path); werr != nil {
			logger.Warnf("write metrics to %s: %v", path, werr)
		}
	}
	return err
}

// localManifest reads --manifest, or chunks the source tree when it is not given.
func localManifest(ctx context.Context, c *cli.Context, conf *internal.Config) (*manifest.Manifest, error) {
	if path := c.String("manifest"); path != "" {
		return readManifest(path)
	}
	cfg, err := chunkConfig(c, conf)
	if err != nil {
		return nil, err
	}
	return manifest.Build(ctx, manifest.DirSource{Root: conf.Provider.Source}, cfg)
}

func logProgress(events <-chan syncer.Event) {
	for ev := range events {
		switch ev.Kind {
		case syncer.EventFileDone:
			logger.Infof("done %s (%s)", ev.Path, humanize.IBytes(uint64(ev.Bytes)))
		case syncer.EventFileFailed:
			logger.Warnf("failed %s: %v", ev.Path, ev.Err)
		}
	}
}

func printPlan(plan *syncer.Plan) {
	changed := len(plan.Files) - plan.Unchanged
	fmt.Fprintf(os.Stdout, "%d files: %d unchanged, %d to write\n", len(plan.Files), plan.Unchanged, changed)
	fmt.Fprintf(os.Stdout, "fetch %d chunks (%s), reuse %s\n",
		plan.FetchChunks, humanize.IBytes(uint64(plan.FetchBytes)), humanize.IBytes(uint64(plan.ReuseBytes)))
	for _, f := range plan.Files {
		if f.Unchanged {
			continue
		}
		var fetch int
		for _, op := range f.Ops {
			if op.Kind == syncer.OpFetch {
				fetch++
			}
		}
		fmt.Fprintf(os.Stdout, "  %s: %d of %d chunks fetched\n", f.Path, fetch, len(f.Ops))
	}
	for _, p := range plan.Extra {
		fmt.Fprintf(os.Stdout, "  extra: %s\n", p)
	}
}

func printReport(r *syncer.Report) {
	fmt.Fprintln(os.Stdout, r.Summary())
	for _, f := range r.Files {
		if f.Status == syncer.StatusFailed {
			fmt.Fprintf(os.Stderr, "  %s %s: %v\n", f.Kind, f.Path, f.Err)
		}
	}
}
