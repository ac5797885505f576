package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/manifest"
	"github.com/zhengshuai-xiao/binsync/pkg/pack"
)

func cmdInspect() *cli.Command {
	selfFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "files",
			Usage: "list every file",
		},
		&cli.BoolFlag{
			Name:  "chunks",
			Usage: "list the chunks of every file",
		},
		&cli.BoolFlag{
			Name:  "published",
			Usage: "read the manifest and layout published on the backend instead of a file",
		},
	}
	return &cli.Command{
		Name:      "inspect",
		Action:    inspect,
		Category:  "TOOL",
		Usage:     "Show what a manifest describes",
		ArgsUsage: "[MANIFEST-FILE]",
		Description: `
Examples:
$ binsync inspect --files release.binsync
$ binsync inspect --published --backend posix --endpoint /srv/mirror`,
		Flags: expandFlags(selfFlags, backendFlags()),
	}
}

func inspect(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	var m *manifest.Manifest
	if c.Bool("published") {
		ctx, cancel := signalContext(c)
		defer cancel()
		backend, closeBackend, err := openBackend(ctx, c, conf)
		if err != nil {
			return err
		}
		defer closeBackend()
		if m, _, err = pack.LoadManifest(ctx, backend); err != nil {
			return err
		}
		layout, err := pack.LoadLayout(ctx, backend)
		if err != nil {
			return err
		}
		var stored int64
		for _, p := range layout.Packs {
			stored += p.Size
		}
		fmt.Fprintf(os.Stdout, "backend:   %s\n", backend.Name())
		fmt.Fprintf(os.Stdout, "layout:    %s, %d packs (%s), %d loose chunks\n",
			layout.Kind, len(layout.Packs), humanize.IBytes(uint64(stored)), len(layout.Loose))
	} else {
		if c.Args().Len() != 1 {
			return fmt.Errorf("%w: inspect needs MANIFEST-FILE or --published", internal.ErrInvalidConfig)
		}
		if m, err = readManifest(c.Args().First()); err != nil {
			return err
		}
	}

	st := m.Stats()
	fmt.Fprintf(os.Stdout, "version:   %d\n", m.Version)
	fmt.Fprintf(os.Stdout, "chunking:  %s\n", m.Chunking)
	fmt.Fprintf(os.Stdout, "files:     %d\n", st.Files)
	fmt.Fprintf(os.Stdout, "size:      %s\n", humanize.IBytes(uint64(st.TotalBytes)))
	fmt.Fprintf(os.Stdout, "chunks:    %d (%d distinct)\n", st.Chunks, st.DistinctChunks)
	fmt.Fprintf(os.Stdout, "unique:    %s", humanize.IBytes(uint64(st.UniqueBytes)))
	if st.TotalBytes > 0 {
		fmt.Fprintf(os.Stdout, " (%.1f%% of size)", 100*float64(st.UniqueBytes)/float64(st.TotalBytes))
	}
	fmt.Fprintln(os.Stdout)

	if !c.Bool("files") && !c.Bool("chunks") {
		return nil
	}
	for _, f := range m.Files {
		fmt.Fprintf(os.Stdout, "%s %10s %s\n", f.Mode, humanize.IBytes(uint64(f.Size)), f.Path)
		if c.Bool("chunks") {
			for _, ch := range f.Chunks {
				fmt.Fprintf(os.Stdout, "    %12d %8d %s\n", ch.Offset, ch.Len, ch.FP)
			}
		}
	}
	return nil
}
