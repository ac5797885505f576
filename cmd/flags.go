package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/zhengshuai-xiao/binsync/internal"
	"github.com/zhengshuai-xiao/binsync/pkg/chunk"
)

func expandFlags(compoundFlags ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, flags_ := range compoundFlags {
		flags = append(flags, flags_...)
	}
	return flags
}

func chunkingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "min-size",
			Usage: "minimum chunk size, e.g. 16KiB",
		},
		&cli.StringFlag{
			Name:  "avg-size",
			Usage: "average chunk size, e.g. 32KiB",
		},
		&cli.StringFlag{
			Name:  "max-size",
			Usage: "maximum chunk size, e.g. 64KiB",
		},
		&cli.StringFlag{
			Name:  "digest",
			Usage: "chunk fingerprint: sha256/blake3",
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "storage holding the published tree: posix/s3/aws/http/redis",
		},
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "backend address: a directory for posix, host:port for s3, a URL otherwise",
		},
		&cli.StringFlag{
			Name:  "bucket",
			Usage: "bucket name for s3 and aws",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "key prefix inside the backend, e.g. releases/v1",
		},
		&cli.StringFlag{
			Name:  "region",
			Usage: "bucket region",
		},
		&cli.StringFlag{
			Name:    "access-key",
			Usage:   "access key for s3 and aws",
			EnvVars: []string{"BINSYNC_ACCESS_KEY"},
		},
		&cli.StringFlag{
			Name:    "secret-key",
			Usage:   "secret key for s3 and aws",
			EnvVars: []string{"BINSYNC_SECRET_KEY"},
		},
		&cli.BoolFlag{
			Name:  "secure",
			Usage: "use TLS towards an s3 endpoint given without scheme",
		},
		&cli.StringFlag{
			Name:  "timeout",
			Usage: "backend request timeout, e.g. 30s, 2m or plain seconds",
		},
	}
}

func providerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "read-ahead",
			Usage: "chunks fetched ahead of the writer for each file",
		},
		&cli.IntFlag{
			Name:  "max-in-flight",
			Usage: "upper bound of concurrent chunk fetches",
		},
		&cli.IntFlag{
			Name:  "open-files",
			Usage: "source files kept open by the local provider",
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "retries of a failed remote fetch",
		},
		&cli.DurationFlag{
			Name:  "retry-interval",
			Usage: "initial backoff between remote retries",
		},
	}
}

func parseSize(c *cli.Context, name string, dst *int) error {
	if !c.IsSet(name) {
		return nil
	}
	n, err := humanize.ParseBytes(c.String(name))
	if err != nil {
		return fmt.Errorf("%w: --%s: %v", internal.ErrInvalidConfig, name, err)
	}
	*dst = int(n)
	return nil
}

// chunkConfig merges the chunking flags over conf.
func chunkConfig(c *cli.Context, conf *internal.Config) (chunk.Config, error) {
	cc := &conf.Chunking
	for name, dst := range map[string]*int{"min-size": &cc.MinSize, "avg-size": &cc.AvgSize, "max-size": &cc.MaxSize} {
		if err := parseSize(c, name, dst); err != nil {
			return chunk.Config{}, err
		}
	}
	if c.IsSet("digest") {
		cc.Digest = c.String("digest")
	}
	cfg := chunk.Config{
		MinSize: cc.MinSize,
		AvgSize: cc.AvgSize,
		MaxSize: cc.MaxSize,
		Digest:  chunk.Algorithm(cc.Digest),
	}
	return cfg, cfg.Validate()
}

func applyBackendFlags(c *cli.Context, conf *internal.BackendConfig) {
	for name, dst := range map[string]*string{
		"backend":    &conf.Type,
		"endpoint":   &conf.Endpoint,
		"bucket":     &conf.Bucket,
		"prefix":     &conf.Prefix,
		"region":     &conf.Region,
		"access-key": &conf.AccessKey,
		"secret-key": &conf.SecretKey,
	} {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("secure") {
		conf.Secure = c.Bool("secure")
	}
	if c.IsSet("timeout") {
		conf.Timeout = internal.Duration(c.String("timeout"))
	}
}

func applyProviderFlags(c *cli.Context, conf *internal.ProviderConfig) {
	for name, dst := range map[string]*int{
		"read-ahead":    &conf.ReadAhead,
		"max-in-flight": &conf.MaxInFlight,
		"open-files":    &conf.OpenFiles,
		"retries":       &conf.Retries,
	} {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	if c.IsSet("retry-interval") {
		conf.RetryInterval = c.Duration("retry-interval")
	}
}
