package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Chunking, conf.Chunking)
	assert.Equal(t, "local", conf.Provider.Kind)
	assert.Equal(t, "packs", conf.Publish.Layout)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binsync.yaml")
	data := `
chunking:
  avg_size: 8192
sync:
  concurrency: 8
  delete_extra: true
provider:
  kind: remote
  retry_interval: 1s
backend:
  type: s3
  endpoint: 127.0.0.1:9000
  bucket: trees
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, conf.Chunking.AvgSize)
	assert.Equal(t, 16*1024, conf.Chunking.MinSize)
	assert.Equal(t, 8, conf.Sync.Concurrency)
	assert.True(t, conf.Sync.DeleteExtra)
	assert.Equal(t, "remote", conf.Provider.Kind)
	assert.Equal(t, time.Second, conf.Provider.RetryInterval)
	assert.Equal(t, "trees", conf.Backend.Bucket)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BINSYNC_FASTCDC_AVG_SIZE", "4096")
	t.Setenv("BINSYNC_FASTCDC_MAX_SIZE", "not-a-number")
	t.Setenv("BINSYNC_ACCESS_KEY", "ak")

	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4096, conf.Chunking.AvgSize)
	assert.Equal(t, 64*1024, conf.Chunking.MaxSize)
	assert.Equal(t, "ak", conf.Backend.AccessKey)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"concurrency": "sync:\n  concurrency: 0\n",
		"kind":        "provider:\n  kind: ftp\n",
		"layout":      "publish:\n  layout: tar\n",
		"syntax":      "sync: [\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
			_, err := LoadConfig(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	conf := DefaultConfig()
	conf.Backend.Prefix = "release"
	require.NoError(t, conf.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, conf, loaded)
}
