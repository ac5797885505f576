package storage

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengshuai-xiao/binsync/internal"
)

// exerciseBackend runs the behaviour every writable backend shares.
func exerciseBackend(t *testing.T, b Backend) {
	ctx := context.Background()
	payload := []byte("0123456789abcdefghij")

	require.NoError(t, b.Put(ctx, "packs/p1.binpack", bytes.NewReader(payload), int64(len(payload))))

	all, err := ReadAll(ctx, b, "packs/p1.binpack")
	require.NoError(t, err)
	assert.Equal(t, payload, all)

	part, err := b.GetRange(ctx, "packs/p1.binpack", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), part)

	_, err = b.GetRange(ctx, "packs/p1.binpack", 18, 5)
	assert.ErrorIs(t, err, ErrNotFound, "range past the end")

	_, err = b.GetRange(ctx, "packs/p1.binpack", -1, 5)
	assert.Error(t, err)

	_, err = b.Get(ctx, "packs/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.GetRange(ctx, "packs/missing", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	// overwrite
	require.NoError(t, b.Put(ctx, "packs/p1.binpack", bytes.NewReader([]byte("new")), 3))
	all, err = ReadAll(ctx, b, "packs/p1.binpack")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), all)

	require.NoError(t, b.Delete(ctx, "packs/p1.binpack"))
	require.NoError(t, b.Delete(ctx, "packs/p1.binpack"))
	_, err = b.Get(ctx, "packs/p1.binpack")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPOSIXBackend(t *testing.T) {
	b, err := NewPOSIX(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "posix", b.Name())
	exerciseBackend(t, b)
}

func TestPOSIXBackend_RejectsEscapingKeys(t *testing.T) {
	b, err := NewPOSIX(t.TempDir())
	require.NoError(t, err)
	err = b.Put(context.Background(), "../outside", bytes.NewReader(nil), 0)
	assert.Error(t, err)
	_, err = b.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestPOSIXBackend_ShortPut(t *testing.T) {
	root := t.TempDir()
	b, err := NewPOSIX(root)
	require.NoError(t, err)
	err = b.Put(context.Background(), "k", bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
	assert.False(t, internal.Exists(filepath.Join(root, "k")))
}

func TestPrefixedBackend(t *testing.T) {
	root := t.TempDir()
	inner, err := NewPOSIX(root)
	require.NoError(t, err)
	b := WithPrefix(inner, "/releases/v1/")
	assert.Equal(t, "posix:releases/v1", b.Name())
	exerciseBackend(t, b)

	require.NoError(t, b.Put(context.Background(), "manifest.binsync", bytes.NewReader([]byte("m")), 1))
	assert.True(t, internal.Exists(filepath.Join(root, "releases", "v1", "manifest.binsync")))
}

func TestHTTPBackend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packs", "p1.binpack"), []byte("0123456789abcdefghij"), 0o644))

	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		http.FileServer(http.Dir(root)).ServeHTTP(w, r)
	}))
	defer srv.Close()

	b, err := NewHTTP(internal.BackendConfig{Endpoint: srv.URL + "/"})
	require.NoError(t, err)
	ctx := context.Background()

	part, err := b.GetRange(ctx, "packs/p1.binpack", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), part)
	assert.Equal(t, "bytes=10-14", ranges[len(ranges)-1])

	all, err := ReadAll(ctx, b, "packs/p1.binpack")
	require.NoError(t, err)
	assert.Len(t, all, 20)

	_, err = b.GetRange(ctx, "packs/missing", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.GetRange(ctx, "packs/p1.binpack", 30, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, b.Put(ctx, "x", bytes.NewReader(nil), 0), ErrReadOnly)
	assert.ErrorIs(t, b.Delete(ctx, "x"), ErrReadOnly)
}

func TestHTTPBackend_IgnoredRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	b, err := NewHTTP(internal.BackendConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	part, err := b.GetRange(context.Background(), "any", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), part)
}

func TestHTTPBackend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b, err := NewHTTP(internal.BackendConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = b.GetRange(context.Background(), "any", 0, 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name    string
		conf    internal.BackendConfig
		wantErr bool
		want    string
	}{
		{"posix", internal.BackendConfig{Type: "posix", Endpoint: t.TempDir()}, false, "posix"},
		{"posix with prefix", internal.BackendConfig{Type: "posix", Endpoint: t.TempDir(), Prefix: "p"}, false, "posix:p"},
		{"http", internal.BackendConfig{Type: "http", Endpoint: "http://127.0.0.1:1"}, false, "http"},
		{"http without scheme", internal.BackendConfig{Type: "http", Endpoint: "127.0.0.1:1"}, true, ""},
		{"s3", internal.BackendConfig{Type: "s3", Endpoint: "http://127.0.0.1:9000", Bucket: "b"}, false, "s3"},
		{"s3 without bucket", internal.BackendConfig{Type: "s3", Endpoint: "http://127.0.0.1:9000"}, true, ""},
		{"aws", internal.BackendConfig{Type: "aws", Endpoint: "http://127.0.0.1:9000", Bucket: "b", Region: "us-east-1", AccessKey: "a", SecretKey: "s"}, false, "aws"},
		{"posix without root", internal.BackendConfig{Type: "posix"}, true, ""},
		{"unknown", internal.BackendConfig{Type: "ftp"}, true, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(ctx, tc.conf)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, b.Name())
		})
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("BINSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("set BINSYNC_TEST_REDIS=host:port to run against a real redis")
	}
	b, err := NewRedis(context.Background(), internal.BackendConfig{Endpoint: addr})
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
}

func TestS3Backend(t *testing.T) {
	endpoint := os.Getenv("BINSYNC_TEST_S3")
	if endpoint == "" {
		t.Skip("set BINSYNC_TEST_S3, BINSYNC_ACCESS_KEY, BINSYNC_SECRET_KEY to run against an S3 server")
	}
	conf := internal.BackendConfig{
		Endpoint:  endpoint,
		Bucket:    "binsync-test",
		Region:    "us-east-1",
		AccessKey: os.Getenv("BINSYNC_ACCESS_KEY"),
		SecretKey: os.Getenv("BINSYNC_SECRET_KEY"),
	}
	s3b, err := NewS3(conf)
	require.NoError(t, err)
	exerciseBackend(t, s3b)

	awsb, err := NewAWS(context.Background(), conf)
	require.NoError(t, err)
	exerciseBackend(t, awsb)
}
