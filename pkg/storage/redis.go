package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/zhengshuai-xiao/binsync/internal"
)

// RedisBackend keeps objects as plain string values. Suited to small
// published trees and to sharing manifests between hosts.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(ctx context.Context, conf internal.BackendConfig) (*RedisBackend, error) {
	redis.SetLogger(logger)
	rdb, err := newUniversalRedisClient(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{rdb: rdb, prefix: "binsync:"}, nil
}

// newUniversalRedisClient connects to a single node, a cluster (host1,host2)
// or sentinels (master,sentinel1,sentinel2).
func newUniversalRedisClient(ctx context.Context, conf internal.BackendConfig) (redis.UniversalClient, error) {
	addr := conf.Endpoint
	if !strings.Contains(addr, "://") {
		addr = "redis://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis address format: %v", internal.ErrInvalidConfig, err)
	}
	hosts := strings.Split(u.Host, ",")
	// ParseURL only understands a single host
	single := *u
	single.Host = hosts[len(hosts)-1]
	opt, err := redis.ParseURL(single.String())
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse redis URL: %v", internal.ErrInvalidConfig, err)
	}
	if opt.Password == "" {
		opt.Password = os.Getenv("REDIS_PASSWORD")
	}

	universalOptions := &redis.UniversalOptions{
		Addrs:        hosts,
		DB:           opt.DB,
		Username:     opt.Username,
		Password:     opt.Password,
		MaxRetries:   conf.Retries,
		ReadTimeout:  conf.Timeout,
		WriteTimeout: conf.Timeout,
	}
	if universalOptions.MaxRetries == 0 {
		universalOptions.MaxRetries = -1 // Disable retries for redis client
	}

	if len(hosts) > 1 && !strings.Contains(hosts[0], ":") {
		universalOptions.MasterName = hosts[0]
		universalOptions.Addrs = hosts[1:]
		logger.Infof("Connecting to Redis in Sentinel mode. Master: %s, Sentinels: %v", universalOptions.MasterName, universalOptions.Addrs)
	} else if len(hosts) > 1 {
		logger.Infof("Connecting to Redis in Cluster mode. Nodes: %v", universalOptions.Addrs)
	} else {
		logger.Infof("Connecting to Redis in Single-node mode. Address: %s", universalOptions.Addrs[0])
	}

	rdb := redis.NewUniversalClient(universalOptions)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", internal.RemovePassword(conf.Endpoint), err)
	}
	return rdb, nil
}

func (r *RedisBackend) Name() string {
	return "redis"
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

func (r *RedisBackend) Put(ctx context.Context, key string, rd io.Reader, size int64) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short read for %s: %d of %d bytes", key, len(data), size)
	}
	return r.rdb.Set(ctx, r.prefix+key, data, 0).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *RedisBackend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := checkRange(key, offset, length); err != nil {
		return nil, err
	}
	data, err := r.rdb.GetRange(ctx, r.prefix+key, offset, offset+length-1).Bytes()
	if err != nil {
		return nil, err
	}
	// GETRANGE on a missing key or past the end returns a short string.
	if int64(len(data)) != length {
		return nil, fmt.Errorf("%w: %s is shorter than the requested range", ErrNotFound, key)
	}
	return data, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}
