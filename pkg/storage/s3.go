// Copyright 2025 zhengshuai.xiao@outlook.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zhengshuai-xiao/binsync/internal"
)

// S3Backend implements Backend for an S3-compatible storage through minio-go.
type S3Backend struct {
	bucket string
	client *miniogo.Core
}

// splitEndpoint turns "http://host:port" into host:port and the TLS flag.
func splitEndpoint(endpoint string, secure bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, secure, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("%w: endpoint %q: %v", internal.ErrInvalidConfig, endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

func NewS3(conf internal.BackendConfig) (*S3Backend, error) {
	if conf.Endpoint == "" || conf.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 backend needs endpoint and bucket", internal.ErrInvalidConfig)
	}
	host, secure, err := splitEndpoint(conf.Endpoint, conf.Secure)
	if err != nil {
		return nil, err
	}
	core, err := miniogo.NewCore(host, &miniogo.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: secure,
		Region: conf.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", host, err)
	}
	return &S3Backend{bucket: conf.Bucket, client: core}, nil
}

func (s *S3Backend) Name() string {
	return "s3"
}

func isNoSuchKey(err error) bool {
	code := miniogo.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// Put uploads r. Seekable readers are hashed first so the server can verify
// the payload.
func (s *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	var md5Base64, sha256Hex string
	if rs, ok := r.(io.ReadSeeker); ok {
		var err error
		md5Base64, sha256Hex, err = calculateHashes(rs)
		if err != nil {
			return fmt.Errorf("failed to calc hash for %s: %w", key, err)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to reset reader for %s: %w", key, err)
		}
	}
	opts := miniogo.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, md5Base64, sha256Hex, opts); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Backend) get(ctx context.Context, key string, opts miniogo.GetObjectOptions) (io.ReadCloser, error) {
	rc, _, _, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object %s from S3 backend: %w", key, err)
	}
	return rc, nil
}

func (s *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, key, miniogo.GetObjectOptions{})
}

func (s *S3Backend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := checkRange(key, offset, length); err != nil {
		return nil, err
	}
	opts := miniogo.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	rc, err := s.get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readExactly(rc, key, length)
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, miniogo.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

func calculateHashes(r io.Reader) (md5Base64 string, sha256Hex string, err error) {
	md5Hasher := md5.New()
	sha256Hasher := sha256.New()

	multiWriter := io.MultiWriter(md5Hasher, sha256Hasher)
	if _, err := io.Copy(multiWriter, r); err != nil {
		return "", "", err
	}

	md5Base64 = base64.StdEncoding.EncodeToString(md5Hasher.Sum(nil))
	sha256Hex = hex.EncodeToString(sha256Hasher.Sum(nil))
	return md5Base64, sha256Hex, nil
}
