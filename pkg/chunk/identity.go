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
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"github.com/zhengshuai-xiao/binsync/internal"
)

// FingerprintSize is the width in bytes of every supported digest.
const FingerprintSize = 32

// Fingerprint is the content identity of a chunk.
type Fingerprint [FingerprintSize]byte

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Short is the first 8 bytes in hex, for logs.
func (fp Fingerprint) Short() string {
	return hex.EncodeToString(fp[:8])
}

// ParseFingerprint decodes a 64 character hex string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(b) != FingerprintSize {
		return fp, fmt.Errorf("invalid fingerprint %q: want %d bytes, got %d", s, FingerprintSize, len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

// Algorithm names a digest used for chunk identity.
type Algorithm string

const (
	DigestSHA256 Algorithm = "sha256"
	DigestBLAKE3 Algorithm = "blake3"
)

// Identity computes fingerprints. It is a pure function of the bytes.
type Identity struct {
	alg Algorithm
}

// NewIdentity returns the identity for alg. An empty alg selects sha256.
func NewIdentity(alg Algorithm) (Identity, error) {
	switch alg {
	case "", DigestSHA256:
		return Identity{alg: DigestSHA256}, nil
	case DigestBLAKE3:
		return Identity{alg: DigestBLAKE3}, nil
	default:
		return Identity{}, fmt.Errorf("%w: unknown digest %q", internal.ErrInvalidConfig, alg)
	}
}

func (id Identity) Algorithm() Algorithm {
	if id.alg == "" {
		return DigestSHA256
	}
	return id.alg
}

// Sum returns the fingerprint of data.
func (id Identity) Sum(data []byte) Fingerprint {
	if id.alg == DigestBLAKE3 {
		return Fingerprint(blake3.Sum256(data))
	}
	return Fingerprint(sha256.Sum256(data))
}

// Verify reports whether data hashes to fp.
func (id Identity) Verify(fp Fingerprint, data []byte) bool {
	return id.Sum(data) == fp
}
