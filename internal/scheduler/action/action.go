// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package action defines the submission, identity and state types for one
// remote execution action.
package action

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/pkg/errors"
)

// DigestFunction identifies the hash function behind a digest.
type DigestFunction int

const (
	// SHA256 is the default digest function.
	SHA256 DigestFunction = iota
	// BLAKE3 is the alternative digest function.
	BLAKE3
)

// String returns the config-facing name of the digest function.
func (f DigestFunction) String() string {
	switch f {
	case BLAKE3:
		return "blake3"
	default:
		return "sha256"
	}
}

// ParseDigestFunction parses a config-facing digest function name.
func ParseDigestFunction(s string) (DigestFunction, error) {
	switch s {
	case "", "sha256":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, errors.New(errors.CodeInvalidArgument, "unknown digest function %q", s)
	}
}

// Digest identifies a blob by its 32-byte hash and size.
type Digest struct {
	Hash      [32]byte
	SizeBytes int64
}

// NewDigest builds a Digest from a lowercase hex hash string and size.
func NewDigest(hexHash string, sizeBytes int64) (Digest, error) {
	if len(hexHash) != 64 {
		return Digest{}, errors.New(errors.CodeInvalidArgument,
			"digest hash must be 64 hex characters, got %d", len(hexHash))
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return Digest{}, errors.New(errors.CodeInvalidArgument, "digest hash is not valid hex: %v", err)
	}
	if sizeBytes < 0 {
		return Digest{}, errors.New(errors.CodeInvalidArgument, "digest size must be non-negative, got %d", sizeBytes)
	}
	var d Digest
	copy(d.Hash[:], raw)
	d.SizeBytes = sizeBytes
	return d, nil
}

// HashString returns the lowercase hex encoding of the hash.
func (d Digest) HashString() string {
	return hex.EncodeToString(d.Hash[:])
}

// String returns "hash-size", the usual wire spelling.
func (d Digest) String() string {
	return fmt.Sprintf("%s-%d", d.HashString(), d.SizeBytes)
}

// Key is the deduplication fingerprint of an action: two submissions collide
// iff instance name, digest and salt are all equal. The salt lets a client
// intentionally defeat deduplication.
type Key struct {
	InstanceName string
	Digest       Digest
	Salt         uint64
}

// String renders the fingerprint for logs and map diagnostics.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.InstanceName, k.Digest, k.Salt)
}

// Info describes one action submission.
type Info struct {
	CommandDigest      Digest
	InputRootDigest    Digest
	Timeout            time.Duration
	PlatformProperties *platform.Properties
	Priority           int32
	LoadTimestamp      time.Time
	InsertTimestamp    time.Time
	UniqueQualifier    Key
	SkipCacheLookup    bool
	DigestFunction     DigestFunction
}

// RunsBefore reports whether this action should dispatch before other:
// higher priority first, then earlier insert time, then fingerprint order
// for determinism.
func (i *Info) RunsBefore(other *Info) bool {
	if i.Priority != other.Priority {
		return i.Priority > other.Priority
	}
	if !i.InsertTimestamp.Equal(other.InsertTimestamp) {
		return i.InsertTimestamp.Before(other.InsertTimestamp)
	}
	return i.UniqueQualifier.String() < other.UniqueQualifier.String()
}
