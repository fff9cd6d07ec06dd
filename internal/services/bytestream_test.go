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

package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReadResource(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	tests := []struct {
		name         string
		resource     string
		wantInstance string
		wantErr      bool
	}{
		{
			name:         "plain instance",
			resource:     "main/blobs/" + hash + "/42",
			wantInstance: "main",
		},
		{
			name:         "empty instance",
			resource:     "/blobs/" + hash + "/42",
			wantInstance: "",
		},
		{
			name:         "instance with slashes",
			resource:     "org/team/blobs/" + hash + "/42",
			wantInstance: "org/team",
		},
		{
			name:     "missing size",
			resource: "main/blobs/" + hash,
			wantErr:  true,
		},
		{
			name:     "bad hash",
			resource: "main/blobs/nothex/42",
			wantErr:  true,
		},
		{
			name:     "bad size",
			resource: "main/blobs/" + hash + "/many",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseReadResource(tt.resource)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInstance, res.instance)
			assert.Equal(t, hash, res.digest.HashString())
			assert.Equal(t, int64(42), res.digest.SizeBytes)
		})
	}
}

func TestParseWriteResource(t *testing.T) {
	hash := strings.Repeat("cd", 32)
	tests := []struct {
		name         string
		resource     string
		wantInstance string
		wantErr      bool
	}{
		{
			name:         "plain",
			resource:     "main/uploads/uuid-1234/blobs/" + hash + "/7",
			wantInstance: "main",
		},
		{
			name:         "trailing metadata",
			resource:     "main/uploads/uuid-1234/blobs/" + hash + "/7/meta/data",
			wantInstance: "main",
		},
		{
			name:         "empty instance",
			resource:     "uploads/uuid-1234/blobs/" + hash + "/7",
			wantInstance: "",
		},
		{
			name:     "no uploads marker",
			resource: "main/blobs/" + hash + "/7",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseWriteResource(tt.resource)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInstance, res.instance)
			assert.Equal(t, hash, res.digest.HashString())
			assert.Equal(t, int64(7), res.digest.SizeBytes)
		})
	}
}
