// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Not parallel: the cases swap the package-level ldflags variables.
func TestGetVersionInfo(t *testing.T) {
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	cases := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		wantVersion   string
		wantBuildDate string
	}{
		{
			name:          "stamped release",
			version:       "1.4.0",
			commit:        "9f2c1e84a0b7d3c5",
			buildDate:     "2025-06-01T08:15:00Z",
			wantVersion:   "1.4.0",
			wantBuildDate: "2025-06-01 08:15:00 UTC",
		},
		{
			name:          "dev build derives version from the commit",
			version:       "dev",
			commit:        "9f2c1e84a0b7d3c5",
			buildDate:     unknownStr,
			wantVersion:   "build-9f2c1e84",
			wantBuildDate: unknownStr,
		},
		{
			name:          "short commit is used whole",
			version:       "dev",
			commit:        "9f2c1e",
			buildDate:     unknownStr,
			wantVersion:   "build-9f2c1e",
			wantBuildDate: unknownStr,
		},
		{
			name:          "unparseable build date passes through",
			version:       "1.4.0",
			commit:        "9f2c1e84a0b7d3c5",
			buildDate:     "yesterday",
			wantVersion:   "1.4.0",
			wantBuildDate: "yesterday",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			Version, Commit, BuildDate = tc.version, tc.commit, tc.buildDate

			info := GetVersionInfo()
			assert.Equal(t, tc.wantVersion, info.Version)
			assert.Equal(t, tc.commit, info.Commit, "Commit reports the stamp untouched")
			assert.Equal(t, tc.wantBuildDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
		})
	}

	t.Run("dev build without any stamp", func(t *testing.T) {
		Version, Commit, BuildDate = "dev", unknownStr, unknownStr

		// Test binaries may or may not carry VCS metadata, so only the
		// shape is pinned here.
		info := GetVersionInfo()
		assert.True(t, strings.HasPrefix(info.Version, "build-"), "got %q", info.Version)
		assert.Equal(t, unknownStr, info.Commit)
	})
}

// The `cyfrd version --json` output is consumed by tooling; the field names
// are part of that contract.
func TestVersionInfoJSONFieldNames(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(VersionInfo{
		Version:   "1.4.0",
		Commit:    "9f2c1e84",
		BuildDate: "2025-06-01 08:15:00 UTC",
		GoVersion: runtime.Version(),
		Platform:  "linux/amd64",
	})
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, fields, key)
	}
}
