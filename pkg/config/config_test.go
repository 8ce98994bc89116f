// Copyright The Quo-Vadis Authors. All Rights Reserved.
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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

func TestDefault(t *testing.T) {
	t.Setenv("TMPDIR", "")
	cfg := Default()
	assert.Equal(t, "tcp://127.0.0.1:55995", cfg.URL)
	assert.Equal(t, "/tmp", cfg.TmpDir)
}

func TestDefaultHonorsTmpdir(t *testing.T) {
	t.Setenv("TMPDIR", "/var/tmp")
	assert.Equal(t, "/var/tmp", Default().TmpDir)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("QV_PORT", "6001")
	t.Setenv("QV_TMPDIR", "/run/qv")

	cfg := Default()
	require.NoError(t, cfg.FromEnv())
	assert.Equal(t, "tcp://127.0.0.1:6001", cfg.URL)
	assert.Equal(t, "/run/qv", cfg.TmpDir)
}

func TestFromEnvEmptyPort(t *testing.T) {
	t.Setenv("QV_PORT", "")
	cfg := Default()
	err := cfg.FromEnv()
	require.Error(t, err)
	assert.Equal(t, qverr.ErrEnv, qverr.CodeOf(err))
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"url: unix:///run/quo-vadisd.sock\nqueueDepth: 16\n"), 0o644))

	cfg := Default()
	require.NoError(t, cfg.FromFile(path))
	assert.Equal(t, "unix:///run/quo-vadisd.sock", cfg.URL)
	assert.Equal(t, 16, cfg.QueueDepth)
	// Unset fields keep their defaults.
	assert.NotEmpty(t, cfg.TmpDir)
}

func TestFromFileErrors(t *testing.T) {
	cfg := Default()
	err := cfg.FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, qverr.ErrFileIO, qverr.CodeOf(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nonsense: true\n"), 0o644))
	err = cfg.FromFile(path)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrInvalidArg, qverr.CodeOf(err))
}
