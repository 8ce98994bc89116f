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

// Package config resolves the quo-vadis daemon configuration from
// defaults, an optional YAML file, and the environment, in that order.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

const (
	// DefaultPort is the TCP port the daemon listens on by default.
	DefaultPort = 55995
	// portEnvVar selects the server port when TCP is used.
	portEnvVar = "QV_PORT"
	// tmpdirEnvVar overrides the topology export directory.
	tmpdirEnvVar = "QV_TMPDIR"
)

// Config is the daemon configuration.
type Config struct {
	// URL is the RMI listen address.
	URL string `json:"url,omitempty"`
	// TmpDir is the directory the topology XML is exported under.
	TmpDir string `json:"tmpDir,omitempty"`
	// QueueDepth is the RMI worker pool size.
	QueueDepth int `json:"queueDepth,omitempty"`
	// MetricsAddr is the optional address to expose metrics on.
	MetricsAddr string `json:"metricsAddr,omitempty"`
	// PidFile is the optional daemon pid file path.
	PidFile string `json:"pidFile,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		URL:    fmt.Sprintf("tcp://127.0.0.1:%d", DefaultPort),
		TmpDir: defaultTmpDir(),
	}
}

// FromFile overlays a YAML configuration file onto cfg.
func (cfg *Config) FromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(qverr.ErrFileIO, "config %s: %v", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return errors.Wrapf(qverr.ErrInvalidArg, "config %s: %v", path, err)
	}
	return nil
}

// FromEnv overlays the environment onto cfg: QV_PORT selects the TCP
// port, QV_TMPDIR the topology directory.
func (cfg *Config) FromEnv() error {
	if port, ok := os.LookupEnv(portEnvVar); ok {
		if port == "" {
			return errors.Wrapf(qverr.ErrEnv, "empty $%s", portEnvVar)
		}
		cfg.URL = "tcp://127.0.0.1:" + port
	}
	if dir, ok := os.LookupEnv(tmpdirEnvVar); ok && dir != "" {
		cfg.TmpDir = dir
	}
	return nil
}

// defaultTmpDir resolves the topology export directory: $TMPDIR, falling
// back to /tmp.
func defaultTmpDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return "/tmp"
}
