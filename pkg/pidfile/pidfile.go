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

// Package pidfile implements the daemon's pid file handling.
package pidfile

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

var path string

// Write records the calling process's pid at the given path.
func Write(p string) error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(p, []byte(pid), 0o644); err != nil {
		return errors.Wrapf(qverr.ErrFileIO, "pid file %s: %v", p, err)
	}
	path = p
	return nil
}

// Remove deletes the pid file written by Write.
func Remove() error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(qverr.ErrFileIO, "pid file %s: %v", path, err)
	}
	path = ""
	return nil
}

// Read returns the pid recorded at the given path.
func Read(p string) (int, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return 0, errors.Wrapf(qverr.ErrFileIO, "pid file %s: %v", p, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Wrapf(qverr.ErrInvalidArg, "pid file %s: %v", p, err)
	}
	return pid, nil
}
