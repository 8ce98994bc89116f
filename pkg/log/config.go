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

package log

import (
	"os"
	"strings"
)

const (
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "QV_LOG_DEBUG"
)

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

// parse parses the given string and updates the srcmap accordingly. The
// accepted syntax is a comma-separated list of sources, each optionally
// prefixed by a state ("on:" or "off:") that sticks until the next prefix.
// The source "all" toggles every source.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}
	if value = strings.TrimSpace(value); value == "" {
		return nil
	}

	state := "on"
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		src := entry
		if statesrc := strings.SplitN(entry, ":", 2); len(statesrc) == 2 {
			state, src = statesrc[0], strings.TrimSpace(statesrc[1])
		}
		var enabled bool
		switch strings.ToLower(state) {
		case "on", "true", "enable", "enabled":
			enabled = true
		case "off", "false", "disable", "disabled":
			enabled = false
		default:
			return loggerError("invalid state '%s' in source map", state)
		}
		if src == "all" {
			src = "*"
		}
		(*m)[src] = enabled
	}

	return nil
}

// enabled returns the debugging state of the given source.
func (m srcmap) enabled(source string) bool {
	if m == nil {
		return false
	}
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

// Initialize debug logging from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		debugFlags := make(srcmap)
		if err := debugFlags.parse(value); err != nil {
			Default().Error("failed to parse $%s %q: %v", debugEnvVar, value, err)
			return
		}
		log.Lock()
		log.dbgmap = debugFlags
		log.Unlock()
	}
}
