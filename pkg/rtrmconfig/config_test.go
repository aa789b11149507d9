// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package rtrmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rtrm.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaultsAndFileValues(t *testing.T) {
	path := writeTestConfig(t, "[resource-manager]\nlog-level = debug\n")
	c := New()
	require.NoError(t, c.Load(path))

	require.Equal(t, "debug", c.GetString("resource-manager.log-level"))
	require.Equal(t, "forced", c.GetString("synchronization-manager.ordering"))
}

func TestRegisterModuleFiresImmediately(t *testing.T) {
	path := writeTestConfig(t, "[power-monitor]\nema-alpha = 0.5\n")
	c := New()
	require.NoError(t, c.Load(path))

	var seen Event
	c.RegisterModule("power-monitor", func(ev Event) error {
		seen = ev
		return nil
	})

	require.Equal(t, UpdateEvent, seen)
}

func TestLoadMissingFileFails(t *testing.T) {
	c := New()
	err := c.Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}
