// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu       sync.Mutex
	recorded []string
}

func (r *recordingBackend) Name() string          { return "recording" }
func (r *recordingBackend) PrefixPreference() bool { return true }
func (r *recordingBackend) Info(m string)          { r.record("I:" + m) }
func (r *recordingBackend) Warn(m string)          { r.record("W:" + m) }
func (r *recordingBackend) Error(m string)         { r.record("E:" + m) }
func (r *recordingBackend) Debug(m string)         { r.record("D:" + m) }
func (r *recordingBackend) Flush()                 {}

func (r *recordingBackend) record(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, m)
}

func (r *recordingBackend) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.recorded))
	copy(out, r.recorded)
	return out
}

func TestLevelSuppression(t *testing.T) {
	rb := &recordingBackend{}
	RegisterBackend(rb)
	SelectBackend(rb.Name())
	defer SelectBackend(fmtBackendName)

	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	l := NewLogger("test-suppress")
	l.Info("should be suppressed")
	l.Warn("should appear")

	msgs := rb.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "should appear")
}

func TestDebugEnabled(t *testing.T) {
	l := NewLogger("test-debug")
	require.False(t, l.DebugEnabled())
	l.EnableDebug(true)
	require.True(t, l.DebugEnabled())
}

func TestBlockSplitsLines(t *testing.T) {
	rb := &recordingBackend{}
	RegisterBackend(rb)
	SelectBackend(rb.Name())
	defer SelectBackend(fmtBackendName)

	l := NewLogger("test-block")
	l.InfoBlock("> ", "line1\nline2\nline3")

	msgs := rb.messages()
	require.Len(t, msgs, 3)
}
