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

package log

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// StructuredBackendName is the name of the structured JSON-lines backend.
const StructuredBackendName = "json"

// entry is one emitted JSON log line.
type entry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// structuredBackend emits one JSON object per line to an io.Writer.
//
// It lets log collectors outside the core parse messages without scraping
// text. It is not registered by default: callers register it with
// RegisterBackend and activate it with SelectBackend.
type structuredBackend struct {
	mu sync.Mutex
	w  *bufio.Writer
}

var _ Backend = (*structuredBackend)(nil)

// NewStructuredBackend creates a JSON-lines backend writing to w.
func NewStructuredBackend(w io.Writer) Backend {
	return &structuredBackend{w: bufio.NewWriter(w)}
}

func (s *structuredBackend) Name() string          { return StructuredBackendName }
func (s *structuredBackend) PrefixPreference() bool { return false }

func (s *structuredBackend) emit(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	_ = enc.Encode(entry{Time: time.Now().UTC().Format(time.RFC3339Nano), Level: level, Message: message})
	s.w.Flush()
}

func (s *structuredBackend) Info(message string)  { s.emit("info", message) }
func (s *structuredBackend) Warn(message string)  { s.emit("warn", message) }
func (s *structuredBackend) Error(message string) { s.emit("error", message) }
func (s *structuredBackend) Debug(message string) { s.emit("debug", message) }

func (s *structuredBackend) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
}
