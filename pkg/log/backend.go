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

import "fmt"

const fmtBackendName = "fmt"

// fmtBackend is the default fallback backend, printing via fmt.Println.
type fmtBackend struct{}

var _ Backend = &fmtBackend{}

func (f *fmtBackend) Name() string             { return fmtBackendName }
func (f *fmtBackend) PrefixPreference() bool    { return true }
func (f *fmtBackend) Info(message string)       { fmt.Println("I: " + message) }
func (f *fmtBackend) Warn(message string)       { fmt.Println("W: " + message) }
func (f *fmtBackend) Error(message string)      { fmt.Println("E: " + message) }
func (f *fmtBackend) Debug(message string)      { fmt.Println("D: " + message) }
func (f *fmtBackend) Flush()                    {}
