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

package main

// options captures the daemon's command-line configuration, mirroring
// teacher cmd/cri-resmgr/flags.go's options struct.
type options struct {
	configFile      string
	policy          string
	listPolicies    bool
	printConfig     bool
	cgroupRoot      string
	freezerRoot     string
	cpufreqRoot     string
	criuImageDir    string
	rtlibDir        string
	mockPlatform    bool
	jaegerAgent     string
	jaegerCollector string
	samplingRatio   float64
	metricsAddr     string
	sdNotify        bool
	nvmlGPU         bool
}

var opt options
