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

// Package rtrmerr collects the error-kind taxonomy shared by every RTRM
// component. Every public operation returns (value, error); the
// error, when non-nil, always wraps one of the sentinels declared here so
// callers can branch on kind with errors.Is/errors.As instead of string
// matching, the way the teacher's per-package *Error helpers (resmgrError,
// controlError, policyError, ...) let callers match on substrings but never
// really invite structured handling — we fix that one wrinkle while keeping
// the same "one helper per package" ergonomics via Wrap.
package rtrmerr

import (
	"errors"
	"fmt"
)

// Capacity errors.
var (
	ErrUsageExceeded          = errors.New("usage exceeded")
	ErrOverflow               = errors.New("capacity overflow")
	ErrNoSuchResource         = errors.New("no such resource")
	ErrInvalidPath            = errors.New("invalid resource path")
	ErrAppAlreadyHoldsResources = errors.New("application already holds resources in this view")
)

// Lifecycle errors.
var (
	ErrAppNotFound               = errors.New("application not found")
	ErrAppDisabled               = errors.New("application disabled")
	ErrAppBlocking               = errors.New("application blocking")
	ErrInvalidState              = errors.New("invalid state")
	ErrStateTransitionNotAllowed = errors.New("state transition not allowed")
)

// View errors.
var (
	ErrUnknownView        = errors.New("unknown resource view")
	ErrUnauthorizedViewOp = errors.New("unauthorized view operation")
)

// Sync errors.
var (
	ErrSyncInitFailed     = errors.New("synchronization init failed")
	ErrSyncViewError      = errors.New("synchronization view error")
	ErrSyncNotStarted     = errors.New("synchronization session not started")
	ErrSyncMissingAWM     = errors.New("synchronization missing working mode")
	ErrSyncLatencyExceeded = errors.New("synchronization latency exceeded")
	ErrPlatformSyncFailed = errors.New("platform synchronization failed")
)

// IO/channel errors.
var (
	ErrChannelTimeout        = errors.New("channel timeout")
	ErrChannelWriteFailed    = errors.New("channel write failed")
	ErrChannelReadFailed     = errors.New("channel read failed")
	ErrChannelSetupFailed    = errors.New("channel setup failed")
	ErrChannelTeardownFailed = errors.New("channel teardown failed")
)

// Platform errors.
var (
	ErrPlatformInitFailed       = errors.New("platform init failed")
	ErrPlatformLoadFailed       = errors.New("platform load failed")
	ErrPlatformMappingFailed    = errors.New("platform resource mapping failed")
	ErrPlatformPowerSettingError = errors.New("platform power setting error")
	ErrPlatformReliabilityFailed = errors.New("platform reliability operation failed")
)

// Policy errors.
var (
	ErrMissingPolicy = errors.New("missing policy")
	ErrPolicyFailed  = errors.New("policy failed")
	ErrPolicyDelayed = errors.New("policy delayed")
)

// Parsing errors.
var (
	ErrConfigInvalid            = errors.New("invalid configuration")
	ErrRecipeLoadFailed         = errors.New("recipe load failed")
	ErrRecipeWeakLoadNotAccepted = errors.New("weak recipe load not accepted")
)

// Wrap formats a package-scoped error that wraps kind, mirroring the
// teacher's convention of a small <pkg>Error(format, args...) helper per
// package, but always anchored on one of the sentinels above.
func Wrap(pkg string, kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", pkg, fmt.Sprintf(format, args...), kind)
}
