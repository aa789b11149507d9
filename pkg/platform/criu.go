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

package platform

import (
	"fmt"
	"os"
	"path/filepath"

	criu "github.com/checkpoint-restore/go-criu/v5"
	"github.com/checkpoint-restore/go-criu/v5/rpc"
	"github.com/golang/protobuf/proto"

	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

var logger = log.NewLogger("platform")

// imageDir mirrors spec.md §6: "checkpoint images under
// <image-dir>/linux/<pid>_<name>/".
func imageDir(root string, pid int, name string) string {
	return filepath.Join(root, "linux", fmt.Sprintf("%d_%s", pid, name))
}

// CRIUBackend drives checkpoint/restore through go-criu/v5, on top of the
// freezer cgroup layout in freezer.go. It embeds a delegate Backend for
// MapResources/ReclaimResources/Release/SetPower/Freeze/Thaw (spec.md §1
// keeps the cgroup back-end itself out of scope beyond the operations it
// must expose) and overrides only Restore/Checkpoint with a real CRIU path.
type CRIUBackend struct {
	Backend // delegate: MapResources/ReclaimResources/Release/Thaw/Freeze/SetPower

	ImageDir string

	criu *criu.Criu
}

// NewCRIUBackend wires a CRIUBackend over delegate, with checkpoint images
// rooted at imageDir (spec.md §6).
func NewCRIUBackend(delegate Backend, imageDir string) *CRIUBackend {
	return &CRIUBackend{
		Backend:  delegate,
		ImageDir: imageDir,
		criu:     criu.MakeCriu(),
	}
}

// Checkpoint dumps pid/name's full process tree to its image directory.
func (c *CRIUBackend) Checkpoint(pid int, name string) error {
	dir := imageDir(c.ImageDir, pid, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "mkdir %s: %v", dir, err)
	}
	fd, err := os.Open(dir)
	if err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "open %s: %v", dir, err)
	}
	defer fd.Close()

	opts := &rpc.CriuOpts{
		Pid:         proto.Int32(int32(pid)),
		ImagesDirFd: proto.Int32(int32(fd.Fd())),
		LogLevel:    proto.Int32(2),
		LogFile:     proto.String("dump.log"),
		ShellJob:    proto.Bool(true),
	}
	if err := c.criu.Dump(opts, nil); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "criu dump pid %d: %v", pid, err)
	}
	logger.Info("checkpointed pid %d (%s) to %s", pid, name, dir)
	return nil
}

// Restore reconstructs pid/name from its last checkpoint image
// (spec.md §4.F: invoked before MapResources for pre-sync state RESTORING).
func (c *CRIUBackend) Restore(pid int, name string) error {
	dir := imageDir(c.ImageDir, pid, name)
	fd, err := os.Open(dir)
	if err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "open image dir %s: %v", dir, err)
	}
	defer fd.Close()

	opts := &rpc.CriuOpts{
		ImagesDirFd: proto.Int32(int32(fd.Fd())),
		LogLevel:    proto.Int32(2),
		LogFile:     proto.String("restore.log"),
		ShellJob:    proto.Bool(true),
	}
	if err := c.criu.Restore(opts, nil); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "criu restore %s: %v", name, err)
	}
	logger.Info("restored %s from %s", name, dir)
	return nil
}
