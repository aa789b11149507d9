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

package rtlibproto

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/rtrmerr"
	"github.com/bbque/rtrm/pkg/sched"
)

var logger = log.NewLogger("rtlibproto")

// Resolver maps a Schedulable's uid to the (pid, excID, name) triple needed
// to address its client FIFO (spec.md §6: the client FIFO path is
// "<daemon-dir>/<pid>_<app-name>").
type Resolver interface {
	Resolve(uid string) (pid int, excID int, name string, ok bool)
}

// Channel is the daemon-side RTLib wire transport consumed as a
// syncmgr.Notifier: it writes BBQ_SYNCP_* messages onto each paired
// application's own FIFO and reads back its APP_RESP/EXC_RESP/BBQ_RESP
// replies over the daemon's single shared request FIFO, demultiplexing by
// RPC token.
//
// Grounded on original_source/rtlib/rpc_fifo_client.cc's two-FIFO channel
// shape (a per-app fifo the daemon writes into, a shared server fifo every
// client writes its replies into) mirrored onto the daemon side; the
// token-keyed pending-reply map is this package's own addition to let
// PreChange/SyncChange block only on the one reply they're waiting for
// while the shared reader keeps draining the request FIFO.
type Channel struct {
	dir      string
	timeout  time.Duration
	resolver Resolver

	reqPath string
	reqFile *os.File

	mu      sync.Mutex
	writers map[string]*os.File // client fifo path -> open writer

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewChannel creates (or reuses) the daemon's well-known request FIFO under
// dir and starts the background reader that demultiplexes client replies by
// RPC token.
func NewChannel(dir string, resolver Resolver, timeout time.Duration) (*Channel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelSetupFailed, "mkdir %s: %v", dir, err)
	}
	c := &Channel{
		dir:      dir,
		timeout:  timeout,
		resolver: resolver,
		reqPath:  filepath.Join(dir, "rtrmd"),
		writers:  make(map[string]*os.File),
		pending:  make(map[uint32]chan *Message),
		stopCh:   make(chan struct{}),
	}
	if err := mkfifo(c.reqPath); err != nil {
		return nil, err
	}
	// Open both ends of the request FIFO from our side so the descriptor
	// never sees EOF while no client is connected yet; a real client opens
	// its write end independently.
	f, err := os.OpenFile(c.reqPath, os.O_RDWR, 0)
	if err != nil {
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelSetupFailed, "open %s: %v", c.reqPath, err)
	}
	c.reqFile = f
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func mkfifo(path string) error {
	if err := syscall.Mkfifo(path, 0o660); err != nil && !os.IsExist(err) {
		return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelSetupFailed, "mkfifo %s: %v", path, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		msg, err := Decode(c.reqFile)
		if err != nil {
			logger.Debug("request fifo read: %v", err)
			continue
		}
		c.deliver(msg)
	}
}

func (c *Channel) deliver(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RPC.Token]
	if ok {
		delete(c.pending, msg.RPC.Token)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	} else {
		logger.Debug("reply for unknown token %d dropped", msg.RPC.Token)
	}
}

func (c *Channel) writerFor(pid int, name string) (*os.File, error) {
	path := filepath.Join(c.dir, ClientFifoName(pid, name))
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.writers[path]; ok {
		return f, nil
	}
	if err := mkfifo(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "open %s: %v", path, err)
	}
	c.writers[path] = f
	return f, nil
}

// nextToken mints an opaque, collision-free RPC correlation token from a
// random UUID (SPEC_FULL.md §4.J), folded down to the uint32 RPCHeader.Token
// field the wire format defines.
func nextToken() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

func (c *Channel) send(uid string, t MsgType, body interface{}) (uint32, error) {
	pid, excID, name, ok := c.resolver.Resolve(uid)
	if !ok {
		return 0, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrAppNotFound, "uid %s: no fifo binding", uid)
	}
	w, err := c.writerFor(pid, name)
	if err != nil {
		return 0, err
	}
	token := nextToken()
	msg := &Message{
		RPC:  RPCHeader{Type: uint16(t), Token: token, AppPID: uint32(pid), ExcID: uint8(excID)},
		Body: body,
	}
	if err := Encode(w, msg); err != nil {
		return 0, err
	}
	return token, nil
}

func (c *Channel) await(token uint32) (*Message, error) {
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[token] = ch
	c.pendingMu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-time.After(c.timeout):
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelTimeout, "token %d: no reply within %s", token, c.timeout)
	}
}

// PreChange implements syncmgr.Notifier: it sends BBQ_SYNCP_PRECHANGE
// carrying next's AWM id and returns the client's self-reported sync
// latency, in milliseconds, from the RespPayload it replies with.
func (c *Channel) PreChange(uid string, next *sched.WorkingMode) (int, error) {
	awmID := -1
	if next != nil {
		awmID = next.ID
	}
	payload := &PreChangePayload{Systems: []SyncPSystemPayload{{SystemID: 0, AWMID: int32(awmID)}}}
	token, err := c.send(uid, BbqSyncpPreChange, payload)
	if err != nil {
		return 0, err
	}
	msg, err := c.await(token)
	if err != nil {
		return 0, err
	}
	resp, ok := msg.Body.(*RespPayload)
	if !ok {
		return 0, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "uid %s: unexpected PreChange reply type", uid)
	}
	if resp.Result != ResultOK {
		return int(resp.Latency), rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "uid %s: PreChange result %d", uid, resp.Result)
	}
	return int(resp.Latency), nil
}

// SyncChange implements syncmgr.Notifier: it notifies uid to begin the
// transition and waits for its acknowledgement.
func (c *Channel) SyncChange(uid string) error {
	return c.notifyAndWait(uid, BbqSyncpSyncChange)
}

// DoChange implements syncmgr.Notifier: it broadcasts the final go-ahead.
// Per spec.md §4.F step 4 ("broadcast the final go-ahead") this does not
// wait for an acknowledgement.
func (c *Channel) DoChange(uid string) error {
	_, err := c.send(uid, BbqSyncpDoChange, nil)
	return err
}

func (c *Channel) notifyAndWait(uid string, t MsgType) error {
	token, err := c.send(uid, t, nil)
	if err != nil {
		return err
	}
	_, err = c.await(token)
	return err
}

// Close releases every open FIFO file descriptor and stops the reader.
func (c *Channel) Close() error {
	close(c.stopCh)
	c.reqFile.Close()
	c.mu.Lock()
	for _, f := range c.writers {
		f.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
