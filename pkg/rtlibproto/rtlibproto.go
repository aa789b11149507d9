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

// Package rtlibproto implements the RTLib wire protocol: the FIFO-framed
// binary messages exchanged between the RTLib client library (out of scope,
// spec.md §1) and this daemon.
//
// Grounded on original_source/include/bbque/rtlib.h and
// include/bbque/plugins/rpc_fifo_messages.h (fifo header, rpc header, the
// per-type payload union). There is no structured binary framing library in
// the retrieved pack; encoding/binary's Read/Write over the wire's
// native-endian fixed layout is the standard-library answer to exactly this
// problem (see SPEC_FULL.md §6) and is the one ambient concern we justify on
// stdlib rather than a third-party codec.
package rtlibproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// nativeEndian is fixed at little-endian, which is the native byte order only
// on little-endian hosts; the protocol is single-host
// (spec.md §6 "Wire integers are native-endian").
var nativeEndian = binary.LittleEndian

// MsgType enumerates every recognized RTLib message type (spec.md §6 table).
type MsgType uint16

const (
	AppPair MsgType = iota + 1
	AppExit
	ExcRegister
	ExcUnregister
	ExcStart
	ExcStop
	ExcSet
	ExcClear
	ExcRTNotify
	ExcSchedule
	AppResp
	ExcResp
	BbqResp
	BbqStopExecution
	BbqGetProfile
	BbqSyncpPreChange
	BbqSyncpSyncChange
	BbqSyncpDoChange
	BbqSyncpPostChange
)

// FIFOHeader precedes every message on the wire.
type FIFOHeader struct {
	FifoSize uint16
	RPCOffset uint16
	RPCType  uint16
}

// RPCHeader follows the FIFOHeader.
type RPCHeader struct {
	Type   uint16
	Token  uint32
	AppPID uint32
	ExcID  uint8
}

// HeaderSize is the fixed on-wire size, in bytes, of FIFOHeader+RPCHeader.
const HeaderSize = 2 + 2 + 2 + 2 + 4 + 4 + 1

// ConstraintOp mirrors the EXC_SET/EXC_CLEAR per-entry constraint kind.
type ConstraintOp uint8

const (
	ConstraintLower ConstraintOp = iota
	ConstraintUpper
	ConstraintExact
)

// AppPairPayload is APP_PAIR's client->daemon body.
type AppPairPayload struct {
	RTLibVersionMajor uint8
	RTLibVersionMinor uint8
	AppName           string
	ClientFifoName    string
}

// ExcRegisterPayload is EXC_REGISTER's client->daemon body.
type ExcRegisterPayload struct {
	ExcName    string
	RecipeName string
	Language   uint8
}

// ExcUnregisterPayload is EXC_UNREGISTER's client->daemon body.
type ExcUnregisterPayload struct {
	ExcName string
}

// WorkingModeConstraint is one entry of an EXC_SET/EXC_CLEAR array.
type WorkingModeConstraint struct {
	Op    ConstraintOp
	AWMID uint8
}

// ExcSetClearPayload is EXC_SET/EXC_CLEAR's client->daemon body.
type ExcSetClearPayload struct {
	Constraints []WorkingModeConstraint
}

// ExcRTNotifyPayload is EXC_RTNOTIFY's client->daemon body.
type ExcRTNotifyPayload struct {
	GoalGapPercent int32
	CPUUsagePerc   int32
	CycleTimeMs    float64
	CycleCount     uint64
}

// ResultCode is the outcome carried by APP_RESP/EXC_RESP/BBQ_RESP.
type ResultCode uint16

const (
	ResultOK ResultCode = iota
	ResultAppNotFound
	ResultExcDuplicate
	ResultExcNotFound
	ResultExcDisabled
	ResultUnknownError
)

// RespPayload is APP_RESP/EXC_RESP/BBQ_RESP's daemon->client body.
type RespPayload struct {
	Result  ResultCode
	Latency uint32 // ms, meaningful only on BBQ_SYNCP_PRECHANGE replies
	ExcTime uint32 // ms
	MemTime uint32 // ms
}

// SyncPSystemPayload is one per-system sub-payload inside
// BBQ_SYNCP_PRECHANGE's "nr_sys + array" body.
type SyncPSystemPayload struct {
	SystemID   int32
	AWMID      int32
	ChangeMask uint8
}

// PreChangePayload is BBQ_SYNCP_PRECHANGE's daemon->client body.
type PreChangePayload struct {
	Systems []SyncPSystemPayload
}

// Message is a fully decoded RTLib protocol message.
type Message struct {
	FIFO FIFOHeader
	RPC  RPCHeader
	Body interface{}
}

// Encode serializes msg onto w in the wire's fixed native-endian framing.
// FifoSize and RPCOffset are recomputed from the encoded body so callers
// only need to set RPC.Type/Token/AppPID/ExcID and Body.
func Encode(w io.Writer, msg *Message) error {
	var body bytes.Buffer
	if err := encodeBody(&body, MsgType(msg.RPC.Type), msg.Body); err != nil {
		return err
	}

	msg.FIFO.RPCOffset = 2 + 2 + 2 // offset of RPCHeader within the frame: right after the FIFOHeader's size, offset and type fields
	msg.FIFO.RPCType = msg.RPC.Type
	msg.FIFO.FifoSize = uint16(HeaderSize) + uint16(body.Len())

	if err := binary.Write(w, nativeEndian, msg.FIFO); err != nil {
		return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "fifo header: %v", err)
	}
	if err := binary.Write(w, nativeEndian, msg.RPC); err != nil {
		return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "rpc header: %v", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "body: %v", err)
	}
	return nil
}

// Decode reads one full message from r.
func Decode(r io.Reader) (*Message, error) {
	msg := &Message{}
	if err := binary.Read(r, nativeEndian, &msg.FIFO); err != nil {
		if err == io.EOF {
			return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "fifo header: eof")
		}
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "fifo header: %v", err)
	}
	if err := binary.Read(r, nativeEndian, &msg.RPC); err != nil {
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "rpc header: %v", err)
	}

	bodyLen := int(msg.FIFO.FifoSize) - HeaderSize
	if bodyLen < 0 {
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "negative body length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "body: %v", err)
		}
	}

	decoded, err := decodeBody(MsgType(msg.RPC.Type), body)
	if err != nil {
		return nil, err
	}
	msg.Body = decoded
	return msg, nil
}

func writeString(w *bytes.Buffer, s string) error {
	if err := binary.Write(w, nativeEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, nativeEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeBody(w *bytes.Buffer, t MsgType, body interface{}) error {
	switch t {
	case AppPair:
		p, ok := body.(*AppPairPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "APP_PAIR: wrong body type")
		}
		if err := binary.Write(w, nativeEndian, p.RTLibVersionMajor); err != nil {
			return err
		}
		if err := binary.Write(w, nativeEndian, p.RTLibVersionMinor); err != nil {
			return err
		}
		if err := writeString(w, p.AppName); err != nil {
			return err
		}
		return writeString(w, p.ClientFifoName)

	case ExcRegister:
		p, ok := body.(*ExcRegisterPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "EXC_REGISTER: wrong body type")
		}
		if err := writeString(w, p.ExcName); err != nil {
			return err
		}
		if err := writeString(w, p.RecipeName); err != nil {
			return err
		}
		return binary.Write(w, nativeEndian, p.Language)

	case ExcUnregister:
		p, ok := body.(*ExcUnregisterPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "EXC_UNREGISTER: wrong body type")
		}
		return writeString(w, p.ExcName)

	case ExcSet, ExcClear:
		p, ok := body.(*ExcSetClearPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "EXC_SET/CLEAR: wrong body type")
		}
		if err := binary.Write(w, nativeEndian, uint32(len(p.Constraints))); err != nil {
			return err
		}
		for _, c := range p.Constraints {
			if err := binary.Write(w, nativeEndian, c); err != nil {
				return err
			}
		}
		return nil

	case ExcRTNotify:
		p, ok := body.(*ExcRTNotifyPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "EXC_RTNOTIFY: wrong body type")
		}
		return binary.Write(w, nativeEndian, *p)

	case AppResp, ExcResp, BbqResp:
		p, ok := body.(*RespPayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "*_RESP: wrong body type")
		}
		return binary.Write(w, nativeEndian, *p)

	case BbqSyncpPreChange:
		p, ok := body.(*PreChangePayload)
		if !ok {
			return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "BBQ_SYNCP_PRECHANGE: wrong body type")
		}
		if err := binary.Write(w, nativeEndian, uint32(len(p.Systems))); err != nil {
			return err
		}
		for _, s := range p.Systems {
			if err := binary.Write(w, nativeEndian, s); err != nil {
				return err
			}
		}
		return nil

	case AppExit, ExcStart, ExcStop, ExcSchedule,
		BbqStopExecution, BbqGetProfile,
		BbqSyncpSyncChange, BbqSyncpDoChange, BbqSyncpPostChange:
		return nil // empty payload

	default:
		return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelWriteFailed, "unknown message type %d", t)
	}
}

func decodeBody(t MsgType, raw []byte) (interface{}, error) {
	r := bytes.NewReader(raw)
	switch t {
	case AppPair:
		p := &AppPairPayload{}
		if err := binary.Read(r, nativeEndian, &p.RTLibVersionMajor); err != nil {
			return nil, wrapDecode(t, err)
		}
		if err := binary.Read(r, nativeEndian, &p.RTLibVersionMinor); err != nil {
			return nil, wrapDecode(t, err)
		}
		var err error
		if p.AppName, err = readString(r); err != nil {
			return nil, wrapDecode(t, err)
		}
		if p.ClientFifoName, err = readString(r); err != nil {
			return nil, wrapDecode(t, err)
		}
		return p, nil

	case ExcRegister:
		p := &ExcRegisterPayload{}
		var err error
		if p.ExcName, err = readString(r); err != nil {
			return nil, wrapDecode(t, err)
		}
		if p.RecipeName, err = readString(r); err != nil {
			return nil, wrapDecode(t, err)
		}
		if err := binary.Read(r, nativeEndian, &p.Language); err != nil {
			return nil, wrapDecode(t, err)
		}
		return p, nil

	case ExcUnregister:
		p := &ExcUnregisterPayload{}
		var err error
		if p.ExcName, err = readString(r); err != nil {
			return nil, wrapDecode(t, err)
		}
		return p, nil

	case ExcSet, ExcClear:
		p := &ExcSetClearPayload{}
		var count uint32
		if err := binary.Read(r, nativeEndian, &count); err != nil {
			return nil, wrapDecode(t, err)
		}
		p.Constraints = make([]WorkingModeConstraint, count)
		for i := range p.Constraints {
			if err := binary.Read(r, nativeEndian, &p.Constraints[i]); err != nil {
				return nil, wrapDecode(t, err)
			}
		}
		return p, nil

	case ExcRTNotify:
		p := &ExcRTNotifyPayload{}
		if err := binary.Read(r, nativeEndian, p); err != nil {
			return nil, wrapDecode(t, err)
		}
		return p, nil

	case AppResp, ExcResp, BbqResp:
		p := &RespPayload{}
		if err := binary.Read(r, nativeEndian, p); err != nil {
			return nil, wrapDecode(t, err)
		}
		return p, nil

	case BbqSyncpPreChange:
		p := &PreChangePayload{}
		var count uint32
		if err := binary.Read(r, nativeEndian, &count); err != nil {
			return nil, wrapDecode(t, err)
		}
		p.Systems = make([]SyncPSystemPayload, count)
		for i := range p.Systems {
			if err := binary.Read(r, nativeEndian, &p.Systems[i]); err != nil {
				return nil, wrapDecode(t, err)
			}
		}
		return p, nil

	case AppExit, ExcStart, ExcStop, ExcSchedule,
		BbqStopExecution, BbqGetProfile,
		BbqSyncpSyncChange, BbqSyncpDoChange, BbqSyncpPostChange:
		return nil, nil

	default:
		return nil, rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "unknown message type %d", t)
	}
}

func wrapDecode(t MsgType, err error) error {
	return rtrmerr.Wrap("rtlibproto", rtrmerr.ErrChannelReadFailed, "type %d: %v", t, err)
}

// ClientFifoName builds the client FIFO's well-known basename, spec.md §6:
// "<daemon-dir>/<pid>_<app-name>".
func ClientFifoName(pid int, appName string) string {
	return strconv.Itoa(pid) + "_" + appName
}
