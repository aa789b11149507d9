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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAppPair(t *testing.T) {
	msg := &Message{
		RPC: RPCHeader{Type: uint16(AppPair), Token: 42, AppPID: 1234, ExcID: 0},
		Body: &AppPairPayload{
			RTLibVersionMajor: 1,
			RTLibVersionMinor: 2,
			AppName:           "myapp",
			ClientFifoName:    "1234_myapp",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, uint16(AppPair), got.RPC.Type)
	require.Equal(t, uint32(42), got.RPC.Token)
	require.Equal(t, uint32(1234), got.RPC.AppPID)

	body, ok := got.Body.(*AppPairPayload)
	require.True(t, ok)
	require.Equal(t, "myapp", body.AppName)
	require.Equal(t, "1234_myapp", body.ClientFifoName)
}

func TestEncodeDecodeExcRTNotify(t *testing.T) {
	msg := &Message{
		RPC: RPCHeader{Type: uint16(ExcRTNotify), Token: 7, AppPID: 99, ExcID: 2},
		Body: &ExcRTNotifyPayload{
			GoalGapPercent: -5,
			CPUUsagePerc:   80,
			CycleTimeMs:    12.5,
			CycleCount:     100,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))

	got, err := Decode(&buf)
	require.NoError(t, err)
	body, ok := got.Body.(*ExcRTNotifyPayload)
	require.True(t, ok)
	require.Equal(t, int32(-5), body.GoalGapPercent)
	require.Equal(t, uint64(100), body.CycleCount)
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	msg := &Message{
		RPC:  RPCHeader{Type: uint16(ExcStart), Token: 1, AppPID: 1, ExcID: 0},
		Body: nil,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Nil(t, got.Body)
	require.Equal(t, uint16(HeaderSize), got.FIFO.FifoSize)
}

func TestDecodeTruncatedFails(t *testing.T) {
	msg := &Message{
		RPC:  RPCHeader{Type: uint16(ExcUnregister), Token: 1, AppPID: 1, ExcID: 0},
		Body: &ExcUnregisterPayload{ExcName: "exc0"},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := Decode(truncated)
	require.Error(t, err)
}

func TestClientFifoName(t *testing.T) {
	require.Equal(t, "1234_myapp", ClientFifoName(1234, "myapp"))
}
