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

package powermon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOverThresholdTriggerScenario covers spec.md scenario 4: threshold_high
// 90, threshold_low 70, margin 0.1, sample sequence 60, 75, 86, 95, 92, 60.
func TestOverThresholdTriggerScenario(t *testing.T) {
	fires := 0
	trig := NewOverThresholdTrigger(90, 70, 0.1, func() { fires++ })

	seq := []float64{60, 75, 86, 95, 92, 60}
	var fired []bool
	for _, s := range seq {
		fired = append(fired, trig.Evaluate(s))
	}

	require.Equal(t, []bool{false, false, true, false, false, false}, fired)
	require.Equal(t, 1, fires)
}

func TestOverThresholdTriggerRearmsAfterDisarm(t *testing.T) {
	trig := NewOverThresholdTrigger(90, 70, 0.1, nil)
	require.True(t, trig.Evaluate(95))  // fires, disarms
	require.False(t, trig.Evaluate(95)) // stays disarmed
	require.False(t, trig.Evaluate(63)) // right at the low*(1-margin) boundary, not below it
	require.False(t, trig.Evaluate(62)) // below 63, rearms
	require.True(t, trig.Evaluate(95))  // fires again now that it's armed
}

func TestUnderThresholdTriggerMirrorsOverThreshold(t *testing.T) {
	fires := 0
	trig := NewUnderThresholdTrigger(90, 70, 0.1, func() { fires++ })

	require.False(t, trig.Evaluate(80))  // above low*(1+margin)=77, no fire
	require.True(t, trig.Evaluate(60))   // below 77, fires and disarms
	require.False(t, trig.Evaluate(55))  // still disarmed
	require.False(t, trig.Evaluate(95))  // below high*(1+margin)=99, still disarmed
	require.False(t, trig.Evaluate(100)) // above 99, rearms (no fire on rearm itself)
	require.True(t, trig.Evaluate(60))   // armed again, below 77, fires
	require.Equal(t, 2, fires)
}
