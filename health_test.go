/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeGauge struct{ value float64 }

func (g *fakeGauge) Set(v float64) { g.value = v }

func TestAwarenessClampsAtZero(t *testing.T) {
	a := NewAwareness(8, nil)
	a.Adjust(SuccessfulProbe)
	assert.Equal(t, 0, a.Value())
}

func TestAwarenessClampsAtMax(t *testing.T) {
	a := NewAwareness(2, nil)
	a.Adjust(FailedProbe)
	a.Adjust(FailedProbe)
	a.Adjust(FailedProbe)
	assert.Equal(t, 2, a.Value())
}

func TestAwarenessTracksUpAndDown(t *testing.T) {
	a := NewAwareness(8, nil)
	a.Adjust(FailedProbe)
	a.Adjust(FailedProbe)
	assert.Equal(t, 2, a.Value())
	a.Adjust(SuccessfulProbe)
	assert.Equal(t, 1, a.Value())
}

func TestAwarenessPublishesToGauge(t *testing.T) {
	g := &fakeGauge{}
	a := NewAwareness(8, g)
	a.Adjust(FailedProbe)
	assert.Equal(t, float64(1), g.value)
}

func TestAwarenessScaleDuration(t *testing.T) {
	a := NewAwareness(8, nil)
	base := 100 * time.Millisecond
	assert.Equal(t, base, a.ScaleDuration(base))

	a.Adjust(FailedProbe)
	a.Adjust(FailedProbe)
	assert.Equal(t, 3*base, a.ScaleDuration(base))
}
