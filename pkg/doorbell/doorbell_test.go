// Copyright 2024 The gVisor Authors.
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

package doorbell

import (
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/faketime"
)

func TestValueEncoding(t *testing.T) {
	v := Value{QID: 5, Ring: 1, Index: 0xabcd}
	if got, want := v.Encode(), uint64(5<<24|1<<16|0xabcd); got != want {
		t.Errorf("Encode() = %#x, want %#x", got, want)
	}
	if got := Decode(v.Encode()); got != v {
		t.Errorf("Decode(Encode()) = %+v, want %+v", got, v)
	}
}

func TestAdaptiveDeadline(t *testing.T) {
	clock := faketime.NewManualClock()
	d := NewDeadline(clock, 10*time.Millisecond, 40*time.Millisecond)

	if d.Due() {
		t.Fatalf("Due() immediately after creation")
	}
	// Exactly at the deadline is not past it.
	clock.Advance(10 * time.Millisecond)
	if d.Due() {
		t.Fatalf("Due() at the deadline")
	}
	clock.Advance(time.Millisecond)
	if !d.Due() {
		t.Fatalf("Due() = false past the deadline")
	}
	if got, want := d.Interval(), 20*time.Millisecond; got != want {
		t.Errorf("Interval() = %v, want %v", got, want)
	}

	// Keep poking: the interval doubles and then saturates.
	for _, want := range []time.Duration{40 * time.Millisecond, 40 * time.Millisecond} {
		clock.Advance(d.Interval() + time.Millisecond)
		if !d.Due() {
			t.Fatalf("Due() = false after %v", d.Interval())
		}
		if got := d.Interval(); got != want {
			t.Errorf("Interval() = %v, want %v", got, want)
		}
	}

	d.Reset()
	if got, want := d.Interval(), 10*time.Millisecond; got != want {
		t.Errorf("Interval() after Reset = %v, want %v", got, want)
	}
	if d.Due() {
		t.Errorf("Due() right after Reset")
	}
}

func TestFixedDeadline(t *testing.T) {
	clock := faketime.NewManualClock()
	d := NewDeadline(clock, 10*time.Millisecond, 0)
	for i := 0; i < 3; i++ {
		clock.Advance(11 * time.Millisecond)
		if !d.Due() {
			t.Fatalf("poke %d not due", i)
		}
		if got, want := d.Interval(), 10*time.Millisecond; got != want {
			t.Fatalf("Interval() = %v, want %v", got, want)
		}
	}
}
