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

package intr

import (
	"testing"
)

func TestCreditsEncoding(t *testing.T) {
	for _, tc := range []struct {
		credits uint32
		flags   CreditFlags
		want    uint32
	}{
		{credits: 5, want: 5},
		{credits: 0, flags: CreditFlags{Unmask: true}, want: 1 << 16},
		{credits: 7, flags: CreditFlags{Unmask: true, ResetCoalesce: true}, want: 7 | 1<<16 | 1<<17},
		{credits: 0x1ffff, want: 0xffff},
	} {
		got := tc.flags.Encode(tc.credits)
		if got != tc.want {
			t.Errorf("%+v.Encode(%#x) = %#x, want %#x", tc.flags, tc.credits, got, tc.want)
		}
		credits, flags := DecodeCredits(got)
		if credits != tc.credits&CredCountMask || flags != tc.flags {
			t.Errorf("DecodeCredits(%#x) = %#x, %+v", got, credits, flags)
		}
	}
}

func TestCoalesceConversion(t *testing.T) {
	for _, tc := range []struct {
		name            string
		mult, div, usec uint32
		want            uint32
	}{
		{name: "identity", mult: 1, div: 1, usec: 64, want: 64},
		{name: "unknown clock", mult: 0, div: 3, usec: 64, want: 0},
		{name: "rounds to nearest", mult: 1, div: 3, usec: 4, want: 1},
		{name: "rounds up near the next unit", mult: 1, div: 3, usec: 5, want: 2},
		{name: "finer units", mult: 2, div: 1, usec: 10, want: 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := CoalUsecToHW(tc.mult, tc.div, tc.usec); got != tc.want {
				t.Errorf("CoalUsecToHW(%d, %d, %d) = %d, want %d", tc.mult, tc.div, tc.usec, got, tc.want)
			}
		})
	}
	if got := CoalHWToUsec(1, 3, 2); got != 6 {
		t.Errorf("CoalHWToUsec(1, 3, 2) = %d, want 6", got)
	}
}

type credLog struct {
	index   int
	credits uint32
	flags   CreditFlags
}

func (c *credLog) Credits(index int, credits uint32, flags CreditFlags) {
	c.index, c.credits, c.flags = index, credits, flags
}

func (c *credLog) Coalesce(int, uint32) {}

func TestRearm(t *testing.T) {
	var ctrl credLog
	info := Info{Index: 4}
	info.CountRearm()
	info.Credit(&ctrl, 12, CreditFlags{Unmask: true, ResetCoalesce: true})
	if ctrl.index != 4 || ctrl.credits != 12 || !ctrl.flags.Unmask || !ctrl.flags.ResetCoalesce {
		t.Errorf("Credit wrote %+v", ctrl)
	}
	if got := info.Rearms(); got != 1 {
		t.Errorf("Rearms() = %d, want 1", got)
	}
}
