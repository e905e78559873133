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

// Package intr describes the device's interrupt control block: credit
// returns that unmask an interrupt and coalescing timers.
package intr

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// CredCountMask bounds the number of credits returned in one write.
const CredCountMask = 0xffff

// CreditFlags modify a credit return.
type CreditFlags struct {
	// Unmask re-enables the interrupt.
	Unmask bool
	// ResetCoalesce restarts the coalescing timer.
	ResetCoalesce bool
}

const (
	credUnmask        = 1 << 16
	credResetCoalesce = 1 << 17
)

// Encode returns the credits register value.
func (f CreditFlags) Encode(credits uint32) uint32 {
	v := credits & CredCountMask
	if f.Unmask {
		v |= credUnmask
	}
	if f.ResetCoalesce {
		v |= credResetCoalesce
	}
	return v
}

// DecodeCredits splits a credits register value.
func DecodeCredits(v uint32) (credits uint32, flags CreditFlags) {
	return v & CredCountMask, CreditFlags{
		Unmask:        v&credUnmask != 0,
		ResetCoalesce: v&credResetCoalesce != 0,
	}
}

// Ctrl is the device's interrupt control block.
type Ctrl interface {
	// Credits returns credits to interrupt index.
	Credits(index int, credits uint32, flags CreditFlags)

	// Coalesce sets the coalescing timer of interrupt index, in device
	// units.
	Coalesce(index int, hw uint32)
}

// Info is the driver's view of one interrupt.
type Info struct {
	// Index is the interrupt's index in the control block.
	Index int

	// DimCoalHW is the coalescing value last chosen by adaptive
	// moderation, in device units.
	DimCoalHW atomicbitops.Uint32

	rearms atomicbitops.Uint64
}

// CountRearm records that the poller decided to unmask the interrupt.
// In event-queue mode the unmask is an arm doorbell rather than a credit
// return, so the count is kept separately from Credit.
func (i *Info) CountRearm() {
	i.rearms.Add(1)
}

// Credit returns credits to the interrupt.
func (i *Info) Credit(ctrl Ctrl, credits uint32, flags CreditFlags) {
	ctrl.Credits(i.Index, credits, flags)
}

// Rearms returns the number of times the interrupt was unmasked.
func (i *Info) Rearms() uint64 {
	return i.rearms.Load()
}

// CoalUsecToHW converts a coalescing time in microseconds to device units,
// where one unit is div/mult microseconds. It rounds to nearest and returns
// zero if the device does not report its clock.
func CoalUsecToHW(mult, div, usecs uint32) uint32 {
	if mult == 0 || div == 0 {
		return 0
	}
	return (usecs + (div/mult)>>1) * mult / div
}

// CoalHWToUsec converts device coalescing units back to microseconds.
func CoalHWToUsec(mult, div, units uint32) uint32 {
	if mult == 0 || div == 0 {
		return 0
	}
	return (units * div) / mult
}
