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

// Package doorbell encodes doorbell writes and implements the deadline
// that rate-limits opportunistic doorbell rings.
package doorbell

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// QType is a hardware queue type. The doorbell page has one register per
// queue type.
type QType uint8

// Queue types.
const (
	QTypeAdmin  QType = 0
	QTypeNotify QType = 1
	QTypeRx     QType = 2
	QTypeTx     QType = 3
	QTypeEvent  QType = 7
)

// String implements fmt.Stringer.
func (t QType) String() string {
	switch t {
	case QTypeAdmin:
		return "admin"
	case QTypeNotify:
		return "notify"
	case QTypeRx:
		return "rx"
	case QTypeTx:
		return "tx"
	case QTypeEvent:
		return "event"
	default:
		return fmt.Sprintf("QType(%d)", uint8(t))
	}
}

// Ringer is the device's doorbell page.
type Ringer interface {
	// Ring writes val to the doorbell register of qtype.
	Ring(qtype QType, val uint64)
}

const (
	qidShift  = 24
	ringShift = 16
	ringMask  = 0x7
	indexMask = 0xffff
	qidMask   = 0xffffff
)

// Value is a decoded doorbell write.
type Value struct {
	// QID is the hardware queue index.
	QID uint32
	// Ring selects the ring within the queue. Ring 1 on a completion queue
	// arms an event notification.
	Ring uint8
	// Index is the producer (or completion consumer) index.
	Index uint16
}

// Encode returns the register value for v.
func (v Value) Encode() uint64 {
	return uint64(v.QID&qidMask)<<qidShift | uint64(v.Ring&ringMask)<<ringShift | uint64(v.Index)
}

// Decode splits a register value.
func Decode(val uint64) Value {
	return Value{
		QID:   uint32(val>>qidShift) & qidMask,
		Ring:  uint8(val>>ringShift) & ringMask,
		Index: uint16(val & indexMask),
	}
}

// Deadline rate-limits doorbell pokes. A poke is due once more than the
// current interval has elapsed since the last ring. An adaptive deadline
// doubles its interval each time a poke is due, up to a maximum, and is
// reset to the minimum whenever new work is posted.
//
// Deadline is not thread-safe and requires external synchronization.
type Deadline struct {
	clock    tcpip.Clock
	min, max time.Duration
	cur      time.Duration
	last     tcpip.MonotonicTime
}

// NewDeadline returns a deadline that starts at lo and grows up to hi. A
// fixed deadline has lo == hi.
func NewDeadline(clock tcpip.Clock, lo, hi time.Duration) *Deadline {
	if hi < lo {
		hi = lo
	}
	return &Deadline{
		clock: clock,
		min:   lo,
		max:   hi,
		cur:   lo,
		last:  clock.NowMonotonic(),
	}
}

// Interval returns the current interval.
func (d *Deadline) Interval() time.Duration {
	return d.cur
}

// Reset records a doorbell ring made while posting work and drops the
// interval back to the minimum.
func (d *Deadline) Reset() {
	d.cur = d.min
	d.last = d.clock.NowMonotonic()
}

// Touch records a doorbell ring without changing the interval.
func (d *Deadline) Touch() {
	d.last = d.clock.NowMonotonic()
}

// Due reports whether a poke is due. If it is, Due records the ring that
// the caller is about to make and doubles the interval up to the maximum.
func (d *Deadline) Due() bool {
	now := d.clock.NowMonotonic()
	if now.Sub(d.last) <= d.cur {
		return false
	}
	d.last = now
	if d.cur < d.max {
		d.cur = min(2*d.cur, d.max)
	}
	return true
}
