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

// Package dim implements dynamic interrupt moderation.
//
// A DIM watches the packet, byte and interrupt rates of one queue and walks
// a small table of coalescing profiles, keeping a step while throughput
// improves and turning back when it degrades. Once it stops finding
// improvements it parks, and leaves the parked profile only when traffic
// changes noticeably.
package dim

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
)

const (
	// NumEvents is the number of interrupts a measurement spans.
	NumEvents = 64

	// significantPct is the change in a rate, in percent, that counts as
	// a difference.
	significantPct = 10
)

// DefaultRxProfiles are the receive coalescing times, in microseconds.
var DefaultRxProfiles = []uint32{1, 8, 64, 128, 256}

// DefaultTxProfiles are the transmit coalescing times, in microseconds.
var DefaultTxProfiles = []uint32{1, 8, 32, 64, 128}

// DefaultProfile is the profile a DIM starts from.
const DefaultProfile = 1

// Sample is a snapshot of a queue's cumulative counters.
type Sample struct {
	At      tcpip.MonotonicTime
	Packets uint64
	Bytes   uint64
	Events  uint64
}

// Stats are rates over one measurement, per millisecond.
type Stats struct {
	PPMS uint64
	BPMS uint64
	EPMS uint64
}

type state int

const (
	startMeasure state = iota
	measureInProgress
)

type tuneState int

const (
	parkingOnTop tuneState = iota
	parkingTired
	goingRight
	goingLeft
)

func (t tuneState) String() string {
	switch t {
	case parkingOnTop:
		return "parking-on-top"
	case parkingTired:
		return "parking-tired"
	case goingRight:
		return "going-right"
	case goingLeft:
		return "going-left"
	default:
		return fmt.Sprintf("tuneState(%d)", int(t))
	}
}

type stepResult int

const (
	stepped stepResult = iota
	tooTired
	onEdge
)

type comparison int

const (
	worse comparison = iota
	same
	better
)

// Options configures a DIM.
type Options struct {
	// Profiles are the coalescing times to choose from, in microseconds,
	// from least to most coalescing.
	Profiles []uint32

	// Start is the index of the initial profile.
	Start int

	// Apply is called with the coalescing time of each newly chosen
	// profile.
	Apply func(usecs uint32)
}

// DIM is the moderation state of one interrupt.
//
// DIM is not thread-safe; it is fed from a single poller.
type DIM struct {
	profiles []uint32
	apply    func(uint32)

	state      state
	tune       tuneState
	profile    int
	start      Sample
	prev       Stats
	stepsLeft  int
	stepsRight int
	tired      int
}

// New returns a DIM parked on opts.Start.
func New(opts Options) (*DIM, error) {
	if len(opts.Profiles) == 0 {
		return nil, fmt.Errorf("dim: no profiles")
	}
	if opts.Start < 0 || opts.Start >= len(opts.Profiles) {
		return nil, fmt.Errorf("dim: start profile %d out of range [0, %d)", opts.Start, len(opts.Profiles))
	}
	return &DIM{
		profiles: opts.Profiles,
		apply:    opts.Apply,
		profile:  opts.Start,
	}, nil
}

// Profile returns the index of the current profile.
func (d *DIM) Profile() int { return d.profile }

// Usecs returns the current coalescing time.
func (d *DIM) Usecs() uint32 { return d.profiles[d.profile] }

// Update feeds a new sample. When a measurement completes and the walk
// picks a different profile, Apply is called before Update returns.
func (d *DIM) Update(s Sample) {
	if d.state == measureInProgress {
		if s.Events-d.start.Events < NumEvents {
			return
		}
		cur, ok := calcStats(d.start, s)
		if !ok {
			return
		}
		if d.decide(cur) && d.apply != nil {
			d.apply(d.profiles[d.profile])
		}
	}
	d.start = s
	d.state = measureInProgress
}

func calcStats(start, end Sample) (Stats, bool) {
	us := uint64(end.At.Sub(start.At) / time.Microsecond)
	if us == 0 {
		return Stats{}, false
	}
	perMS := func(n uint64) uint64 {
		return (n*1000 + us - 1) / us
	}
	return Stats{
		PPMS: perMS(end.Packets - start.Packets),
		BPMS: perMS(end.Bytes - start.Bytes),
		EPMS: perMS(NumEvents),
	}, true
}

func significant(val, ref uint64) bool {
	if ref == 0 {
		return false
	}
	diff := max(val, ref) - min(val, ref)
	return 100*diff/ref > significantPct
}

func compareStats(cur, prev Stats) comparison {
	if prev.BPMS == 0 {
		if cur.BPMS != 0 {
			return better
		}
		return same
	}
	if significant(cur.BPMS, prev.BPMS) {
		if cur.BPMS > prev.BPMS {
			return better
		}
		return worse
	}
	if prev.PPMS == 0 {
		if cur.PPMS != 0 {
			return better
		}
		return same
	}
	if significant(cur.PPMS, prev.PPMS) {
		if cur.PPMS > prev.PPMS {
			return better
		}
		return worse
	}
	if prev.EPMS == 0 {
		return same
	}
	// Fewer interrupts for the same traffic is an improvement.
	if significant(cur.EPMS, prev.EPMS) {
		if cur.EPMS < prev.EPMS {
			return better
		}
		return worse
	}
	return same
}

// decide runs one step of the profile walk and reports whether the
// profile changed.
func (d *DIM) decide(cur Stats) bool {
	prevTune, prevProfile := d.tune, d.profile
	switch d.tune {
	case parkingOnTop:
		if compareStats(cur, d.prev) != same {
			d.exitParking()
		}
	case parkingTired:
		d.tired--
		if d.tired == 0 {
			d.exitParking()
		}
	case goingRight, goingLeft:
		if compareStats(cur, d.prev) != better {
			d.turn()
		}
		if d.onTop() {
			d.parkOnTop()
			break
		}
		switch d.step() {
		case onEdge:
			d.parkOnTop()
		case tooTired:
			d.parkTired()
		}
	}
	if prevTune != parkingOnTop || d.tune != parkingOnTop {
		d.prev = cur
	}
	return d.profile != prevProfile
}

func (d *DIM) step() stepResult {
	if d.tired == 2*len(d.profiles) {
		return tooTired
	}
	d.tired++
	switch d.tune {
	case goingRight:
		if d.profile == len(d.profiles)-1 {
			return onEdge
		}
		d.profile++
		d.stepsRight++
	case goingLeft:
		if d.profile == 0 {
			return onEdge
		}
		d.profile--
		d.stepsLeft++
	}
	return stepped
}

// onTop reports whether the walk has just bounced between two neighbours,
// meaning the better of them has been found.
func (d *DIM) onTop() bool {
	switch d.tune {
	case goingRight, goingLeft:
		return d.stepsLeft == 1 && d.stepsRight == 1
	default:
		return true
	}
}

func (d *DIM) turn() {
	switch d.tune {
	case goingRight:
		d.tune = goingLeft
		d.stepsLeft = 0
	case goingLeft:
		d.tune = goingRight
		d.stepsRight = 0
	}
}

func (d *DIM) exitParking() {
	if d.profile > 0 {
		d.tune = goingLeft
	} else {
		d.tune = goingRight
	}
	d.step()
}

func (d *DIM) parkOnTop() {
	d.stepsLeft, d.stepsRight, d.tired = 0, 0, 0
	d.tune = parkingOnTop
}

func (d *DIM) parkTired() {
	d.stepsLeft, d.stepsRight = 0, 0
	d.tune = parkingTired
}
