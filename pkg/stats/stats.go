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

// Package stats holds the per-queue datapath counters.
//
// A queue's statistics block is chosen when the queue is created: transmit
// queues carry *TxStats and receive queues *RxStats, both of which satisfy
// Stats. Counters are advisory; nothing in the datapath branches on them.
package stats

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Kind says which variant a Stats value is.
type Kind int

// Statistics kinds.
const (
	KindTx Kind = iota
	KindRx
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTx:
		return "tx"
	case KindRx:
		return "rx"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Counter is one named counter value.
type Counter struct {
	Name  string
	Value uint64
}

// Stats is a queue's statistics block, either *TxStats or *RxStats.
type Stats interface {
	// Kind returns the variant.
	Kind() Kind

	// Counters returns a snapshot of every counter.
	Counters() []Counter
}

// SGBuckets is the number of buckets in the transmit scatter-gather
// histogram; the last bucket also counts larger element counts.
const SGBuckets = 16

// TxStats are the counters of a transmit queue.
type TxStats struct {
	Packets        tcpip.StatCounter
	Bytes          tcpip.StatCounter
	Clean          tcpip.StatCounter
	Dropped        tcpip.StatCounter
	Busy           tcpip.StatCounter
	DMAMapErr      tcpip.StatCounter
	Linearize      tcpip.StatCounter
	Frags          tcpip.StatCounter
	TSO            tcpip.StatCounter
	TSOBytes       tcpip.StatCounter
	CsumNone       tcpip.StatCounter
	Csum           tcpip.StatCounter
	VLANInserted   tcpip.StatCounter
	Encap          tcpip.StatCounter
	HWStampValid   tcpip.StatCounter
	HWStampInvalid tcpip.StatCounter
	Stop           tcpip.StatCounter
	Wake           tcpip.StatCounter
	Doorbells      tcpip.StatCounter

	// SG counts descriptors by scatter-gather element count.
	SG [SGBuckets]tcpip.StatCounter
}

var _ Stats = (*TxStats)(nil)

// Kind implements Stats.Kind.
func (*TxStats) Kind() Kind { return KindTx }

// RecordSG counts a descriptor with n scatter-gather elements.
func (s *TxStats) RecordSG(n int) {
	s.SG[min(max(n, 0), SGBuckets-1)].Increment()
}

// Counters implements Stats.Counters.
func (s *TxStats) Counters() []Counter {
	c := []Counter{
		{"packets", s.Packets.Value()},
		{"bytes", s.Bytes.Value()},
		{"clean", s.Clean.Value()},
		{"dropped", s.Dropped.Value()},
		{"busy", s.Busy.Value()},
		{"dma_map_err", s.DMAMapErr.Value()},
		{"linearize", s.Linearize.Value()},
		{"frags", s.Frags.Value()},
		{"tso", s.TSO.Value()},
		{"tso_bytes", s.TSOBytes.Value()},
		{"csum_none", s.CsumNone.Value()},
		{"csum", s.Csum.Value()},
		{"vlan_inserted", s.VLANInserted.Value()},
		{"encap", s.Encap.Value()},
		{"hwstamp_valid", s.HWStampValid.Value()},
		{"hwstamp_invalid", s.HWStampInvalid.Value()},
		{"stop", s.Stop.Value()},
		{"wake", s.Wake.Value()},
		{"doorbells", s.Doorbells.Value()},
	}
	for i := range s.SG {
		c = append(c, Counter{fmt.Sprintf("sg_%d", i), s.SG[i].Value()})
	}
	return c
}

// RxStats are the counters of a receive queue.
type RxStats struct {
	Packets        tcpip.StatCounter
	Bytes          tcpip.StatCounter
	Dropped        tcpip.StatCounter
	CsumNone       tcpip.StatCounter
	CsumComplete   tcpip.StatCounter
	CsumError      tcpip.StatCounter
	VLANStripped   tcpip.StatCounter
	DMAMapErr      tcpip.StatCounter
	AllocErr       tcpip.StatCounter
	BuffersPosted  tcpip.StatCounter
	CopyBreak      tcpip.StatCounter
	PagesRecycled  tcpip.StatCounter
	HWStampValid   tcpip.StatCounter
	HWStampInvalid tcpip.StatCounter
	Doorbells      tcpip.StatCounter
}

var _ Stats = (*RxStats)(nil)

// Kind implements Stats.Kind.
func (*RxStats) Kind() Kind { return KindRx }

// Counters implements Stats.Counters.
func (s *RxStats) Counters() []Counter {
	return []Counter{
		{"packets", s.Packets.Value()},
		{"bytes", s.Bytes.Value()},
		{"dropped", s.Dropped.Value()},
		{"csum_none", s.CsumNone.Value()},
		{"csum_complete", s.CsumComplete.Value()},
		{"csum_error", s.CsumError.Value()},
		{"vlan_stripped", s.VLANStripped.Value()},
		{"dma_map_err", s.DMAMapErr.Value()},
		{"alloc_err", s.AllocErr.Value()},
		{"buffers_posted", s.BuffersPosted.Value()},
		{"copy_break", s.CopyBreak.Value()},
		{"pages_recycled", s.PagesRecycled.Value()},
		{"hwstamp_valid", s.HWStampValid.Value()},
		{"hwstamp_invalid", s.HWStampInvalid.Value()},
		{"doorbells", s.Doorbells.Value()},
	}
}

// New returns an empty statistics block of the given kind.
func New(k Kind) Stats {
	switch k {
	case KindTx:
		return &TxStats{}
	case KindRx:
		return &RxStats{}
	default:
		panic(fmt.Sprintf("unknown stats kind %v", k))
	}
}

// NAPIStats are the counters of one poller.
type NAPIStats struct {
	Polls tcpip.StatCounter

	// WorkDone counts polls by the amount of work they did; the last
	// bucket counts polls that used their whole budget.
	WorkDone []tcpip.StatCounter
}

// NewNAPIStats returns counters for a poller with the given budget.
func NewNAPIStats(budget int) *NAPIStats {
	return &NAPIStats{WorkDone: make([]tcpip.StatCounter, budget+1)}
}

// Record counts one poll that did work units of work.
func (s *NAPIStats) Record(work int) {
	s.Polls.Increment()
	s.WorkDone[min(max(work, 0), len(s.WorkDone)-1)].Increment()
}

// Counters returns the poll count followed by the non-empty histogram
// buckets.
func (s *NAPIStats) Counters() []Counter {
	c := []Counter{{"polls", s.Polls.Value()}}
	for i := range s.WorkDone {
		if v := s.WorkDone[i].Value(); v != 0 {
			c = append(c, Counter{fmt.Sprintf("work_done_%d", i), v})
		}
	}
	return c
}
