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

// Package packet defines the packet objects exchanged between the datapath
// and the networking stack above it.
package packet

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/pagepool"
)

// ErrAllocFailed is returned when a buffer or packet cannot be allocated.
var ErrAllocFailed = errors.New("packet: allocation failed")

// Allocator allocates packet memory on the datapath.
type Allocator interface {
	// NewView returns a buffer of exactly size bytes.
	NewView(size int) (*buffer.View, error)

	// NewInbound returns an empty received packet.
	NewInbound() (*Inbound, error)
}

// HeapAllocator allocates from the buffer package's pools.
type HeapAllocator struct{}

// NewView implements Allocator.NewView.
func (HeapAllocator) NewView(size int) (*buffer.View, error) {
	return buffer.NewViewSize(size), nil
}

// NewInbound implements Allocator.NewInbound.
func (HeapAllocator) NewInbound() (*Inbound, error) {
	return &Inbound{}, nil
}

// FaultAllocator is a HeapAllocator that can be told to fail.
type FaultAllocator struct {
	HeapAllocator

	// failIn counts down allocations until the next failure; zero means
	// never fail.
	failIn atomicbitops.Int64
}

// FailAfter makes the allocation after the next n succeed fail. A
// negative n disables injection.
func (a *FaultAllocator) FailAfter(n int) {
	if n < 0 {
		a.failIn.Store(0)
		return
	}
	a.failIn.Store(int64(n) + 1)
}

func (a *FaultAllocator) fail() bool {
	for {
		v := a.failIn.Load()
		if v == 0 {
			return false
		}
		if a.failIn.CompareAndSwap(v, v-1) {
			return v == 1
		}
	}
}

// NewView implements Allocator.NewView.
func (a *FaultAllocator) NewView(size int) (*buffer.View, error) {
	if a.fail() {
		return nil, fmt.Errorf("%w: view of %d bytes", ErrAllocFailed, size)
	}
	return a.HeapAllocator.NewView(size)
}

// NewInbound implements Allocator.NewInbound.
func (a *FaultAllocator) NewInbound() (*Inbound, error) {
	if a.fail() {
		return nil, fmt.Errorf("%w: inbound packet", ErrAllocFailed)
	}
	return a.HeapAllocator.NewInbound()
}

// GSOType is the kind of segmentation offload requested.
type GSOType int

// Segmentation offload types.
const (
	GSONone GSOType = iota
	GSOTCPv4
	GSOTCPv6
)

// GSO describes a segmentation offload request.
type GSO struct {
	Type GSOType

	// MSS is the payload size of each segment.
	MSS uint16

	// Segs is the number of segments the packet becomes on the wire. If
	// zero it is derived from the headers and MSS.
	Segs int
}

// Outbound is a packet handed to the transmit path.
//
// The packet's headers are at the start of Head; payload continues in
// Head and then in Frags. Offsets are relative to the start of Head.
type Outbound struct {
	Head  []byte
	Frags [][]byte

	// Queue selects the transmit queue.
	Queue int

	// NetworkProtocol, NetworkOffset and TransportOffset locate the
	// headers that the device uses for offloads. For encapsulated packets
	// the Inner fields locate the tunneled headers.
	NetworkProtocol      tcpip.NetworkProtocolNumber
	NetworkOffset        int
	TransportOffset      int
	Encap                bool
	InnerNetworkProtocol tcpip.NetworkProtocolNumber
	InnerNetworkOffset   int
	InnerTransportOffset int

	// CsumPartial requests that the device compute the checksum of the
	// bytes from CsumStart to the end of the packet and store it at
	// CsumStart+CsumOffset.
	CsumPartial bool
	CsumStart   uint16
	CsumOffset  uint16

	// VLAN is inserted by the device when HasVLAN is set.
	VLAN    uint16
	HasVLAN bool

	GSO GSO

	// WantTimestamp requests a hardware transmit timestamp, reported in
	// Timestamp before the packet is released.
	WantTimestamp bool
	Timestamp     time.Time
	HasTimestamp  bool

	// OnRelease is called once when the datapath is done with the packet.
	OnRelease func(*Outbound)

	linear   *buffer.View
	released bool
}

// Len returns the total length of the packet.
func (p *Outbound) Len() int {
	n := len(p.Head)
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

// IsGSO reports whether the packet requests segmentation offload.
func (p *Outbound) IsGSO() bool {
	return p.GSO.Type != GSONone
}

// Linearize flattens the packet into a single buffer obtained from a.
func (p *Outbound) Linearize(a Allocator) error {
	if len(p.Frags) == 0 {
		return nil
	}
	v, err := a.NewView(p.Len())
	if err != nil {
		return err
	}
	b := v.AsSlice()
	n := copy(b, p.Head)
	for _, f := range p.Frags {
		n += copy(b[n:], f)
	}
	if p.linear != nil {
		p.linear.Release()
	}
	p.linear = v
	p.Head = b
	p.Frags = nil
	return nil
}

// Release hands the packet back to its owner. It must be called exactly
// once.
func (p *Outbound) Release() {
	if p.released {
		panic("packet: outbound packet released twice")
	}
	p.released = true
	if p.linear != nil {
		p.linear.Release()
		p.linear = nil
	}
	if p.OnRelease != nil {
		p.OnRelease(p)
	}
}

// Released reports whether Release has been called.
func (p *Outbound) Released() bool {
	return p.released
}

// HashType is the kind of receive hash.
type HashType int

// Receive hash types.
const (
	HashNone HashType = iota
	HashL3
	HashL4
)

// Frag is a zero-copy fragment of a received packet. It holds one
// reference on its page until the packet is released.
type Frag struct {
	Page   pagepool.PageID
	Offset int
	Data   []byte
}

// Inbound is a packet delivered by the receive path. Its data is either a
// single linear buffer or a list of page fragments.
type Inbound struct {
	Linear *buffer.View
	Frags  []Frag

	// Queue is the receive queue the packet arrived on.
	Queue int

	Hash     uint32
	HashType HashType

	// Csum is the ones' complement sum of the packet after the Ethernet
	// header, valid when CsumComplete is set.
	Csum         uint16
	CsumComplete bool

	VLAN    uint16
	HasVLAN bool

	Timestamp    time.Time
	HasTimestamp bool

	arena    *pagepool.Arena
	released bool
}

// AddFrag appends a fragment referencing page. The caller transfers one
// page reference to the packet.
func (p *Inbound) AddFrag(arena *pagepool.Arena, page pagepool.PageID, off, n int) {
	p.arena = arena
	p.Frags = append(p.Frags, Frag{
		Page:   page,
		Offset: off,
		Data:   arena.Data(page)[off : off+n : off+n],
	})
}

// Len returns the packet length.
func (p *Inbound) Len() int {
	if p.Linear != nil {
		return p.Linear.Size()
	}
	n := 0
	for _, f := range p.Frags {
		n += len(f.Data)
	}
	return n
}

// Data returns the packet's bytes. Fragmented packets are copied into a
// new slice.
func (p *Inbound) Data() []byte {
	if p.Linear != nil {
		return p.Linear.AsSlice()
	}
	b := make([]byte, 0, p.Len())
	for _, f := range p.Frags {
		b = append(b, f.Data...)
	}
	return b
}

// Release drops the packet's buffers and page references. It must be
// called exactly once.
func (p *Inbound) Release() {
	if p.released {
		panic("packet: inbound packet released twice")
	}
	p.released = true
	if p.Linear != nil {
		p.Linear.Release()
		p.Linear = nil
	}
	for _, f := range p.Frags {
		p.arena.Unref(f.Page, 1)
	}
	p.Frags = nil
}

// Released reports whether Release has been called.
func (p *Inbound) Released() bool {
	return p.released
}
