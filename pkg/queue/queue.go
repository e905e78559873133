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

// Package queue implements the descriptor ring shared by the transmit and
// receive engines: a power-of-two array of device-visible descriptors with
// parallel per-slot software state.
package queue

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/pagepool"
)

// MaxSize is the largest supported ring. Ring indices are free-running
// 16-bit counters, so twice the ring size must not fit in 16 bits.
const MaxSize = 1 << 15

// ErrSizeInvalid is returned for ring sizes that are not a power of two
// in [2, MaxSize].
var ErrSizeInvalid = errors.New("queue: size invalid")

// CheckSize validates a ring size.
func CheckSize(n int) error {
	if n < 2 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, n)
	}
	if n&(n-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, n)
	}
	if n > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum %d", ErrSizeInvalid, n, MaxSize)
	}
	return nil
}

// Callback is invoked once when the device is done with a slot. comp is
// the whole completion queue descriptor, so that fields stored in front of
// the completion record are visible, or nil when the ring is being torn
// down.
type Callback func(s *Slot, comp []byte)

// BufInfo is one device mapping bound to a slot.
type BufInfo struct {
	// Addr and Len describe the mapped range.
	Addr dma.Addr
	Len  uint32

	// The remaining fields are used by receive slots, which bind pages
	// rather than packet memory. Offset is where the next receive starts
	// within the page and Bias is the number of references on the page
	// that the slot holds in reserve for fragments it will hand out.
	Page    pagepool.PageID
	HasPage bool
	Offset  uint32
	Bias    int32
}

// Slot is the software state of one ring entry.
type Slot struct {
	// Index is the slot's position in the ring.
	Index uint16

	// Desc is the slot's descriptor in ring memory.
	Desc []byte

	// SG is the slot's scatter-gather list in ring memory. It is empty if
	// the ring has no scatter-gather support.
	SG []byte

	// Bufs holds the slot's mappings; the first NBufs are live.
	Bufs  []BufInfo
	NBufs int

	// Bytes is the number of packet bytes completed by the slot.
	Bytes int

	cb         Callback
	sgElemSize int
}

// SGElem returns the i'th scatter-gather element of the slot.
func (s *Slot) SGElem(i int) []byte {
	n := s.sgElemSize
	return s.SG[i*n : (i+1)*n : (i+1)*n]
}

// HasCallback reports whether the slot is waiting for a completion.
func (s *Slot) HasCallback() bool {
	return s.cb != nil
}

// Options configures a Queue.
type Options struct {
	// Name is used in log messages.
	Name string

	// Index is the software index of the queue and HWIndex is the
	// device's queue id used in doorbell writes.
	Index   uint32
	HWIndex uint32

	// Type selects the doorbell register.
	Type doorbell.QType

	// NumDescs is the ring size; it must pass CheckSize.
	NumDescs int

	// DescSize is the size of one descriptor.
	DescSize int

	// SGElemSize and MaxSGElems size the per-slot scatter-gather list.
	SGElemSize int
	MaxSGElems int

	// Mapper maps the ring memory for the device.
	Mapper dma.Mapper

	// Doorbell is the device's doorbell page.
	Doorbell doorbell.Ringer
}

// Queue is a descriptor ring.
//
// head is advanced only by the producer (the transmit path under its lock,
// or the receive fill path inside the poller) and tail only by the
// completion path. Both are free-running 16-bit counters kept in atomics so
// either side can safely read the other's index.
type Queue struct {
	name    string
	index   uint32
	hwIndex uint32
	qtype   doorbell.QType

	numDescs uint32
	mask     uint16
	maxSG    int

	head atomicbitops.Uint32
	tail atomicbitops.Uint32

	ring   dma.Coherent
	sgRing dma.Coherent
	slots  []Slot

	mapper dma.Mapper
	db     doorbell.Ringer

	dbells atomicbitops.Uint64
}

// New allocates a ring and its scatter-gather lists in device-visible
// memory.
func New(opts Options) (*Queue, error) {
	if err := CheckSize(opts.NumDescs); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}
	if opts.DescSize <= 0 {
		return nil, fmt.Errorf("%s: descriptor size %d", opts.Name, opts.DescSize)
	}
	if opts.MaxSGElems < 0 {
		return nil, fmt.Errorf("%s: negative scatter-gather limit %d", opts.Name, opts.MaxSGElems)
	}
	if opts.Mapper == nil || opts.Doorbell == nil {
		return nil, fmt.Errorf("%s: mapper and doorbell are required", opts.Name)
	}
	q := &Queue{
		name:     opts.Name,
		index:    opts.Index,
		hwIndex:  opts.HWIndex,
		qtype:    opts.Type,
		numDescs: uint32(opts.NumDescs),
		mask:     uint16(opts.NumDescs - 1),
		maxSG:    opts.MaxSGElems,
		mapper:   opts.Mapper,
		db:       opts.Doorbell,
	}
	var err error
	if q.ring, err = dma.AllocCoherent(opts.Mapper, opts.NumDescs*opts.DescSize, dma.ToDevice); err != nil {
		return nil, fmt.Errorf("%s: ring: %w", opts.Name, err)
	}
	sgSize := opts.SGElemSize * opts.MaxSGElems
	if sgSize > 0 {
		if q.sgRing, err = dma.AllocCoherent(opts.Mapper, opts.NumDescs*sgSize, dma.ToDevice); err != nil {
			q.ring.Free(opts.Mapper)
			return nil, fmt.Errorf("%s: sg ring: %w", opts.Name, err)
		}
	}
	q.slots = make([]Slot, opts.NumDescs)
	for i := range q.slots {
		s := &q.slots[i]
		s.Index = uint16(i)
		s.Desc = q.ring.Mem[i*opts.DescSize : (i+1)*opts.DescSize : (i+1)*opts.DescSize]
		if sgSize > 0 {
			s.SG = q.sgRing.Mem[i*sgSize : (i+1)*sgSize : (i+1)*sgSize]
		}
		s.Bufs = make([]BufInfo, opts.MaxSGElems+1)
		s.sgElemSize = opts.SGElemSize
	}
	log.Debugf("%s: created ring of %d descriptors at %#x", q.name, q.numDescs, q.ring.Addr)
	return q, nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Index returns the software index of the queue.
func (q *Queue) Index() uint32 { return q.index }

// HWIndex returns the device's id for the queue.
func (q *Queue) HWIndex() uint32 { return q.hwIndex }

// Type returns the queue type.
func (q *Queue) Type() doorbell.QType { return q.qtype }

// NumDescs returns the ring size.
func (q *Queue) NumDescs() uint32 { return q.numDescs }

// MaxSGElems returns the per-slot scatter-gather limit.
func (q *Queue) MaxSGElems() int { return q.maxSG }

// Base returns the bus address of the descriptor ring.
func (q *Queue) Base() dma.Addr { return q.ring.Addr }

// SGBase returns the bus address of the scatter-gather lists, or zero if
// there are none.
func (q *Queue) SGBase() dma.Addr { return q.sgRing.Addr }

// Head returns the free-running producer index.
func (q *Queue) Head() uint16 { return uint16(q.head.Load()) }

// Tail returns the free-running index of the oldest in-flight slot.
func (q *Queue) Tail() uint16 { return uint16(q.tail.Load()) }

// Occupancy returns the number of in-flight slots.
func (q *Queue) Occupancy() uint32 {
	return uint32(q.Head() - q.Tail())
}

// SpaceAvail returns the number of slots that can be posted.
func (q *Queue) SpaceAvail() uint32 {
	return q.numDescs - q.Occupancy()
}

// HasSpace reports whether want more slots can be posted.
func (q *Queue) HasSpace(want uint32) bool {
	return q.SpaceAvail() >= want
}

// Empty reports whether no slots are in flight.
func (q *Queue) Empty() bool {
	return q.Head() == q.Tail()
}

// Slot returns the slot for a free-running index.
func (q *Queue) Slot(index uint16) *Slot {
	return &q.slots[index&q.mask]
}

// HeadSlot returns the slot that the next Post will publish.
func (q *Queue) HeadSlot() *Slot {
	return q.Slot(q.Head())
}

// TailSlot returns the oldest in-flight slot, or nil if the ring is empty.
func (q *Queue) TailSlot() *Slot {
	if q.Empty() {
		return nil
	}
	return q.Slot(q.Tail())
}

// Post publishes the head slot, whose descriptor must already be written,
// and advances head. cb may be nil for slots whose cleanup is owned by an
// earlier slot. Callers must check HasSpace first.
func (q *Queue) Post(ringDoorbell bool, cb Callback) {
	head := q.Head()
	if uint32(head-q.Tail()) >= q.numDescs {
		panic(fmt.Sprintf("%s: post to a full ring (head %d, tail %d)", q.name, head, q.Tail()))
	}
	q.Slot(head).cb = cb
	q.head.Store(uint32(head + 1))
	if ringDoorbell {
		q.RingDoorbell()
	}
}

// RingDoorbell tells the device the current head index.
func (q *Queue) RingDoorbell() {
	q.db.Ring(q.qtype, doorbell.Value{QID: q.hwIndex, Index: q.Head()}.Encode())
	q.dbells.Add(1)
}

// Doorbells returns the number of doorbell writes made by the queue.
func (q *Queue) Doorbells() uint64 {
	return q.dbells.Load()
}

// CompleteTail retires the oldest in-flight slot: it clears the slot's
// callback, invokes it with comp and then advances tail. The slot is not
// handed back to producers until the callback has returned. It returns
// the free-running index of the retired slot.
func (q *Queue) CompleteTail(comp []byte) uint16 {
	tail := q.Tail()
	if tail == q.Head() {
		panic(fmt.Sprintf("%s: completion on an empty ring", q.name))
	}
	s := q.Slot(tail)
	cb := s.cb
	s.cb = nil
	if cb != nil {
		cb(s, comp)
	}
	q.tail.Store(uint32(tail + 1))
	return tail
}

// Drain retires every in-flight slot as if completed with a nil record.
// It returns the number of slots retired.
func (q *Queue) Drain() int {
	n := 0
	for !q.Empty() {
		q.CompleteTail(nil)
		n++
	}
	return n
}

// Reset rewinds an empty ring to index zero.
func (q *Queue) Reset() {
	if !q.Empty() {
		panic(fmt.Sprintf("%s: reset with %d slots in flight", q.name, q.Occupancy()))
	}
	q.head.Store(0)
	q.tail.Store(0)
}

// Close releases the ring memory. In-flight slots must have been drained.
func (q *Queue) Close() error {
	if n := q.Occupancy(); n != 0 {
		log.Warningf("%s: closing with %d slots in flight", q.name, n)
	}
	err := q.ring.Free(q.mapper)
	return multierr.Append(err, q.sgRing.Free(q.mapper))
}
