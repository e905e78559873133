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

// Package rx implements the receive engine: it keeps the receive ring
// stocked with page buffers and turns receive completions into packets.
//
// Pages are split: after a fragment of a page is handed up, the slot keeps
// the page and posts the next aligned region of it, so one page serves
// several receives. Short frames are copied out instead so the page region
// can be reposted untouched.
package rx

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/packet"
	"gvisor.dev/nicq/pkg/pagepool"
	"gvisor.dev/nicq/pkg/queue"
	"gvisor.dev/nicq/pkg/stats"
)

// VLANHeaderLen is the size of an 802.1Q tag.
const VLANHeaderLen = 4

// MaxPageSize is the largest page whose length fits a descriptor or
// scatter-gather element.
const MaxPageSize = 1 << 15

// Defaults for Options.
const (
	DefaultCopyBreak           = 256
	DefaultFillThreshold       = 16
	DefaultFillDiv             = 8
	DefaultMinDoorbellDeadline = 10 * time.Millisecond
	DefaultMaxDoorbellDeadline = 5 * time.Second
)

// Features are the receive offloads in effect.
type Features struct {
	// Hash reports the device's RSS hash on each packet.
	Hash bool
	// Csum reports the device's checksum of each packet.
	Csum bool
	// VLANStrip reports stripped VLAN tags.
	VLANStrip bool
	// HWStamp reports hardware receive timestamps. The completion queue
	// must use desc.HWStampCompDescSize descriptors.
	HWStamp bool
}

// Receiver is the networking stack above the receive path. It owns the
// packets it is given and must Release them.
type Receiver interface {
	// ReceiveLinear delivers a packet copied into a linear buffer.
	ReceiveLinear(p *packet.Inbound)

	// ReceiveFrags delivers a packet made of page fragments.
	ReceiveFrags(p *packet.Inbound)
}

// Options configures an Engine.
type Options struct {
	// Queue is the receive ring. Its MaxSGElems bounds the number of extra
	// buffers per packet.
	Queue *queue.Queue

	// Arena supplies receive pages and Mapper maps them for the device.
	Arena  *pagepool.Arena
	Mapper dma.Mapper

	// Allocator supplies copy-break buffers and packet objects.
	Allocator packet.Allocator

	// Receiver gets the received packets.
	Receiver Receiver

	// Stats is the queue's statistics block.
	Stats *stats.RxStats

	// Clock drives the doorbell deadline.
	Clock tcpip.Clock

	// MTU is the largest L3 packet accepted.
	MTU uint32

	// CopyBreak is the largest frame that is copied rather than handed up
	// as page fragments. Zero selects DefaultCopyBreak; use NoCopyBreak to
	// always hand up fragments.
	CopyBreak   uint32
	NoCopyBreak bool

	// SplitSize is the alignment of page regions. Zero selects half the
	// page size.
	SplitSize uint32

	// SplitMaxMTU is the largest MTU for which pages are split and
	// recycled. Zero selects SplitSize minus the Ethernet and VLAN
	// headers.
	SplitMaxMTU uint32

	// MinDoorbellDeadline and MaxDoorbellDeadline bound the adaptive
	// doorbell poke interval.
	MinDoorbellDeadline time.Duration
	MaxDoorbellDeadline time.Duration

	Features Features

	// PHC converts a hardware timestamp to time. Nil treats timestamps as
	// nanoseconds since the Unix epoch.
	PHC func(ticks uint64) time.Time

	// ArmTimer, if set, is called after every fill to arm the poller's
	// fallback timer.
	ArmTimer func()
}

// Engine is a receive queue's datapath. All methods must be called from
// the queue's poller.
type Engine struct {
	q        *queue.Queue
	arena    *pagepool.Arena
	mapper   dma.Mapper
	alloc    packet.Allocator
	recv     Receiver
	stats    *stats.RxStats
	deadline *doorbell.Deadline
	features Features
	phc      func(uint64) time.Time
	armTimer func()
	warn     log.Logger

	mtu         uint32
	copyBreak   uint32
	noCopyBreak bool
	pageSize    uint32
	splitSize   uint32
	splitMaxMTU uint32

	// clean is the slot callback, bound once.
	clean queue.Callback
}

// New returns a receive engine for opts.Queue.
func New(opts Options) (*Engine, error) {
	if opts.Queue == nil || opts.Arena == nil || opts.Mapper == nil || opts.Receiver == nil || opts.Clock == nil {
		return nil, fmt.Errorf("rx: queue, arena, mapper, receiver and clock are required")
	}
	if opts.Allocator == nil {
		opts.Allocator = packet.HeapAllocator{}
	}
	if opts.Stats == nil {
		opts.Stats = &stats.RxStats{}
	}
	if opts.CopyBreak == 0 {
		opts.CopyBreak = DefaultCopyBreak
	}
	pageSize := uint32(opts.Arena.PageSize())
	if pageSize > MaxPageSize {
		return nil, fmt.Errorf("rx: page size %d exceeds %d", pageSize, MaxPageSize)
	}
	if opts.SplitSize == 0 {
		opts.SplitSize = pageSize / 2
	}
	if opts.SplitSize&(opts.SplitSize-1) != 0 || opts.SplitSize > pageSize {
		return nil, fmt.Errorf("rx: split size %d must be a power of 2 no larger than the page", opts.SplitSize)
	}
	if opts.SplitMaxMTU == 0 && opts.SplitSize > header.EthernetMinimumSize+VLANHeaderLen {
		opts.SplitMaxMTU = opts.SplitSize - header.EthernetMinimumSize - VLANHeaderLen
	}
	if opts.MinDoorbellDeadline == 0 {
		opts.MinDoorbellDeadline = DefaultMinDoorbellDeadline
	}
	if opts.MaxDoorbellDeadline == 0 {
		opts.MaxDoorbellDeadline = DefaultMaxDoorbellDeadline
	}
	if opts.PHC == nil {
		opts.PHC = func(ticks uint64) time.Time { return time.Unix(0, int64(ticks)) }
	}
	frame := opts.MTU + header.EthernetMinimumSize + VLANHeaderLen
	if limit := pageSize * uint32(opts.Queue.MaxSGElems()+1); opts.MTU == 0 || frame > limit {
		return nil, fmt.Errorf("rx: MTU %d does not fit in %d pages", opts.MTU, opts.Queue.MaxSGElems()+1)
	}
	e := &Engine{
		q:           opts.Queue,
		arena:       opts.Arena,
		mapper:      opts.Mapper,
		alloc:       opts.Allocator,
		recv:        opts.Receiver,
		stats:       opts.Stats,
		deadline:    doorbell.NewDeadline(opts.Clock, opts.MinDoorbellDeadline, opts.MaxDoorbellDeadline),
		features:    opts.Features,
		phc:         opts.PHC,
		armTimer:    opts.ArmTimer,
		warn:        log.BasicRateLimitedLogger(time.Second),
		mtu:         opts.MTU,
		copyBreak:   opts.CopyBreak,
		noCopyBreak: opts.NoCopyBreak,
		pageSize:    pageSize,
		splitSize:   opts.SplitSize,
		splitMaxMTU: opts.SplitMaxMTU,
	}
	e.clean = e.cleanSlot
	return e, nil
}

// Queue returns the engine's ring.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Stats returns the engine's counters.
func (e *Engine) Stats() *stats.RxStats { return e.stats }

// frameLen is the largest frame the device may write for one packet.
func (e *Engine) frameLen() uint32 {
	return e.mtu + header.EthernetMinimumSize + VLANHeaderLen
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// splits is the number of frame-sized regions a page holds.
func (e *Engine) splits() int32 {
	return int32(e.pageSize / align(e.frameLen(), e.splitSize))
}

// pageAlloc binds a fresh mapped page to buf.
func (e *Engine) pageAlloc(buf *queue.BufInfo) error {
	pg, err := e.arena.Alloc()
	if err != nil {
		e.stats.AllocErr.Increment()
		return err
	}
	addr, err := e.mapper.Map(e.arena.Data(pg), dma.FromDevice)
	if err != nil {
		e.arena.Unref(pg, 1)
		e.stats.DMAMapErr.Increment()
		return err
	}
	*buf = queue.BufInfo{Addr: addr, Page: pg, HasPage: true}
	if bias := e.splits() - 1; bias > 0 {
		buf.Bias = bias
		e.arena.Ref(pg, bias)
	}
	return nil
}

// pageFree unmaps buf's page and drops every reference the slot holds.
func (e *Engine) pageFree(buf *queue.BufInfo) {
	e.mapper.Unmap(buf.Addr, int(e.pageSize), dma.FromDevice)
	e.arena.Unref(buf.Page, buf.Bias+1)
	*buf = queue.BufInfo{}
}

// Fill posts a buffer set to every free slot, rings the doorbell once and
// arms the fallback timer. It stops early, leaving the ring consistent, if
// a page cannot be allocated or mapped; the next fill retries.
func (e *Engine) Fill() {
	frame := e.frameLen()
	maxSG := e.q.MaxSGElems()
	posted := 0
	for n := e.q.SpaceAvail(); n > 0; n-- {
		s := e.q.HeadSlot()
		remain := frame
		nfrags := 0
		var rd desc.RxDesc
		for nfrags == 0 || (remain > 0 && nfrags <= maxSG) {
			buf := &s.Bufs[nfrags]
			if !buf.HasPage {
				if err := e.pageAlloc(buf); err != nil {
					e.warn.Warningf("%s: fill: %v", e.q.Name(), err)
					e.finishFill(posted)
					return
				}
			}
			l := min(remain, e.pageSize-buf.Offset)
			buf.Len = l
			addr := uint64(buf.Addr) + uint64(buf.Offset)
			if nfrags == 0 {
				rd.Addr, rd.Len = addr, uint16(l)
			} else {
				desc.SGElem{Addr: addr, Len: uint16(l)}.Encode(s.SGElem(nfrags - 1))
			}
			remain -= l
			nfrags++
		}
		if nfrags-1 < maxSG {
			desc.SGElem{}.Encode(s.SGElem(nfrags - 1))
		}
		rd.Opcode = desc.RxOpcodeSimple
		if nfrags > 1 {
			rd.Opcode = desc.RxOpcodeSG
		}
		rd.Encode(s.Desc)
		s.NBufs = nfrags
		e.q.Post(false, e.clean)
		e.stats.BuffersPosted.Increment()
		posted++
	}
	e.finishFill(posted)
}

func (e *Engine) finishFill(posted int) {
	if posted > 0 {
		e.q.RingDoorbell()
		e.stats.Doorbells.Increment()
	}
	e.deadline.Reset()
	if e.armTimer != nil {
		e.armTimer()
	}
}

// Service consumes one receive completion. It implements cq.Handler and
// declines completions that do not belong to the oldest in-flight slot.
func (e *Engine) Service(comp, cqDesc []byte) bool {
	if e.q.Empty() {
		return false
	}
	if c := desc.DecodeRxComp(comp); c.CompIndex != e.q.Tail() {
		return false
	}
	e.q.CompleteTail(cqDesc)
	return true
}

// cleanSlot turns a completed slot into a packet. cqDesc is nil when the
// ring is being emptied; the slot's pages are then freed by Empty.
func (e *Engine) cleanSlot(s *queue.Slot, cqDesc []byte) {
	if cqDesc == nil {
		return
	}
	comp := desc.DecodeRxComp(cqDesc[desc.CompOffset(len(cqDesc)):])
	if comp.Status != 0 {
		e.stats.Dropped.Increment()
		return
	}
	if uint32(comp.Len) > e.frameLen() {
		e.stats.Dropped.Increment()
		e.warn.Warningf("%s: rx frame of %d bytes exceeds %d", e.q.Name(), comp.Len, e.frameLen())
		return
	}

	e.stats.Packets.Increment()
	e.stats.Bytes.IncrementBy(uint64(comp.Len))

	copied := !e.noCopyBreak && uint32(comp.Len) <= e.copyBreak
	var p *packet.Inbound
	if copied {
		p = e.copyBreakPacket(s, comp.Len)
	} else {
		p = e.fragPacket(s, &comp)
	}
	if p == nil {
		e.stats.Dropped.Increment()
		return
	}
	p.Queue = int(e.q.Index())
	e.applyMetadata(p, &comp, cqDesc)

	if copied {
		e.recv.ReceiveLinear(p)
	} else {
		e.recv.ReceiveFrags(p)
	}
}

// copyBreakPacket copies a short frame out of the slot's first buffer,
// which stays posted as is.
func (e *Engine) copyBreakPacket(s *queue.Slot, n uint16) *packet.Inbound {
	p, err := e.alloc.NewInbound()
	if err != nil {
		e.stats.AllocErr.Increment()
		return nil
	}
	v, err := e.alloc.NewView(int(n))
	if err != nil {
		e.stats.AllocErr.Increment()
		p.Release()
		return nil
	}
	buf := &s.Bufs[0]
	if !buf.HasPage {
		v.Release()
		p.Release()
		return nil
	}
	addr := buf.Addr + dma.Addr(buf.Offset)
	e.mapper.SyncForCPU(addr, int(n), dma.FromDevice)
	copy(v.AsSlice(), e.arena.Data(buf.Page)[buf.Offset:buf.Offset+uint32(n)])
	e.mapper.SyncForDevice(addr, int(n), dma.FromDevice)
	p.Linear = v
	e.stats.CopyBreak.Increment()
	return p
}

// fragPacket hands the slot's page regions up as fragments, keeping each
// page for the next receive when it can be recycled.
func (e *Engine) fragPacket(s *queue.Slot, comp *desc.RxComp) *packet.Inbound {
	p, err := e.alloc.NewInbound()
	if err != nil {
		e.stats.AllocErr.Increment()
		return nil
	}
	remain := uint32(comp.Len)
	nbufs := min(int(comp.NumSGElems)+1, s.NBufs)
	for i := 0; i < nbufs && remain > 0; i++ {
		buf := &s.Bufs[i]
		if !buf.HasPage {
			p.Release()
			return nil
		}
		l := min(remain, buf.Len)
		remain -= l
		e.mapper.SyncForCPU(buf.Addr+dma.Addr(buf.Offset), int(l), dma.FromDevice)
		p.AddFrag(e.arena, buf.Page, int(buf.Offset), int(l))
		if e.recycle(buf, l) {
			e.stats.PagesRecycled.Increment()
			continue
		}
		// The fragment keeps the slot's own page reference.
		e.mapper.Unmap(buf.Addr, int(e.pageSize), dma.FromDevice)
		e.arena.Unref(buf.Page, buf.Bias)
		*buf = queue.BufInfo{}
	}
	return p
}

// recycle decides whether the slot can keep buf's page after used bytes
// of it were handed up in a fragment. On success the slot moves on to the
// next region and the fragment holds one page reference of its own.
func (e *Engine) recycle(buf *queue.BufInfo, used uint32) bool {
	off, ok := nextRegion(e.arena.Reusable(buf.Page), e.mtu, buf.Offset, used, e.geometry())
	buf.Offset = off
	if !ok {
		return false
	}
	if buf.Bias > 0 {
		buf.Bias--
	} else {
		e.arena.Ref(buf.Page, 1)
	}
	return true
}

// geometry describes how pages are split.
type geometry struct {
	pageSize    uint32
	splitSize   uint32
	splitMaxMTU uint32
}

func (e *Engine) geometry() geometry {
	return geometry{pageSize: e.pageSize, splitSize: e.splitSize, splitMaxMTU: e.splitMaxMTU}
}

// nextRegion returns the page offset following a receive of used bytes at
// offset, and whether that region may be posted again. A page is only
// reused if it is reusable at all, the MTU allows splitting, and the next
// aligned region starts inside the page.
func nextRegion(reusable bool, mtu, offset, used uint32, g geometry) (uint32, bool) {
	if !reusable || mtu > g.splitMaxMTU {
		return offset, false
	}
	offset += align(used, g.splitSize)
	return offset, offset < g.pageSize
}

func (e *Engine) applyMetadata(p *packet.Inbound, comp *desc.RxComp, cqDesc []byte) {
	if e.features.Hash {
		switch {
		case comp.PktType.IsL4():
			p.Hash, p.HashType = comp.RSSHash, packet.HashL4
		case comp.PktType.IsL3():
			p.Hash, p.HashType = comp.RSSHash, packet.HashL3
		}
	}

	if e.features.Csum && comp.CsumFlags.Has(desc.CsumCalc) {
		p.Csum, p.CsumComplete = comp.Csum, true
		e.stats.CsumComplete.Increment()
	} else {
		e.stats.CsumNone.Increment()
	}
	if comp.CsumFlags.Bad() {
		e.stats.CsumError.Increment()
	}

	if e.features.VLANStrip && comp.CsumFlags.Has(desc.CsumVLAN) {
		p.VLAN, p.HasVLAN = comp.VLANTCI, true
		e.stats.VLANStripped.Increment()
	}

	if e.features.HWStamp {
		if ts, ok := desc.HWStamp(cqDesc); ok {
			p.Timestamp, p.HasTimestamp = e.phc(ts), true
			e.stats.HWStampValid.Increment()
		} else {
			e.stats.HWStampInvalid.Increment()
		}
	}
}

// PokeDoorbell re-rings the doorbell if buffers are posted and the
// adaptive deadline has passed, doubling the deadline each time. It
// reports whether buffers are posted, in which case the caller should keep
// the fallback timer running.
func (e *Engine) PokeDoorbell() bool {
	if e.q.Empty() {
		return false
	}
	if e.deadline.Due() {
		e.q.RingDoorbell()
		e.stats.Doorbells.Increment()
	}
	return true
}

// DoorbellDeadline returns the current poke interval.
func (e *Engine) DoorbellDeadline() time.Duration {
	return e.deadline.Interval()
}

// Empty tears down the ring: in-flight slots are retired without
// delivering anything, every page held by any slot is unmapped and freed,
// and the ring is rewound.
func (e *Engine) Empty() {
	e.q.Drain()
	for i := uint32(0); i < e.q.NumDescs(); i++ {
		s := e.q.Slot(uint16(i))
		for j := range s.Bufs {
			if s.Bufs[j].HasPage {
				e.pageFree(&s.Bufs[j])
			}
		}
		s.NBufs = 0
	}
	e.q.Reset()
}
