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

// Package tx implements the transmit engine: it maps outbound packets into
// descriptors, reclaims them on completion and applies backpressure when
// the ring runs out of room.
//
// Producers call Xmit concurrently; the engine serializes them under a
// per-queue lock. Completions are processed by the queue's poller, which
// does not take that lock. The two sides meet only at the ring indices and
// the stopped flag.
package tx

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/packet"
	"gvisor.dev/nicq/pkg/queue"
	"gvisor.dev/nicq/pkg/stats"
)

// Defaults for Options.
const (
	DefaultDoorbellDeadline = 10 * time.Millisecond
	DefaultStopThreshold    = 4
)

// maxBufLen is the largest buffer a descriptor or element can describe.
const maxBufLen = 1<<16 - 1

// Verdict is the outcome of Xmit.
type Verdict int

const (
	// Queued means the engine took ownership of the packet.
	Queued Verdict = iota

	// Busy means the ring is full and the queue has been stopped. The
	// caller keeps the packet and should retry after the queue wakes.
	Busy

	// Dropped means the packet could not be sent and has been released.
	Dropped
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Queued:
		return "queued"
	case Busy:
		return "busy"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Options configures an Engine.
type Options struct {
	// Queue is the transmit ring.
	Queue *queue.Queue

	// Mapper maps packet memory for the device.
	Mapper dma.Mapper

	// Allocator supplies buffers for linearizing packets.
	Allocator packet.Allocator

	// Stats is the queue's statistics block.
	Stats *stats.TxStats

	// Clock drives the doorbell deadline.
	Clock tcpip.Clock

	// DoorbellDeadline is how long posted work may sit before the poller
	// re-rings the doorbell.
	DoorbellDeadline time.Duration

	// StopThreshold is the free-slot count below which the queue is
	// stopped after each accepted packet.
	StopThreshold int

	// HWStamp dedicates the queue to packets that want a hardware
	// timestamp. Such a queue never stops: packets that do not fit are
	// dropped. Its completion queue must use desc.HWStampCompDescSize
	// descriptors.
	HWStamp bool

	// PHC converts a hardware timestamp to time. Nil treats timestamps as
	// nanoseconds since the Unix epoch.
	PHC func(ticks uint64) time.Time

	// ArmTimer, if set, is called whenever the doorbell is rung on the
	// transmit path to arm the poller's fallback timer.
	ArmTimer func()

	// Wake, if set, is called from the poller when a stopped queue has
	// room again.
	Wake func()
}

func (o *Options) setDefaults() {
	if o.Allocator == nil {
		o.Allocator = packet.HeapAllocator{}
	}
	if o.Stats == nil {
		o.Stats = &stats.TxStats{}
	}
	if o.DoorbellDeadline == 0 {
		o.DoorbellDeadline = DefaultDoorbellDeadline
	}
	if o.StopThreshold == 0 {
		o.StopThreshold = DefaultStopThreshold
	}
	if o.PHC == nil {
		o.PHC = func(ticks uint64) time.Time { return time.Unix(0, int64(ticks)) }
	}
}

// Engine is a transmit queue's datapath.
type Engine struct {
	q        *queue.Queue
	mapper   dma.Mapper
	alloc    packet.Allocator
	stats    *stats.TxStats
	hwstamp  bool
	stopAt   int
	phc      func(uint64) time.Time
	armTimer func()
	onWake   func()
	warn     log.Logger

	// stopped is set by producers when the ring is full and cleared by
	// the poller once completions free slots.
	stopped atomicbitops.Bool

	// mu serializes producers and doorbell pokes.
	mu sync.Mutex

	// +checklocks:mu
	deadline *doorbell.Deadline

	// rung is the head index last announced to the device. Slots between
	// rung and head were posted with the more hint and are unknown to the
	// device until the next doorbell.
	//
	// +checklocks:mu
	rung uint16
}

// New returns a transmit engine for opts.Queue.
func New(opts Options) (*Engine, error) {
	if opts.Queue == nil || opts.Mapper == nil || opts.Clock == nil {
		return nil, fmt.Errorf("tx: queue, mapper and clock are required")
	}
	opts.setDefaults()
	return &Engine{
		q:        opts.Queue,
		mapper:   opts.Mapper,
		alloc:    opts.Allocator,
		stats:    opts.Stats,
		hwstamp:  opts.HWStamp,
		stopAt:   opts.StopThreshold,
		phc:      opts.PHC,
		armTimer: opts.ArmTimer,
		onWake:   opts.Wake,
		warn:     log.BasicRateLimitedLogger(time.Second),
		deadline: doorbell.NewDeadline(opts.Clock, opts.DoorbellDeadline, opts.DoorbellDeadline),
	}, nil
}

// Queue returns the engine's ring.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Stats returns the engine's counters.
func (e *Engine) Stats() *stats.TxStats { return e.stats }

// Stopped reports whether the queue is stopped for lack of ring space.
// The flag is advisory: Xmit still accepts a packet while stopped if the
// packet fits, so producers that honor it should wait for the Wake
// callback before calling Xmit again.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

// Xmit queues p for transmission. If more is set the caller promises
// another packet right away and the doorbell is left for that one. A
// packet that leaves the queue stopped, or a call that returns Busy or
// drops for lack of space, rings the doorbell for any descriptors still
// held back.
//
// The queue may be stopped on return even though p was queued: fewer than
// StopThreshold slots remain. The next Xmit is still attempted and only
// returns Busy if its own descriptors do not fit.
//
// On Queued the engine owns p until it is released from the completion
// path. On Dropped p has already been released. On Busy the caller keeps
// p.
func (e *Engine) Xmit(p *packet.Outbound, more bool) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	ndescs, err := e.descsNeeded(p)
	if err != nil {
		return e.drop(p, err)
	}
	if e.hwstamp {
		if !e.q.HasSpace(uint32(ndescs)) {
			e.flush()
			return e.drop(p, fmt.Errorf("timestamp queue full: %w", linuxerr.ENOBUFS))
		}
	} else if e.maybeStop(ndescs) {
		e.flush()
		e.stats.Busy.Increment()
		return Busy
	}

	if p.IsGSO() {
		err = e.xmitTSO(p)
	} else {
		err = e.xmitSimple(p, more)
	}
	if err != nil {
		return e.drop(p, err)
	}

	// Stop early if the next packet is unlikely to fit. The scatter-gather
	// lists absorb most fragmentation, so a few slots are enough.
	if !e.hwstamp && e.maybeStop(e.stopAt) {
		e.flush()
	}
	return Queued
}

// +checklocks:e.mu
func (e *Engine) drop(p *packet.Outbound, err error) Verdict {
	e.stats.Dropped.Increment()
	e.warn.Warningf("%s: dropping packet of %d bytes: %v", e.q.Name(), p.Len(), err)
	p.Release()
	return Dropped
}

// descsNeeded returns the number of ring slots p will take, linearizing
// it first if it has more fragments than a descriptor can carry.
func (e *Engine) descsNeeded(p *packet.Outbound) (int, error) {
	if err := validate(p); err != nil {
		return 0, err
	}
	ndescs := 1
	if p.IsGSO() {
		n, err := tsoSegments(p)
		if err != nil {
			return 0, err
		}
		ndescs = max(n, p.GSO.Segs, 1)
	}
	if ndescs > int(e.q.NumDescs()) {
		return 0, fmt.Errorf("%d descriptors on a ring of %d: %w", ndescs, e.q.NumDescs(), linuxerr.EMSGSIZE)
	}
	if len(p.Frags) > e.q.MaxSGElems() {
		if err := p.Linearize(e.alloc); err != nil {
			return 0, fmt.Errorf("linearize: %w", err)
		}
		e.stats.Linearize.Increment()
		if len(p.Head) > maxBufLen && !p.IsGSO() {
			return 0, fmt.Errorf("linearized packet of %d bytes: %w", len(p.Head), linuxerr.EMSGSIZE)
		}
	}
	return ndescs, nil
}

func validate(p *packet.Outbound) error {
	if len(p.Head) == 0 {
		return fmt.Errorf("empty head: %w", linuxerr.EINVAL)
	}
	for i, f := range p.Frags {
		if len(f) == 0 {
			return fmt.Errorf("empty fragment %d: %w", i, linuxerr.EINVAL)
		}
	}
	if p.IsGSO() {
		return nil
	}
	if len(p.Head) > maxBufLen {
		return fmt.Errorf("head of %d bytes: %w", len(p.Head), linuxerr.EMSGSIZE)
	}
	for i, f := range p.Frags {
		if len(f) > maxBufLen {
			return fmt.Errorf("fragment %d of %d bytes: %w", i, len(f), linuxerr.EMSGSIZE)
		}
	}
	return nil
}

// maybeStop stops the queue if fewer than ndescs slots are free. The
// space is checked again after the stopped flag is published, because the
// poller may have freed slots in between without seeing the flag. It
// reports whether the queue stays stopped.
//
// +checklocks:e.mu
func (e *Engine) maybeStop(ndescs int) bool {
	if e.q.HasSpace(uint32(ndescs)) {
		return false
	}
	e.stopped.Store(true)
	e.stats.Stop.Increment()
	if e.q.HasSpace(uint32(ndescs)) {
		e.stopped.Store(false)
		return false
	}
	return true
}

// wake restarts a stopped queue. It is called by the poller after tail
// has moved.
func (e *Engine) wake() {
	if e.stopped.CompareAndSwap(true, false) {
		e.stats.Wake.Increment()
		if e.onWake != nil {
			e.onWake()
		}
	}
}

// mapPacket maps p's head and fragments into s.Bufs. On failure every
// mapping made so far is undone in reverse order.
func (e *Engine) mapPacket(s *queue.Slot, p *packet.Outbound) error {
	addr, err := e.mapper.Map(p.Head, dma.ToDevice)
	if err != nil {
		e.stats.DMAMapErr.Increment()
		return fmt.Errorf("map head: %w", err)
	}
	s.Bufs[0] = queue.BufInfo{Addr: addr, Len: uint32(len(p.Head))}
	for i, f := range p.Frags {
		addr, err := e.mapper.Map(f, dma.ToDevice)
		if err != nil {
			e.stats.DMAMapErr.Increment()
			for j := i; j >= 0; j-- {
				e.mapper.Unmap(s.Bufs[j].Addr, int(s.Bufs[j].Len), dma.ToDevice)
				s.Bufs[j] = queue.BufInfo{}
			}
			return fmt.Errorf("map fragment %d: %w", i, err)
		}
		s.Bufs[i+1] = queue.BufInfo{Addr: addr, Len: uint32(len(f))}
	}
	s.NBufs = 1 + len(p.Frags)
	return nil
}

func (e *Engine) unmapBufs(s *queue.Slot) {
	for i := 0; i < s.NBufs; i++ {
		e.mapper.Unmap(s.Bufs[i].Addr, int(s.Bufs[i].Len), dma.ToDevice)
		s.Bufs[i] = queue.BufInfo{}
	}
	s.NBufs = 0
}

// +checklocks:e.mu
func (e *Engine) xmitSimple(p *packet.Outbound, more bool) error {
	s := e.q.HeadSlot()
	if err := e.mapPacket(s, p); err != nil {
		return err
	}

	d := desc.TxDesc{
		Opcode:     desc.TxOpcodeCsumNone,
		Flags:      desc.TxFlags{VLAN: p.HasVLAN, Encap: p.Encap},
		NumSGElems: uint8(len(p.Frags)),
		Addr:       uint64(s.Bufs[0].Addr),
		Len:        uint16(s.Bufs[0].Len),
	}
	if p.CsumPartial {
		d.Opcode = desc.TxOpcodeCsumPartial
		d.CsumStart = p.CsumStart
		d.CsumOffset = p.CsumOffset
		e.stats.Csum.Increment()
	} else {
		e.stats.CsumNone.Increment()
	}
	e.countOffloads(p, &d)
	d.Encode(s.Desc)
	for i := 1; i < s.NBufs; i++ {
		desc.SGElem{Addr: uint64(s.Bufs[i].Addr), Len: uint16(s.Bufs[i].Len)}.Encode(s.SGElem(i - 1))
	}

	e.stats.Frags.IncrementBy(uint64(len(p.Frags)))
	e.stats.RecordSG(len(p.Frags))
	e.stats.Packets.Increment()
	e.stats.Bytes.IncrementBy(uint64(p.Len()))
	e.post(!more, e.cleanFor(p))
	return nil
}

// +checklocks:e.mu
func (e *Engine) countOffloads(p *packet.Outbound, d *desc.TxDesc) {
	if p.HasVLAN {
		d.VLANTCI = p.VLAN
		e.stats.VLANInserted.Increment()
	}
	if p.Encap {
		e.stats.Encap.Increment()
	}
}

// post publishes the head slot, ringing the doorbell if asked.
//
// +checklocks:e.mu
func (e *Engine) post(ring bool, cb queue.Callback) {
	e.q.Post(false, cb)
	if ring {
		e.ringDoorbell()
	}
}

// ringDoorbell announces head to the device and arms the poller's
// fallback timer.
//
// +checklocks:e.mu
func (e *Engine) ringDoorbell() {
	e.q.RingDoorbell()
	e.rung = e.q.Head()
	e.stats.Doorbells.Increment()
	e.deadline.Touch()
	if e.armTimer != nil {
		e.armTimer()
	}
}

// flush rings the doorbell if slots posted with the more hint have not
// been announced yet.
//
// +checklocks:e.mu
func (e *Engine) flush() {
	if e.q.Head() != e.rung {
		e.ringDoorbell()
	}
}

// cleanFor returns the completion callback that owns p.
func (e *Engine) cleanFor(p *packet.Outbound) queue.Callback {
	return func(s *queue.Slot, cqDesc []byte) {
		e.clean(s, cqDesc, p)
	}
}

// clean runs when the device is done with the slot that owns p, or when
// the ring is emptied (cqDesc is nil).
func (e *Engine) clean(s *queue.Slot, cqDesc []byte, p *packet.Outbound) {
	e.unmapBufs(s)
	if e.hwstamp && cqDesc != nil {
		if ts, ok := desc.HWStamp(cqDesc); ok {
			p.Timestamp, p.HasTimestamp = e.phc(ts), true
			e.stats.HWStampValid.Increment()
		} else {
			e.stats.HWStampInvalid.Increment()
		}
	}
	s.Bytes = p.Len()
	e.stats.Clean.Increment()
	p.Release()
}

// Service consumes one transmit completion, which retires every slot up
// to and including the one it names. It implements cq.Handler.
func (e *Engine) Service(comp, cqDesc []byte) bool {
	if e.q.Empty() {
		return false
	}
	c := desc.DecodeTxComp(comp)
	tail := e.q.Tail()
	if uint32(c.CompIndex-tail) >= e.q.Occupancy() {
		e.warn.Warningf("%s: completion index %d outside in-flight range [%d, %d)", e.q.Name(), c.CompIndex, tail, e.q.Head())
		return false
	}
	for {
		if e.q.CompleteTail(cqDesc) == c.CompIndex {
			break
		}
	}
	if !e.hwstamp {
		e.wake()
	}
	return true
}

// PokeDoorbell re-rings the doorbell if descriptors are in flight and the
// deadline has passed since the last ring. It reports whether descriptors
// are in flight, in which case the caller should keep the fallback timer
// running.
func (e *Engine) PokeDoorbell() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.q.Empty() {
		return false
	}
	if e.q.Head() != e.rung {
		e.q.RingDoorbell()
		e.rung = e.q.Head()
		e.stats.Doorbells.Increment()
		e.deadline.Touch()
	} else if e.deadline.Due() {
		e.q.RingDoorbell()
		e.stats.Doorbells.Increment()
	}
	return true
}

// Empty retires every in-flight slot without waiting for the device,
// unmapping and releasing each packet, and rewinds the ring.
func (e *Engine) Empty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.q.Drain(); n > 0 {
		log.Debugf("%s: dropped %d in-flight descriptors", e.q.Name(), n)
	}
	if !e.hwstamp {
		e.wake()
	}
	e.q.Reset()
	e.rung = 0
}
