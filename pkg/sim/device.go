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

// Package sim is a software model of the network device: the peer that
// consumes descriptors, performs offloads, writes completions and raises
// interrupts.
//
// The device only ever touches driver memory through bus addresses
// resolved in a dma.Space, so a driver bug that hands it a stale or
// wrongly-directed mapping surfaces as a fault instead of silent
// corruption.
//
// A Device can be stepped by hand, which keeps tests single-threaded and
// deterministic, or started to run on its own goroutine.
package sim

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sleep"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/intr"
)

// DefaultRxBacklog is the number of frames held per receive queue while
// no buffers are posted.
const DefaultRxBacklog = 256

// Completion status written for descriptors the device could not process.
const statusError = 1

// Options configures a Device.
type Options struct {
	// Space resolves bus addresses.
	Space *dma.Space

	// Clock stamps completions on queues with hardware timestamps.
	Clock tcpip.Clock

	// Loopback sends transmitted frames to the receive queues. Otherwise
	// they go to Sink.
	Loopback bool

	// Sink receives transmitted frames when Loopback is off. It is called
	// with the device locked and must not call back into the device.
	Sink func(frame []byte)

	// CoalesceTxCompletions writes one transmit completion per queue per
	// step, covering every descriptor processed in it.
	CoalesceTxCompletions bool

	// VLANStrip removes 802.1Q tags from received frames and reports them
	// in the completion.
	VLANStrip bool

	// EventQueues selects event notification: a completion queue raises
	// an event once per arm doorbell instead of interrupting.
	EventQueues bool

	// RxBacklog bounds the frames waiting for receive buffers, per queue.
	RxBacklog int

	// Interrupt is called, without device locks held, when an interrupt
	// fires.
	Interrupt func(index int)

	// Event is called, without device locks held, when an armed completion
	// queue gets a completion.
	Event func(qtype doorbell.QType, qid uint32)
}

// QueueConfig describes a queue and its completion queue to the device.
type QueueConfig struct {
	// HWIndex is the queue's id, used in doorbells.
	HWIndex uint32

	// Ring and SGRing are the bus addresses of the descriptor and
	// scatter-gather rings.
	Ring     dma.Addr
	SGRing   dma.Addr
	NumDescs int
	MaxSG    int

	// CQ is the bus address of the completion ring. It has the same
	// number of descriptors as the queue.
	CQ         dma.Addr
	CQDescSize int

	// Intr is the interrupt the completion queue is bound to.
	Intr int
}

// Stats are device counters.
type Stats struct {
	TxFrames      uint64
	TxBytes       uint64
	TxSegmented   uint64
	TxErrors      uint64
	RxFrames      uint64
	RxBytes       uint64
	RxNoBuf       uint64
	RxTruncated   uint64
	RxErrors      uint64
	LostDoorbells uint64
	Interrupts    uint64
	Events        uint64
}

type cqState struct {
	head  uint32
	color bool
	armed bool
}

type rxFrame struct {
	data []byte
	hash uint32
}

// ring is the device's view of one queue.
type ring struct {
	cfg   QueueConfig
	qtype doorbell.QType
	mask  uint16

	// posted is the producer index from the last doorbell and tail the
	// next descriptor the device consumes. Both are free-running.
	posted uint16
	tail   uint16

	cq cqState

	// backlog holds frames waiting for receive buffers.
	backlog []rxFrame
}

type irqState struct {
	masked  bool
	pending int64
	coal    uint32
}

type ringKey struct {
	qtype doorbell.QType
	qid   uint32
}

// notes collects notifications to deliver once the lock is dropped.
type notes struct {
	irqs   []int
	events []ringKey
}

// Device is a simulated network device. It implements doorbell.Ringer and
// intr.Ctrl.
type Device struct {
	opts Options

	mu sync.Mutex

	// +checklocks:mu
	rings map[ringKey]*ring
	// +checklocks:mu
	txRings []*ring
	// +checklocks:mu
	rxRings []*ring
	// +checklocks:mu
	irqs map[int]*irqState
	// +checklocks:mu
	loseDoorbells int
	// +checklocks:mu
	stats Stats

	kick       sleep.Waker
	closeWaker sleep.Waker
	wg         sync.WaitGroup
}

var _ doorbell.Ringer = (*Device)(nil)
var _ intr.Ctrl = (*Device)(nil)

// New returns a device with no queues.
func New(opts Options) (*Device, error) {
	if opts.Space == nil || opts.Clock == nil {
		return nil, fmt.Errorf("sim: space and clock are required")
	}
	if !opts.Loopback && opts.Sink == nil {
		opts.Sink = func([]byte) {}
	}
	if opts.RxBacklog == 0 {
		opts.RxBacklog = DefaultRxBacklog
	}
	return &Device{
		opts:  opts,
		rings: make(map[ringKey]*ring),
		irqs:  make(map[int]*irqState),
	}, nil
}

// AddTxQueue registers a transmit queue.
func (d *Device) AddTxQueue(cfg QueueConfig) error {
	return d.addQueue(doorbell.QTypeTx, cfg)
}

// AddRxQueue registers a receive queue. Received frames are spread over
// receive queues in registration order.
func (d *Device) AddRxQueue(cfg QueueConfig) error {
	return d.addQueue(doorbell.QTypeRx, cfg)
}

func (d *Device) addQueue(qtype doorbell.QType, cfg QueueConfig) error {
	if cfg.NumDescs <= 0 || cfg.NumDescs&(cfg.NumDescs-1) != 0 {
		return fmt.Errorf("sim: %v queue %d: ring size %d is not a power of 2", qtype, cfg.HWIndex, cfg.NumDescs)
	}
	if cfg.CQDescSize < desc.CompSize {
		return fmt.Errorf("sim: %v queue %d: completion size %d", qtype, cfg.HWIndex, cfg.CQDescSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := ringKey{qtype, cfg.HWIndex}
	if _, ok := d.rings[key]; ok {
		return fmt.Errorf("sim: %v queue %d already exists", qtype, cfg.HWIndex)
	}
	r := &ring{
		cfg:   cfg,
		qtype: qtype,
		mask:  uint16(cfg.NumDescs - 1),
		cq:    cqState{color: true},
	}
	d.rings[key] = r
	if qtype == doorbell.QTypeTx {
		d.txRings = append(d.txRings, r)
	} else {
		d.rxRings = append(d.rxRings, r)
	}
	if _, ok := d.irqs[cfg.Intr]; !ok {
		d.irqs[cfg.Intr] = &irqState{}
	}
	return nil
}

// Ring implements doorbell.Ringer.Ring. Ring 0 publishes a queue's
// producer index; ring 1 arms the queue's completion queue for an event.
func (d *Device) Ring(qtype doorbell.QType, val uint64) {
	v := doorbell.Decode(val)
	var n notes
	d.mu.Lock()
	r, ok := d.rings[ringKey{qtype, v.QID}]
	switch {
	case !ok:
		log.Warningf("sim: doorbell for unknown %v queue %d", qtype, v.QID)
	case v.Ring == 1:
		// Completions past the consumer's index are already waiting.
		if r.cq.head != uint32(v.Index) {
			n.events = append(n.events, ringKey{qtype, v.QID})
			d.stats.Events++
		} else {
			r.cq.armed = true
		}
	case d.loseDoorbells > 0:
		d.loseDoorbells--
		d.stats.LostDoorbells++
	default:
		r.posted = v.Index
	}
	d.mu.Unlock()
	d.deliver(&n)
	d.kick.Assert()
}

// Credits implements intr.Ctrl.Credits.
func (d *Device) Credits(index int, credits uint32, flags intr.CreditFlags) {
	var n notes
	d.mu.Lock()
	irq, ok := d.irqs[index]
	if !ok {
		d.mu.Unlock()
		log.Warningf("sim: credits for unknown interrupt %d", index)
		return
	}
	irq.pending = max(irq.pending-int64(credits), 0)
	if flags.Unmask {
		irq.masked = false
		// Completions written since the poll looked are still owed an
		// interrupt.
		if irq.pending > 0 {
			irq.masked = true
			n.irqs = append(n.irqs, index)
			d.stats.Interrupts++
		}
	}
	d.mu.Unlock()
	d.deliver(&n)
}

// Coalesce implements intr.Ctrl.Coalesce.
func (d *Device) Coalesce(index int, hw uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if irq, ok := d.irqs[index]; ok {
		irq.coal = hw
	}
}

// Coalescing returns the coalescing value last written to interrupt index.
func (d *Device) Coalescing(index int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if irq, ok := d.irqs[index]; ok {
		return irq.coal
	}
	return 0
}

// Masked reports whether interrupt index is masked.
func (d *Device) Masked(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	irq, ok := d.irqs[index]
	return ok && irq.masked
}

// LoseDoorbells makes the device ignore the next n producer doorbells, as
// if the writes were lost.
func (d *Device) LoseDoorbells(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loseDoorbells = n
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Inject delivers a frame from the wire to the receive queues.
func (d *Device) Inject(frame []byte) {
	d.mu.Lock()
	d.enqueueRx(append([]byte(nil), frame...))
	d.mu.Unlock()
	d.kick.Assert()
}

// Step processes every posted descriptor that can make progress and
// delivers the resulting notifications. It returns the number of
// descriptors consumed.
func (d *Device) Step() int {
	var n notes
	d.mu.Lock()
	work := 0
	for _, r := range d.txRings {
		work += d.processTx(r, &n)
	}
	for _, r := range d.rxRings {
		work += d.processRx(r, &n)
	}
	d.mu.Unlock()
	d.deliver(&n)
	return work
}

// Start runs the device on its own goroutine, stepping whenever a doorbell
// or injected frame arrives.
func (d *Device) Start() {
	d.closeWaker.Clear()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
}

// Stop stops the device goroutine.
func (d *Device) Stop() {
	d.closeWaker.Assert()
	d.wg.Wait()
}

func (d *Device) run() {
	s := sleep.Sleeper{}
	s.AddWaker(&d.kick)
	s.AddWaker(&d.closeWaker)
	defer s.Done()

	for {
		switch w := s.Fetch(true); w {
		case &d.kick:
		case &d.closeWaker:
			return
		default:
			panic("unknown waker")
		}
		for d.Step() > 0 {
		}
	}
}

func (d *Device) deliver(n *notes) {
	for _, i := range n.irqs {
		if d.opts.Interrupt != nil {
			d.opts.Interrupt(i)
		}
	}
	for _, k := range n.events {
		if d.opts.Event != nil {
			d.opts.Event(k.qtype, k.qid)
		}
	}
}

// writeComp fills the next completion queue descriptor of r and raises
// the notification it is owed.
//
// +checklocks:d.mu
func (d *Device) writeComp(r *ring, fill func(comp []byte, color bool), n *notes) error {
	size := r.cfg.CQDescSize
	b, err := d.opts.Space.Resolve(r.cfg.CQ+dma.Addr(int(r.cq.head)*size), size, true)
	if err != nil {
		return fmt.Errorf("completion %d: %w", r.cq.head, err)
	}
	if desc.HWStampOffset(size) >= 0 {
		desc.PutHWStamp(b, uint64(d.opts.Clock.Now().UnixNano()))
	}
	fill(b[desc.CompOffset(size):], r.cq.color)
	r.cq.head++
	if r.cq.head == uint32(r.cfg.NumDescs) {
		r.cq.head = 0
		r.cq.color = !r.cq.color
	}

	irq := d.irqs[r.cfg.Intr]
	irq.pending++
	if d.opts.EventQueues {
		if r.cq.armed {
			r.cq.armed = false
			n.events = append(n.events, ringKey{r.qtype, r.cfg.HWIndex})
			d.stats.Events++
		}
	} else if !irq.masked {
		irq.masked = true
		n.irqs = append(n.irqs, r.cfg.Intr)
		d.stats.Interrupts++
	}
	return nil
}
