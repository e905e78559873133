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

// Package lif assembles a logical interface: transmit and receive queue
// pairs with their completion queues, interrupts and pollers, bound to a
// device.
package lif

import (
	"fmt"

	"go.uber.org/multierr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/config"
	"gvisor.dev/nicq/pkg/cq"
	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dim"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/intr"
	"gvisor.dev/nicq/pkg/napi"
	"gvisor.dev/nicq/pkg/packet"
	"gvisor.dev/nicq/pkg/pagepool"
	"gvisor.dev/nicq/pkg/qcq"
	"gvisor.dev/nicq/pkg/queue"
	"gvisor.dev/nicq/pkg/rx"
	"gvisor.dev/nicq/pkg/sim"
	"gvisor.dev/nicq/pkg/stats"
	"gvisor.dev/nicq/pkg/tx"
)

// Device is the hardware a LIF drives.
type Device interface {
	doorbell.Ringer
	intr.Ctrl
	AddTxQueue(cfg sim.QueueConfig) error
	AddRxQueue(cfg sim.QueueConfig) error
}

// Options configures a LIF.
type Options struct {
	Config config.Config
	Device Device

	// Mapper maps rings and packet memory for the device.
	Mapper dma.Mapper

	Clock tcpip.Clock

	// Receiver gets every received packet.
	Receiver rx.Receiver

	// Allocator supplies packet buffers. Nil uses the heap.
	Allocator packet.Allocator

	// Wake, if set, is called when a stopped transmit queue has room
	// again.
	Wake func(queue int)

	// Collector, if set, exports the queue and poller counters.
	Collector *stats.Collector

	// Manual leaves polling to the caller: Start enables the pollers
	// without starting their goroutines, and RunPending runs them.
	Manual bool
}

type eventKey struct {
	qtype doorbell.QType
	qid   uint32
}

type eventRoute struct {
	p *qcq.Poller
	q *qcq.QCQ
}

// LIF is a logical interface.
type LIF struct {
	cfg    config.Config
	dev    Device
	mapper dma.Mapper
	manual bool
	pcfg   qcq.Config
	arena  *pagepool.Arena

	txqs    []*qcq.Tx
	rxqs    []*qcq.Rx
	hwstamp *qcq.Tx
	pollers []*qcq.Poller

	// intrs maps interrupt indices to their pollers.
	intrs  []*qcq.Poller
	nintr  int
	events map[eventKey]eventRoute

	mu sync.Mutex
	// +checklocks:mu
	started bool
	// +checklocks:mu
	stopped bool
	// +checklocks:mu
	closed bool

	// upMu is held for reading across Xmit, so Stop cannot empty or free
	// the rings under a producer.
	upMu sync.RWMutex
	// +checklocks:upMu
	up bool
}

// New builds the queues of a LIF and registers them with the device.
// Polling starts with Start.
func New(opts Options) (*LIF, error) {
	if opts.Device == nil || opts.Mapper == nil || opts.Clock == nil || opts.Receiver == nil {
		return nil, fmt.Errorf("lif: device, mapper, clock and receiver are required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lif: %w", err)
	}
	if opts.Allocator == nil {
		opts.Allocator = packet.HeapAllocator{}
	}
	l := &LIF{
		cfg:    cfg,
		dev:    opts.Device,
		mapper: opts.Mapper,
		manual: opts.Manual,
		pcfg: qcq.Config{
			Ctrl:          opts.Device,
			Ringer:        opts.Device,
			Clock:         opts.Clock,
			UseEQ:         cfg.UseEQ,
			TxBudget:      cfg.Tx.Budget,
			FillThreshold: cfg.Rx.FillThreshold,
			FillDiv:       cfg.Rx.FillDiv,
		},
		events: make(map[eventKey]eventRoute),
	}
	var err error
	l.arena, err = pagepool.New(pagepool.Options{
		PageSize:     cfg.Pages.Size,
		ChunkPages:   cfg.Pages.ChunkPages,
		MaxPages:     cfg.Pages.MaxPages,
		ReserveAbove: cfg.Pages.ReserveAbove,
	})
	if err != nil {
		return nil, fmt.Errorf("lif: %w", err)
	}
	if err := l.build(&opts); err != nil {
		return nil, multierr.Append(err, l.release())
	}
	log.Infof("%s: %d queue pairs, split interrupts %t, event queues %t", cfg.Name, cfg.Queues, cfg.SplitIntr, cfg.UseEQ)
	return l, nil
}

func (l *LIF) napiOptions(name string) napi.Options {
	return napi.Options{
		Name:     name,
		Budget:   l.cfg.NAPI.Budget,
		Clock:    l.pcfg.Clock,
		Deadline: l.cfg.NAPI.Deadline,
	}
}

func (l *LIF) newIntr() *intr.Info {
	info := &intr.Info{Index: l.nintr}
	l.nintr++
	return info
}

// bindIntr records p as the poller of info's interrupt.
func (l *LIF) bindIntr(info *intr.Info, p *qcq.Poller) {
	for len(l.intrs) <= info.Index {
		l.intrs = append(l.intrs, nil)
	}
	l.intrs[info.Index] = p
	l.pollers = append(l.pollers, p)
}

func (l *LIF) build(opts *Options) error {
	cfg := &l.cfg
	for i := 0; i < cfg.Queues; i++ {
		rxInfo := l.newIntr()
		// Queues are created before their poller, which the engines' hooks
		// reach through these slots.
		var rxPoller, txPoller *qcq.Poller
		r, err := l.newRx(i, rxInfo, opts, func() { rxPoller.ArmTimer() })
		if err != nil {
			return err
		}
		txInfo := rxInfo
		if cfg.SplitIntr {
			txInfo = l.newIntr()
		}
		t, err := l.newTx(i, false, txInfo, opts, func() { txPoller.ArmTimer() })
		if err != nil {
			return err
		}

		rxName := fmt.Sprintf("%s-txrx%d", cfg.Name, i)
		txName := rxName
		if cfg.SplitIntr {
			rxName = fmt.Sprintf("%s-rx%d", cfg.Name, i)
			txName = fmt.Sprintf("%s-tx%d", cfg.Name, i)
			if rxPoller, err = qcq.NewRxPoller(l.pcfg, r, l.napiOptions(rxName)); err != nil {
				return err
			}
			if txPoller, err = qcq.NewTxPoller(l.pcfg, t, l.napiOptions(txName)); err != nil {
				return err
			}
			l.bindIntr(rxInfo, rxPoller)
			l.bindIntr(txInfo, txPoller)
		} else {
			if rxPoller, err = qcq.NewTxRxPoller(l.pcfg, t, r, l.napiOptions(rxName)); err != nil {
				return err
			}
			txPoller = rxPoller
			l.bindIntr(rxInfo, rxPoller)
		}
		l.events[eventKey{doorbell.QTypeRx, r.CQ.HWIndex()}] = eventRoute{rxPoller, &r.QCQ}
		l.events[eventKey{doorbell.QTypeTx, t.CQ.HWIndex()}] = eventRoute{txPoller, &t.QCQ}

		if err := l.moderate(&r.QCQ, dim.DefaultRxProfiles, cfg.DIM.RxUsecs); err != nil {
			return err
		}
		if cfg.SplitIntr {
			if err := l.moderate(&t.QCQ, dim.DefaultTxProfiles, cfg.DIM.TxUsecs); err != nil {
				return err
			}
		}
		if c := opts.Collector; c != nil {
			c.AddNAPI(rxName, r.Polls)
			if cfg.SplitIntr {
				c.AddNAPI(txName, t.Polls)
			}
		}
	}

	if cfg.HWStampQueue {
		info := l.newIntr()
		var p *qcq.Poller
		t, err := l.newTx(cfg.Queues, true, info, opts, func() { p.ArmTimer() })
		if err != nil {
			return err
		}
		l.hwstamp = t
		name := fmt.Sprintf("%s-hwstamp", cfg.Name)
		if p, err = qcq.NewTxPoller(l.pcfg, t, l.napiOptions(name)); err != nil {
			return err
		}
		l.bindIntr(info, p)
		l.events[eventKey{doorbell.QTypeTx, t.CQ.HWIndex()}] = eventRoute{p, &t.QCQ}
		if opts.Collector != nil {
			opts.Collector.AddNAPI(name, t.Polls)
		}
	}
	return nil
}

// moderate sets up interrupt moderation for q: adaptive if enabled,
// otherwise a fixed coalescing time.
func (l *LIF) moderate(q *qcq.QCQ, profiles []uint32, usecs uint32) error {
	d := l.cfg.DIM
	if d.Enabled {
		return q.EnableDIM(l.dev, profiles, d.Mult, d.Div)
	}
	if hw := intr.CoalUsecToHW(d.Mult, d.Div, usecs); hw != 0 {
		l.dev.Coalesce(q.Intr.Index, hw)
	}
	return nil
}

func (l *LIF) newCQ(name string, hwIndex uint32, n, descSize int) (*cq.CQ, error) {
	return cq.New(cq.Options{
		Name:     name,
		HWIndex:  hwIndex,
		NumDescs: n,
		DescSize: descSize,
		Mapper:   l.mapper,
	})
}

func (l *LIF) newRx(i int, info *intr.Info, opts *Options, armTimer func()) (*qcq.Rx, error) {
	cfg := &l.cfg
	name := fmt.Sprintf("%s-rxq%d", cfg.Name, i)
	q, err := queue.New(queue.Options{
		Name:       name,
		Index:      uint32(i),
		HWIndex:    uint32(i),
		Type:       doorbell.QTypeRx,
		NumDescs:   cfg.Rx.RingSize,
		DescSize:   desc.RxDescSize,
		SGElemSize: desc.RxSGElemSize,
		MaxSGElems: cfg.Rx.MaxSG,
		Mapper:     l.mapper,
		Doorbell:   l.dev,
	})
	if err != nil {
		return nil, err
	}
	c, err := l.newCQ(fmt.Sprintf("%s-rxcq%d", cfg.Name, i), uint32(i), cfg.Rx.RingSize, desc.CompSize)
	if err != nil {
		return nil, multierr.Append(err, q.Close())
	}
	eng, err := rx.New(rx.Options{
		Queue:               q,
		Arena:               l.arena,
		Mapper:              l.mapper,
		Allocator:           opts.Allocator,
		Receiver:            opts.Receiver,
		Clock:               l.pcfg.Clock,
		MTU:                 cfg.MTU,
		CopyBreak:           cfg.Rx.CopyBreak,
		SplitSize:           cfg.Rx.SplitSize,
		MinDoorbellDeadline: cfg.Rx.MinDoorbellDeadline,
		MaxDoorbellDeadline: cfg.Rx.MaxDoorbellDeadline,
		Features:            rx.Features{Hash: true, Csum: true, VLANStrip: cfg.Rx.VLANStrip},
		ArmTimer:            armTimer,
	})
	if err == nil {
		err = l.dev.AddRxQueue(sim.QueueConfig{
			HWIndex:    uint32(i),
			Ring:       q.Base(),
			SGRing:     q.SGBase(),
			NumDescs:   cfg.Rx.RingSize,
			MaxSG:      cfg.Rx.MaxSG,
			CQ:         c.Base(),
			CQDescSize: desc.CompSize,
			Intr:       info.Index,
		})
	}
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("%s: %w", name, err), c.Close(), q.Close())
	}
	r := qcq.NewRx(eng, c, info, cfg.NAPI.Budget)
	l.rxqs = append(l.rxqs, r)
	if opts.Collector != nil {
		opts.Collector.AddQueue(name, eng.Stats())
	}
	return r, nil
}

func (l *LIF) newTx(i int, hwstamp bool, info *intr.Info, opts *Options, armTimer func()) (*qcq.Tx, error) {
	cfg := &l.cfg
	name := fmt.Sprintf("%s-txq%d", cfg.Name, i)
	cqSize := desc.CompSize
	if hwstamp {
		name = fmt.Sprintf("%s-txq-hwstamp", cfg.Name)
		cqSize = desc.HWStampCompDescSize
	}
	q, err := queue.New(queue.Options{
		Name:       name,
		Index:      uint32(i),
		HWIndex:    uint32(i),
		Type:       doorbell.QTypeTx,
		NumDescs:   cfg.Tx.RingSize,
		DescSize:   desc.TxDescSize,
		SGElemSize: desc.TxSGElemSize,
		MaxSGElems: cfg.Tx.MaxSG,
		Mapper:     l.mapper,
		Doorbell:   l.dev,
	})
	if err != nil {
		return nil, err
	}
	c, err := l.newCQ(name+"-cq", uint32(i), cfg.Tx.RingSize, cqSize)
	if err != nil {
		return nil, multierr.Append(err, q.Close())
	}
	var wake func()
	if opts.Wake != nil && !hwstamp {
		wake = func() { opts.Wake(i) }
	}
	eng, err := tx.New(tx.Options{
		Queue:            q,
		Mapper:           l.mapper,
		Allocator:        opts.Allocator,
		Clock:            l.pcfg.Clock,
		DoorbellDeadline: cfg.Tx.DoorbellDeadline,
		StopThreshold:    cfg.Tx.StopThreshold,
		HWStamp:          hwstamp,
		ArmTimer:         armTimer,
		Wake:             wake,
	})
	if err == nil {
		err = l.dev.AddTxQueue(sim.QueueConfig{
			HWIndex:    uint32(i),
			Ring:       q.Base(),
			SGRing:     q.SGBase(),
			NumDescs:   cfg.Tx.RingSize,
			MaxSG:      cfg.Tx.MaxSG,
			CQ:         c.Base(),
			CQDescSize: cqSize,
			Intr:       info.Index,
		})
	}
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("%s: %w", name, err), c.Close(), q.Close())
	}
	t := qcq.NewTx(eng, c, info, cfg.NAPI.Budget)
	// The timestamp queue is outside Xmit's queue selection.
	if !hwstamp {
		l.txqs = append(l.txqs, t)
	}
	if opts.Collector != nil {
		opts.Collector.AddQueue(name, eng.Stats())
	}
	return t, nil
}

// allTx returns the transmit queues including the timestamp queue.
func (l *LIF) allTx() []*qcq.Tx {
	if l.hwstamp == nil {
		return l.txqs
	}
	return append(l.txqs[:len(l.txqs):len(l.txqs)], l.hwstamp)
}

// NumQueues returns the number of queue pairs.
func (l *LIF) NumQueues() int { return len(l.txqs) }

// Tx returns transmit queue i.
func (l *LIF) Tx(i int) *qcq.Tx { return l.txqs[i] }

// Rx returns receive queue i.
func (l *LIF) Rx(i int) *qcq.Rx { return l.rxqs[i] }

// HWStamp returns the timestamp queue, or nil.
func (l *LIF) HWStamp() *qcq.Tx { return l.hwstamp }

// Pollers returns every poller.
func (l *LIF) Pollers() []*qcq.Poller { return l.pollers }

// Start fills the receive rings and starts polling.
func (l *LIF) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.stopped {
		return fmt.Errorf("lif: %s is stopped", l.cfg.Name)
	}
	if l.started {
		return nil
	}
	for _, p := range l.pollers {
		if l.manual {
			p.NAPI().Enable()
		} else {
			p.NAPI().Start()
		}
	}
	for _, r := range l.rxqs {
		r.Engine.Fill()
	}
	if l.cfg.UseEQ {
		for _, r := range l.rxqs {
			r.Arm(l.dev)
		}
		for _, t := range l.txqs {
			t.Arm(l.dev)
		}
		if l.hwstamp != nil {
			l.hwstamp.Arm(l.dev)
		}
	}
	l.upMu.Lock()
	l.up = true
	l.upMu.Unlock()
	l.started = true
	log.Infof("%s: started", l.cfg.Name)
	return nil
}

// Stop stops polling, flushes completed transmissions and empties every
// ring. Packets still in flight are released without completing. The rings
// are rewound, so a stopped LIF cannot be started again.
func (l *LIF) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// +checklocks:l.mu
func (l *LIF) stopLocked() {
	if !l.started {
		return
	}
	l.upMu.Lock()
	l.up = false
	l.upMu.Unlock()
	l.started = false
	l.stopped = true
	for _, p := range l.pollers {
		p.NAPI().Stop()
	}
	txqs := l.allTx()
	for _, t := range txqs {
		qcq.TxFlush(l.pcfg, t)
		t.Engine.Empty()
	}
	for _, r := range l.rxqs {
		r.Engine.Empty()
	}
	log.Infof("%s: stopped", l.cfg.Name)
}

// Close stops the LIF and frees its queues and pages.
func (l *LIF) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.stopLocked()
	l.closed = true
	return l.release()
}

func (l *LIF) release() error {
	var err error
	txqs := l.allTx()
	for _, t := range txqs {
		err = multierr.Append(err, t.Engine.Queue().Close())
		err = multierr.Append(err, t.CQ.Close())
	}
	for _, r := range l.rxqs {
		err = multierr.Append(err, r.Engine.Queue().Close())
		err = multierr.Append(err, r.CQ.Close())
	}
	return multierr.Append(err, l.arena.Close())
}

// Xmit sends p on the queue it selects, or on the timestamp queue if it
// wants a hardware timestamp and the LIF has one. Packets sent while the
// LIF is not started are dropped.
func (l *LIF) Xmit(p *packet.Outbound, more bool) tx.Verdict {
	t := l.txFor(p)
	l.upMu.RLock()
	defer l.upMu.RUnlock()
	if !l.up {
		t.Engine.Stats().Dropped.Increment()
		p.Release()
		return tx.Dropped
	}
	return t.Engine.Xmit(p, more)
}

func (l *LIF) txFor(p *packet.Outbound) *qcq.Tx {
	if p.WantTimestamp && l.hwstamp != nil {
		return l.hwstamp
	}
	i := p.Queue
	if i < 0 || i >= len(l.txqs) {
		i = 0
	}
	return l.txqs[i]
}

// Interrupt handles device interrupt index.
func (l *LIF) Interrupt(index int) {
	if index < 0 || index >= len(l.intrs) || l.intrs[index] == nil {
		log.Warningf("%s: spurious interrupt %d", l.cfg.Name, index)
		return
	}
	l.intrs[index].Interrupt()
}

// Event handles a completion event for a queue.
func (l *LIF) Event(qtype doorbell.QType, qid uint32) {
	r, ok := l.events[eventKey{qtype, qid}]
	if !ok {
		log.Warningf("%s: event for unknown %v queue %d", l.cfg.Name, qtype, qid)
		return
	}
	r.p.Event(r.q)
}

// RunPending runs every scheduled poll on the caller's goroutine until
// none is pending, and returns the work done. It is for LIFs started in
// manual mode.
func (l *LIF) RunPending() int {
	total := 0
	for {
		work, pending := 0, false
		for _, p := range l.pollers {
			work += p.NAPI().RunPending()
			pending = pending || p.NAPI().Scheduled()
		}
		total += work
		if work == 0 && !pending {
			return total
		}
	}
}

// Totals are counters summed over a LIF's queues.
type Totals struct {
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
	TxBusy    uint64
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
}

// Totals sums the queue counters.
func (l *LIF) Totals() Totals {
	var t Totals
	txqs := l.allTx()
	for _, q := range txqs {
		s := q.Engine.Stats()
		t.TxPackets += s.Packets.Value()
		t.TxBytes += s.Bytes.Value()
		t.TxDropped += s.Dropped.Value()
		t.TxBusy += s.Busy.Value()
	}
	for _, q := range l.rxqs {
		s := q.Engine.Stats()
		t.RxPackets += s.Packets.Value()
		t.RxBytes += s.Bytes.Value()
		t.RxDropped += s.Dropped.Value()
	}
	return t
}
