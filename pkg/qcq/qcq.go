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

// Package qcq binds a queue, its completion queue and its interrupt, and
// provides the poll functions that service them.
//
// A poll services completions within its budget, refills the receive ring,
// and then either re-enables the interrupt or leaves it masked for another
// poll. Interrupts are re-enabled in one of two ways: by returning credits
// with the unmask flag to the interrupt controller, or, when the device
// signals through event queues, by ringing the completion queue's doorbell
// with the arm bit set once per event. A poll that found no work pokes the
// queue doorbells in case the device missed one and keeps a fallback timer
// running while work is outstanding.
package qcq

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/cq"
	"gvisor.dev/nicq/pkg/dim"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/intr"
	"gvisor.dev/nicq/pkg/napi"
	"gvisor.dev/nicq/pkg/rx"
	"gvisor.dev/nicq/pkg/stats"
	"gvisor.dev/nicq/pkg/tx"
)

// DefaultTxBudget is the transmit budget of a combined poll.
const DefaultTxBudget = 256

// Config holds the device-wide settings shared by all pollers.
type Config struct {
	// Ctrl is the interrupt control block.
	Ctrl intr.Ctrl

	// Ringer rings completion queue doorbells in event-queue mode.
	Ringer doorbell.Ringer

	// Clock samples time for adaptive moderation.
	Clock tcpip.Clock

	// UseEQ selects event-queue notification instead of interrupt credits.
	UseEQ bool

	// TxBudget is the transmit budget of a combined poll.
	TxBudget int

	// FillThreshold and FillDiv bound the free receive slots needed
	// before a poll refills: min(FillThreshold, cq size / FillDiv).
	FillThreshold int
	FillDiv       int
}

func (c *Config) setDefaults() {
	if c.TxBudget == 0 {
		c.TxBudget = DefaultTxBudget
	}
	if c.FillThreshold == 0 {
		c.FillThreshold = rx.DefaultFillThreshold
	}
	if c.FillDiv == 0 {
		c.FillDiv = rx.DefaultFillDiv
	}
}

// QCQ is a completion queue and the interrupt it is bound to.
type QCQ struct {
	CQ   *cq.CQ
	Intr *intr.Info

	// Polls counts this queue's polls and their work.
	Polls *stats.NAPIStats

	// DIM, if set, adapts the interrupt's coalescing.
	DIM *dim.DIM

	qtype doorbell.QType

	// armed is set once the completion queue has been armed for an event
	// and cleared when the event arrives.
	armed atomicbitops.Bool
}

// Armed reports whether the completion queue is armed for an event.
func (q *QCQ) Armed() bool { return q.armed.Load() }

// Arm requests an event for the next completion. It rings at most once
// per event; queues are armed when they are enabled and again by each poll
// that completes.
func (q *QCQ) Arm(r doorbell.Ringer) {
	if q.armed.CompareAndSwap(false, true) {
		r.Ring(q.qtype, q.CQ.DoorbellValue(true))
	}
}

// EnableDIM attaches adaptive moderation to q's interrupt. Chosen profiles
// are converted to device units with mult and div and written to ctrl. It
// does nothing if the device does not report its coalescing clock.
func (q *QCQ) EnableDIM(ctrl intr.Ctrl, profiles []uint32, mult, div uint32) error {
	if mult == 0 || div == 0 {
		return nil
	}
	d, err := dim.New(dim.Options{
		Profiles: profiles,
		Start:    dim.DefaultProfile,
		Apply: func(usecs uint32) {
			hw := max(intr.CoalUsecToHW(mult, div, usecs), 1)
			if q.Intr.DimCoalHW.Swap(hw) != hw {
				ctrl.Coalesce(q.Intr.Index, hw)
			}
		},
	})
	if err != nil {
		return err
	}
	q.Intr.DimCoalHW.Store(max(intr.CoalUsecToHW(mult, div, d.Usecs()), 1))
	ctrl.Coalesce(q.Intr.Index, q.Intr.DimCoalHW.Load())
	q.DIM = d
	return nil
}

// Tx is a transmit queue with its completion queue.
type Tx struct {
	QCQ
	Engine *tx.Engine
}

// NewTx binds a transmit engine to its completion queue and interrupt.
func NewTx(eng *tx.Engine, c *cq.CQ, info *intr.Info, budget int) *Tx {
	return &Tx{
		QCQ:    QCQ{CQ: c, Intr: info, Polls: stats.NewNAPIStats(budget), qtype: eng.Queue().Type()},
		Engine: eng,
	}
}

// Rx is a receive queue with its completion queue.
type Rx struct {
	QCQ
	Engine *rx.Engine
}

// NewRx binds a receive engine to its completion queue and interrupt.
func NewRx(eng *rx.Engine, c *cq.CQ, info *intr.Info, budget int) *Rx {
	return &Rx{
		QCQ:    QCQ{CQ: c, Intr: info, Polls: stats.NewNAPIStats(budget), qtype: eng.Queue().Type()},
		Engine: eng,
	}
}

// Poller is the poll function of one interrupt. It services a transmit
// queue, a receive queue, or both when they share the interrupt.
//
// Poll runs only on the napi instance's goroutine.
type Poller struct {
	cfg  Config
	tx   *Tx
	rx   *Rx
	napi *napi.Instance
	poll napi.PollFunc
	intr *QCQ
}

// NewTxPoller returns a poller for a transmit queue with its own
// interrupt. opts.Poll is set by the poller.
func NewTxPoller(cfg Config, t *Tx, opts napi.Options) (*Poller, error) {
	p := &Poller{tx: t, intr: &t.QCQ}
	p.poll = p.pollTx
	return p.init(cfg, opts)
}

// NewRxPoller returns a poller for a receive queue with its own interrupt.
func NewRxPoller(cfg Config, r *Rx, opts napi.Options) (*Poller, error) {
	p := &Poller{rx: r, intr: &r.QCQ}
	p.poll = p.pollRx
	return p.init(cfg, opts)
}

// NewTxRxPoller returns a poller for a queue pair sharing the receive
// queue's interrupt.
func NewTxRxPoller(cfg Config, t *Tx, r *Rx, opts napi.Options) (*Poller, error) {
	p := &Poller{tx: t, rx: r, intr: &r.QCQ}
	p.poll = p.pollTxRx
	return p.init(cfg, opts)
}

func (p *Poller) init(cfg Config, opts napi.Options) (*Poller, error) {
	if cfg.Ctrl == nil || cfg.Clock == nil || (cfg.UseEQ && cfg.Ringer == nil) {
		return nil, fmt.Errorf("qcq: interrupt controller, clock and (with event queues) ringer are required")
	}
	cfg.setDefaults()
	p.cfg = cfg
	opts.Poll = p.Poll
	if opts.Stats == nil {
		opts.Stats = p.intr.Polls
	}
	var err error
	if p.napi, err = napi.New(opts); err != nil {
		return nil, err
	}
	return p, nil
}

// NAPI returns the poller's scheduler.
func (p *Poller) NAPI() *napi.Instance { return p.napi }

// Interrupt handles the poller's interrupt.
func (p *Poller) Interrupt() {
	p.napi.Schedule()
}

// Event handles an event-queue notification for q, which consumes its
// arm.
func (p *Poller) Event(q *QCQ) {
	q.armed.Store(false)
	p.napi.Schedule()
}

// ArmTimer starts the fallback timer. Engines call it after ringing a
// doorbell.
func (p *Poller) ArmTimer() {
	p.napi.ArmDeadline()
}

// Poll implements napi.PollFunc.
func (p *Poller) Poll(budget int) int {
	return p.poll(budget)
}

func (p *Poller) pollTx(budget int) int {
	work := p.tx.CQ.Service(budget, p.tx.Engine.Service)
	p.complete(budget, work, work, &p.tx.QCQ)
	if work == 0 && p.tx.Engine.PokeDoorbell() {
		p.napi.ArmDeadline()
	}
	return work
}

func (p *Poller) pollRx(budget int) int {
	work := p.rx.CQ.Service(budget, p.rx.Engine.Service)
	p.refill(work)
	p.complete(budget, work, work, &p.rx.QCQ)
	if work == 0 && p.rx.Engine.PokeDoorbell() {
		p.napi.ArmDeadline()
	}
	return work
}

// pollTxRx services the transmit queue with its own budget, then the
// receive queue with the poll budget. Only receive work counts against
// the budget; the credits returned cover both.
func (p *Poller) pollTxRx(budget int) int {
	txWork := p.tx.CQ.Service(p.cfg.TxBudget, p.tx.Engine.Service)
	rxWork := p.rx.CQ.Service(budget, p.rx.Engine.Service)
	p.refill(rxWork)
	p.complete(budget, rxWork, txWork+rxWork, &p.rx.QCQ, &p.tx.QCQ)
	p.tx.Polls.Record(txWork)

	resched := false
	if rxWork == 0 && p.rx.Engine.PokeDoorbell() {
		resched = true
	}
	if txWork == 0 && p.tx.Engine.PokeDoorbell() {
		resched = true
	}
	if resched {
		p.napi.ArmDeadline()
	}
	return rxWork
}

// refill tops up the receive ring once enough slots are free.
func (p *Poller) refill(work int) {
	if work == 0 {
		return
	}
	threshold := min(uint32(p.cfg.FillThreshold), p.rx.CQ.NumDescs()/uint32(p.cfg.FillDiv))
	if p.rx.Engine.Queue().SpaceAvail() >= threshold {
		p.rx.Engine.Fill()
	}
}

// complete ends a poll: if the work fit the budget and the scheduler
// agrees, the interrupt is re-enabled. Credits are returned to the
// interrupt in interrupt mode; in event-queue mode each queue in arm is
// armed instead.
func (p *Poller) complete(budget, work, credits int, arm ...*QCQ) {
	var flags intr.CreditFlags
	if work < budget && p.napi.CompleteDone(work) {
		flags.Unmask = true
		p.intr.Intr.CountRearm()
	}
	if work == 0 && !flags.Unmask {
		return
	}
	flags.ResetCoalesce = true
	if p.cfg.UseEQ {
		for _, q := range arm {
			q.Arm(p.cfg.Ringer)
		}
		return
	}
	if flags.Unmask {
		p.updateDIM()
	}
	p.intr.Intr.Credit(p.cfg.Ctrl, uint32(credits), flags)
}

// updateDIM feeds the interrupt's moderation with the counters of the
// queues it serves.
func (p *Poller) updateDIM() {
	q := p.intr
	if q.DIM == nil || q.Intr.DimCoalHW.Load() == 0 {
		return
	}
	s := dim.Sample{
		At:     p.cfg.Clock.NowMonotonic(),
		Events: q.Intr.Rearms(),
	}
	if p.tx != nil {
		st := p.tx.Engine.Stats()
		s.Packets += st.Packets.Value()
		s.Bytes += st.Bytes.Value()
	}
	if p.rx != nil {
		st := p.rx.Engine.Stats()
		s.Packets += st.Packets.Value()
		s.Bytes += st.Bytes.Value()
	}
	q.DIM.Update(s)
}

// TxFlush services every pending transmit completion outside of polling,
// returning credits for them in interrupt mode. It returns the number of
// completions consumed.
func TxFlush(cfg Config, t *Tx) int {
	work := t.CQ.Service(int(t.CQ.NumDescs()), t.Engine.Service)
	if work > 0 && !cfg.UseEQ && cfg.Ctrl != nil {
		t.Intr.Credit(cfg.Ctrl, uint32(work), intr.CreditFlags{ResetCoalesce: true})
	}
	if work > 0 {
		log.Debugf("%s: flushed %d completions", t.CQ.Name(), work)
	}
	return work
}
