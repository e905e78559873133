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

// Package napi provides the budgeted poll scheduler that drives completion
// processing.
//
// An Instance owns one poll function. Interrupts call Schedule; a dedicated
// goroutine then calls the poll function with a budget until it reports
// less work than the budget and completes with CompleteDone, at which point
// the poll function re-enables its interrupt and the instance sleeps until
// the next Schedule.
//
// Schedule while a poll is in progress marks the instance as missed, and
// the next CompleteDone declines so that the work is picked up by another
// poll rather than lost between the completion and the rearm.
package napi

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sleep"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"

	"gvisor.dev/nicq/pkg/stats"
)

const (
	// DefaultBudget is the work limit of one poll.
	DefaultBudget = 64

	// DefaultDeadline is the delay of the fallback timer that repolls a
	// queue whose doorbell may have been missed.
	DefaultDeadline = 5 * time.Millisecond
)

// State bits.
const (
	stateSched = 1 << iota
	stateMissed
	stateDisabled
)

// PollFunc processes up to budget units of work and returns the amount
// done. When it returns less than budget it must call CompleteDone.
type PollFunc func(budget int) int

// Options configures an Instance.
type Options struct {
	// Name identifies the instance in logs.
	Name string

	// Budget is passed to every poll.
	Budget int

	// Poll is the poll function.
	Poll PollFunc

	// Clock drives the fallback timer.
	Clock tcpip.Clock

	// Deadline is the fallback timer delay.
	Deadline time.Duration

	// Stats receives one sample per poll.
	Stats *stats.NAPIStats
}

// Instance is a poll scheduler for one interrupt.
type Instance struct {
	name     string
	budget   int
	poll     PollFunc
	clock    tcpip.Clock
	deadline time.Duration
	stats    *stats.NAPIStats

	state atomicbitops.Uint32

	pollWaker  sleep.Waker
	closeWaker sleep.Waker
	wg         sync.WaitGroup

	timerMu sync.Mutex
	// +checklocks:timerMu
	timer tcpip.Timer
}

// New returns a stopped instance.
func New(opts Options) (*Instance, error) {
	if opts.Poll == nil || opts.Clock == nil {
		return nil, fmt.Errorf("napi: %s: poll function and clock are required", opts.Name)
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Deadline == 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewNAPIStats(opts.Budget)
	}
	i := &Instance{
		name:     opts.Name,
		budget:   opts.Budget,
		poll:     opts.Poll,
		clock:    opts.Clock,
		deadline: opts.Deadline,
		stats:    opts.Stats,
	}
	i.state.Store(stateDisabled)
	return i, nil
}

// Budget returns the per-poll work limit.
func (i *Instance) Budget() int { return i.budget }

// Stats returns the poll counters.
func (i *Instance) Stats() *stats.NAPIStats { return i.stats }

// Enable allows scheduling without starting the poll goroutine. Polls are
// then run by the caller with RunPending.
func (i *Instance) Enable() {
	i.closeWaker.Clear()
	i.state.Store(0)
}

// Start enables scheduling and launches the poll goroutine.
func (i *Instance) Start() {
	i.Enable()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.run()
	}()
}

// Stop disables scheduling and waits for the poll goroutine to exit. A poll
// in progress runs to completion first.
func (i *Instance) Stop() {
	for {
		old := i.state.Load()
		if old&stateDisabled != 0 {
			return
		}
		if i.state.CompareAndSwap(old, old|stateDisabled) {
			break
		}
	}
	i.closeWaker.Assert()
	i.wg.Wait()

	i.timerMu.Lock()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timerMu.Unlock()
	log.Debugf("%s: polling stopped", i.name)
}

// Schedule requests a poll. It reports whether this call scheduled it; if
// a poll was already pending or running the request is recorded as missed
// instead.
func (i *Instance) Schedule() bool {
	for {
		old := i.state.Load()
		if old&stateDisabled != 0 {
			return false
		}
		nv := old | stateSched
		if old&stateSched != 0 {
			nv |= stateMissed
		}
		if i.state.CompareAndSwap(old, nv) {
			if old&stateSched != 0 {
				return false
			}
			i.pollWaker.Assert()
			return true
		}
	}
}

// Scheduled reports whether a poll is pending or running.
func (i *Instance) Scheduled() bool {
	return i.state.Load()&stateSched != 0
}

// CompleteDone ends the current polling cycle after a poll that did work
// units of work. It returns false if a Schedule arrived during the cycle;
// the instance then stays scheduled and the caller must leave its
// interrupt masked.
func (i *Instance) CompleteDone(work int) bool {
	for {
		old := i.state.Load()
		nv := old &^ (stateSched | stateMissed)
		if old&stateMissed != 0 {
			nv |= stateSched
		}
		if i.state.CompareAndSwap(old, nv) {
			return old&stateMissed == 0
		}
	}
}

// ArmDeadline (re)starts the fallback timer, which schedules a poll when
// it fires.
func (i *Instance) ArmDeadline() {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	if i.timer == nil {
		i.timer = i.clock.AfterFunc(i.deadline, func() { i.Schedule() })
		return
	}
	i.timer.Reset(i.deadline)
}

// StopDeadline cancels the fallback timer.
func (i *Instance) StopDeadline() {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	if i.timer != nil {
		i.timer.Stop()
	}
}

// RunPending polls on the caller's goroutine for as long as the instance
// stays scheduled and returns the total work done. It is for instances
// that were enabled but not started.
func (i *Instance) RunPending() int {
	total := 0
	for i.state.Load()&(stateSched|stateDisabled) == stateSched {
		total += i.pollOnce()
	}
	return total
}

func (i *Instance) pollOnce() int {
	work := i.poll(i.budget)
	i.stats.Record(work)
	if work > i.budget {
		log.Warningf("%s: poll did %d work with a budget of %d", i.name, work, i.budget)
	}
	return work
}

func (i *Instance) run() {
	s := sleep.Sleeper{}
	s.AddWaker(&i.pollWaker)
	s.AddWaker(&i.closeWaker)
	defer s.Done()

	for {
		switch w := s.Fetch(true); w {
		case &i.pollWaker:
		case &i.closeWaker:
			return
		default:
			panic("unknown waker")
		}
		// Keep polling while the poll function uses its whole budget or
		// declines to complete.
		for i.state.Load()&(stateSched|stateDisabled) == stateSched {
			i.pollOnce()
		}
	}
}
