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

package napi

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/faketime"
)

// scriptedPoll returns the work amounts in order and completes whenever
// it reports less than the budget.
type scriptedPoll struct {
	i         *Instance
	work      []int
	budgets   []int
	completed []bool
}

func (p *scriptedPoll) poll(budget int) int {
	p.budgets = append(p.budgets, budget)
	w := 0
	if len(p.work) > 0 {
		w, p.work = p.work[0], p.work[1:]
	}
	if w < budget {
		p.completed = append(p.completed, p.i.CompleteDone(w))
	}
	return w
}

func newScripted(t *testing.T, budget int, work ...int) (*scriptedPoll, *faketime.ManualClock) {
	t.Helper()
	clock := faketime.NewManualClock()
	p := &scriptedPoll{work: work}
	var err error
	p.i, err = New(Options{Name: "test", Budget: budget, Poll: p.poll, Clock: clock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, clock
}

func TestScheduleRequiresEnable(t *testing.T) {
	p, _ := newScripted(t, 4)
	if p.i.Schedule() {
		t.Errorf("Schedule() on a disabled instance = true")
	}
	p.i.Enable()
	if !p.i.Schedule() {
		t.Errorf("Schedule() = false, want true")
	}
	if p.i.Schedule() {
		t.Errorf("second Schedule() = true, want false")
	}
}

func TestPollsUntilUnderBudget(t *testing.T) {
	p, _ := newScripted(t, 4, 4, 4, 1)
	p.i.Enable()
	p.i.Schedule()
	if got := p.i.RunPending(); got != 9 {
		t.Errorf("RunPending() = %d, want 9", got)
	}
	if diff := cmp.Diff([]int{4, 4, 4}, p.budgets); diff != "" {
		t.Errorf("budgets mismatch (-want +got):\n%s", diff)
	}
	if p.i.Scheduled() {
		t.Errorf("still scheduled after completion")
	}
	st := p.i.Stats()
	if st.Polls.Value() != 3 || st.WorkDone[4].Value() != 2 || st.WorkDone[1].Value() != 1 {
		t.Errorf("stats: polls %d, full %d, one %d", st.Polls.Value(), st.WorkDone[4].Value(), st.WorkDone[1].Value())
	}
}

func TestMissedScheduleRepolls(t *testing.T) {
	p, _ := newScripted(t, 4)
	p.i.Enable()
	p.i.Schedule()
	// An interrupt arrives while the poll is running.
	p.i.Schedule()
	if p.i.CompleteDone(0) {
		t.Fatalf("CompleteDone() = true with a missed schedule")
	}
	if !p.i.Scheduled() {
		t.Fatalf("not scheduled after a declined completion")
	}
	if !p.i.CompleteDone(0) {
		t.Errorf("second CompleteDone() = false")
	}
	if p.i.Scheduled() {
		t.Errorf("still scheduled")
	}
}

func TestDeadlineSchedules(t *testing.T) {
	p, clock := newScripted(t, 4, 2)
	p.i.Enable()
	p.i.ArmDeadline()
	clock.Advance(DefaultDeadline - time.Millisecond)
	if p.i.Scheduled() {
		t.Fatalf("scheduled before the deadline")
	}
	// Rearming pushes the deadline out.
	p.i.ArmDeadline()
	clock.Advance(2 * time.Millisecond)
	if p.i.Scheduled() {
		t.Fatalf("scheduled before the rearmed deadline")
	}
	clock.Advance(DefaultDeadline)
	if !p.i.Scheduled() {
		t.Fatalf("not scheduled after the deadline")
	}
	if got := p.i.RunPending(); got != 2 {
		t.Errorf("RunPending() = %d, want 2", got)
	}

	p.i.ArmDeadline()
	p.i.StopDeadline()
	clock.Advance(2 * DefaultDeadline)
	if p.i.Scheduled() {
		t.Errorf("scheduled by a stopped timer")
	}
}

func TestStartStop(t *testing.T) {
	clock := faketime.NewManualClock()
	polled := make(chan int, 16)
	var i *Instance
	var err error
	i, err = New(Options{
		Name: "test",
		Poll: func(budget int) int {
			i.CompleteDone(0)
			polled <- budget
			return 0
		},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	i.Start()
	for n := 0; n < 3; n++ {
		i.Schedule()
		select {
		case b := <-polled:
			if b != DefaultBudget {
				t.Errorf("poll budget = %d, want %d", b, DefaultBudget)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("poll %d never ran", n)
		}
		for i.Scheduled() {
			time.Sleep(time.Millisecond)
		}
	}
	i.Stop()
	if i.Schedule() {
		t.Errorf("Schedule() after Stop() = true")
	}
	i.Stop()
}
