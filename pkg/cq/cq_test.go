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

package cq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
)

// producer plays the device side: it writes records through the bus
// address with its own index and color.
type producer struct {
	t     *testing.T
	space *dma.Space
	c     *CQ
	index uint32
	color bool
}

func (p *producer) post(compIndex uint16) {
	p.t.Helper()
	addr := p.c.Base() + dma.Addr(int(p.index)*p.c.DescSize())
	d, err := p.space.Resolve(addr, p.c.DescSize(), true)
	if err != nil {
		p.t.Fatalf("Resolve failed: %v", err)
	}
	comp := desc.TxComp{CompIndex: compIndex, Color: p.color}
	comp.Encode(d[desc.CompOffset(len(d)):])
	p.index++
	if p.index == p.c.NumDescs() {
		p.index = 0
		p.color = !p.color
	}
}

func newCQ(t *testing.T, n int) (*CQ, *producer) {
	t.Helper()
	space := dma.NewSpace()
	c, err := New(Options{Name: "cq", NumDescs: n, DescSize: desc.CompSize, Mapper: space})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return c, &producer{t: t, space: space, c: c, color: true}
}

func collect(got *[]uint16) Handler {
	return func(comp, _ []byte) bool {
		*got = append(*got, desc.DecodeTxComp(comp).CompIndex)
		return true
	}
}

func TestServiceIsIdempotent(t *testing.T) {
	c, dev := newCQ(t, 8)
	var got []uint16
	if n := c.Service(64, collect(&got)); n != 0 {
		t.Fatalf("Service() on a fresh queue = %d, want 0", n)
	}
	for i := uint16(0); i < 3; i++ {
		dev.post(i)
	}
	if n := c.Service(64, collect(&got)); n != 3 {
		t.Errorf("Service() = %d, want 3", n)
	}
	if n := c.Service(64, collect(&got)); n != 0 {
		t.Errorf("second Service() = %d, want 0", n)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2}, got); diff != "" {
		t.Errorf("serviced records mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceRespectsBudget(t *testing.T) {
	c, dev := newCQ(t, 8)
	for i := uint16(0); i < 5; i++ {
		dev.post(i)
	}
	var got []uint16
	if n := c.Service(2, collect(&got)); n != 2 {
		t.Errorf("Service(2) = %d, want 2", n)
	}
	if n := c.Service(0, collect(&got)); n != 0 {
		t.Errorf("Service(0) = %d, want 0", n)
	}
	if n := c.Service(10, collect(&got)); n != 3 {
		t.Errorf("Service(10) = %d, want 3", n)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4}, got); diff != "" {
		t.Errorf("serviced records mismatch (-want +got):\n%s", diff)
	}
}

func TestColorFlipsOnWrap(t *testing.T) {
	c, dev := newCQ(t, 4)
	var got []uint16
	total := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			dev.post(uint16(total + i))
		}
		if n := c.Service(100, collect(&got)); n != 3 {
			t.Fatalf("round %d: Service() = %d, want 3", round, n)
		}
		total += 3
	}
	if got, want := c.Tail(), uint32(15%4); got != want {
		t.Errorf("Tail() = %d, want %d", got, want)
	}
	// 15 records over a ring of 4 wrapped three times.
	if c.DoneColor() {
		t.Errorf("DoneColor() = true after an odd number of wraps")
	}
	if got := c.Count(); got != 15 {
		t.Errorf("Count() = %d, want 15", got)
	}
}

func TestStaleRecordsAreNotConsumed(t *testing.T) {
	c, dev := newCQ(t, 4)
	for i := uint16(0); i < 4; i++ {
		dev.post(i)
	}
	var got []uint16
	if n := c.Service(100, collect(&got)); n != 4 {
		t.Fatalf("Service() = %d, want 4", n)
	}
	// The ring still holds last pass's records; their color is stale.
	if c.Ready() {
		t.Errorf("Ready() = true for a record from the previous pass")
	}
	if n := c.Service(100, collect(&got)); n != 0 {
		t.Errorf("Service() over stale records = %d, want 0", n)
	}
}

func TestHandlerCanDecline(t *testing.T) {
	c, dev := newCQ(t, 4)
	dev.post(0)
	dev.post(1)
	declined := 0
	n := c.Service(10, func(comp, _ []byte) bool {
		if desc.DecodeTxComp(comp).CompIndex == 1 {
			declined++
			return false
		}
		return true
	})
	if n != 1 || declined != 1 {
		t.Errorf("Service() = %d with %d declines, want 1 and 1", n, declined)
	}
	if got := c.Tail(); got != 1 {
		t.Errorf("Tail() = %d, want 1", got)
	}
}

func TestDoorbellValue(t *testing.T) {
	c, dev := newCQ(t, 4)
	c.hwIndex = 9
	dev.post(0)
	c.Service(1, func(_, _ []byte) bool { return true })
	if got, want := doorbell.Decode(c.DoorbellValue(true)), (doorbell.Value{QID: 9, Ring: 1, Index: 1}); got != want {
		t.Errorf("DoorbellValue(true) = %+v, want %+v", got, want)
	}
}
