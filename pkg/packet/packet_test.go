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

package packet

import (
	"bytes"
	"errors"
	"testing"

	"gvisor.dev/nicq/pkg/pagepool"
)

func TestLinearize(t *testing.T) {
	released := 0
	p := &Outbound{
		Head:      []byte("head-"),
		Frags:     [][]byte{[]byte("one-"), []byte("two")},
		OnRelease: func(*Outbound) { released++ },
	}
	if err := p.Linearize(HeapAllocator{}); err != nil {
		t.Fatalf("Linearize failed: %v", err)
	}
	if !bytes.Equal(p.Head, []byte("head-one-two")) || len(p.Frags) != 0 {
		t.Errorf("after Linearize: head %q, %d frags", p.Head, len(p.Frags))
	}
	if got := p.Len(); got != 12 {
		t.Errorf("Len() = %d, want 12", got)
	}
	p.Release()
	if released != 1 || !p.Released() {
		t.Errorf("OnRelease called %d times", released)
	}
}

func TestLinearizeFailureLeavesPacket(t *testing.T) {
	var a FaultAllocator
	a.FailAfter(0)
	p := &Outbound{Head: []byte("h"), Frags: [][]byte{[]byte("f")}}
	if err := p.Linearize(&a); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("Linearize: got err %v, want %v", err, ErrAllocFailed)
	}
	if len(p.Frags) != 1 {
		t.Errorf("failed Linearize changed the packet")
	}
	// Injection is one-shot.
	if err := p.Linearize(&a); err != nil {
		t.Errorf("second Linearize failed: %v", err)
	}
	p.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	p := &Outbound{}
	p.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("second Release did not panic")
		}
	}()
	p.Release()
}

func TestInboundFragsDropPageRefs(t *testing.T) {
	arena, err := pagepool.New(pagepool.Options{})
	if err != nil {
		t.Fatalf("pagepool.New failed: %v", err)
	}
	defer arena.Close()
	pg, err := arena.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	copy(arena.Data(pg), "abcdefgh")
	arena.Ref(pg, 1)

	var p Inbound
	p.AddFrag(arena, pg, 0, 3)
	p.AddFrag(arena, pg, 5, 3)
	if got := string(p.Data()); got != "abcfgh" {
		t.Errorf("Data() = %q, want %q", got, "abcfgh")
	}
	p.Release()
	if got := arena.InUse(); got != 0 {
		t.Errorf("InUse() after Release = %d, want 0", got)
	}
}
