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

// Package dma models device-visible memory: host buffers are mapped into a
// bus address space before their addresses are handed to the device, and
// must stay mapped for as long as the device may access them.
package dma

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Addr is a bus address as seen by the device.
type Addr uint64

// Direction is the direction of a mapping's data transfer.
type Direction uint8

// Mapping directions.
const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

var (
	// ErrMapFailed is returned when a buffer cannot be mapped.
	ErrMapFailed = errors.New("dma: mapping failed")

	// ErrFault is returned when the device touches an address that is not
	// mapped, or is mapped in the wrong direction.
	ErrFault = errors.New("dma: bad device access")
)

// Mapper maps host memory for device access.
//
// Every successful Map must be paired with exactly one Unmap of the same
// address and length.
type Mapper interface {
	// Map makes b visible to the device and returns its bus address.
	Map(b []byte, dir Direction) (Addr, error)

	// Unmap revokes the device's access to a mapping returned by Map.
	Unmap(addr Addr, n int, dir Direction)

	// SyncForCPU makes device writes to the range visible to the CPU.
	SyncForCPU(addr Addr, n int, dir Direction)

	// SyncForDevice hands the range back to the device after CPU access.
	SyncForDevice(addr Addr, n int, dir Direction)
}

const (
	// pageSize is the mapping granularity of the address space.
	pageSize = 4096

	// firstAddr leaves bus address zero unused so that a zero address in a
	// descriptor is always a bug.
	firstAddr = Addr(pageSize)
)

type mapping struct {
	base Addr
	buf  []byte
	dir  Direction
}

func (m mapping) end() Addr {
	return m.base + Addr(len(m.buf))
}

func mappingLess(a, b mapping) bool {
	return a.base < b.base
}

// Counters reports mapping activity in a Space.
type Counters struct {
	Maps        uint64
	Unmaps      uint64
	Live        int
	BadUnmaps   uint64
	MapFailures uint64
}

// Space is a bus address space, the software equivalent of an IOMMU. The
// driver side maps and unmaps buffers through the Mapper interface; the
// device side resolves bus addresses back to memory with Resolve.
//
// Space is safe for concurrent use.
type Space struct {
	mu sync.Mutex

	// +checklocks:mu
	maps *btree.BTreeG[mapping]

	// next is the next bus address to hand out. Addresses are never
	// reused so that stale device accesses fault instead of aliasing.
	//
	// +checklocks:mu
	next Addr

	// failIn, when positive, counts down successful maps until the next
	// injected failure.
	//
	// +checklocks:mu
	failIn int

	// +checklocks:mu
	counters Counters
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{
		maps: btree.NewG[mapping](8, mappingLess),
		next: firstAddr,
	}
}

// FailAfter makes the map call after the next n successful ones fail.
// n == 0 fails the very next call; a negative n disables injection.
func (s *Space) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		s.failIn = 0
		return
	}
	s.failIn = n + 1
}

// Map implements Mapper.Map.
func (s *Space) Map(b []byte, dir Direction) (Addr, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMapFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIn > 0 {
		s.failIn--
		if s.failIn == 0 {
			s.counters.MapFailures++
			return 0, fmt.Errorf("%w: injected failure", ErrMapFailed)
		}
	}
	m := mapping{base: s.next, buf: b, dir: dir}
	// Keep a guard page between mappings so an overrun faults.
	s.next += Addr((len(b)+pageSize-1)/pageSize*pageSize + pageSize)
	s.maps.ReplaceOrInsert(m)
	s.counters.Maps++
	s.counters.Live++
	return m.base, nil
}

// Unmap implements Mapper.Unmap.
func (s *Space) Unmap(addr Addr, n int, dir Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps.Get(mapping{base: addr})
	if !ok || len(m.buf) != n || m.dir != dir {
		s.counters.BadUnmaps++
		log.Warningf("dma: unmap of unknown mapping addr=%#x len=%d dir=%v", addr, n, dir)
		return
	}
	s.maps.Delete(m)
	s.counters.Unmaps++
	s.counters.Live--
}

// SyncForCPU implements Mapper.SyncForCPU. Host and device share coherent
// memory in this model, so syncing only validates the range.
func (s *Space) SyncForCPU(addr Addr, n int, dir Direction) {
	if _, err := s.lookup(addr, n); err != nil {
		log.Warningf("dma: sync for cpu: %v", err)
	}
}

// SyncForDevice implements Mapper.SyncForDevice.
func (s *Space) SyncForDevice(addr Addr, n int, dir Direction) {
	if _, err := s.lookup(addr, n); err != nil {
		log.Warningf("dma: sync for device: %v", err)
	}
}

func (s *Space) lookup(addr Addr, n int) (mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found mapping
		ok    bool
	)
	s.maps.DescendLessOrEqual(mapping{base: addr}, func(m mapping) bool {
		found, ok = m, true
		return false
	})
	if !ok || addr+Addr(n) > found.end() {
		return mapping{}, fmt.Errorf("%w: addr=%#x len=%d", ErrFault, addr, n)
	}
	return found, nil
}

// Resolve returns the memory behind [addr, addr+n) for device access.
// write reports whether the device intends to write the range.
func (s *Space) Resolve(addr Addr, n int, write bool) ([]byte, error) {
	m, err := s.lookup(addr, n)
	if err != nil {
		return nil, err
	}
	if write && m.dir == ToDevice {
		return nil, fmt.Errorf("%w: write to %v mapping at %#x", ErrFault, m.dir, addr)
	}
	if !write && m.dir == FromDevice {
		return nil, fmt.Errorf("%w: read from %v mapping at %#x", ErrFault, m.dir, addr)
	}
	off := int(addr - m.base)
	return m.buf[off : off+n : off+n], nil
}

// Counters returns a snapshot of the mapping counters.
func (s *Space) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Live returns the number of outstanding mappings.
func (s *Space) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Live
}
