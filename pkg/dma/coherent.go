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

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Coherent is a region of memory that the CPU and device share for its
// whole lifetime, such as a descriptor or completion ring.
type Coherent struct {
	// Mem is the CPU view of the region.
	Mem []byte
	// Addr is the device view of the region.
	Addr Addr
	dir  Direction
}

// AllocCoherent allocates size bytes of page-aligned anonymous memory and
// maps it in m for the lifetime of the returned region.
func AllocCoherent(m Mapper, size int, dir Direction) (Coherent, error) {
	if size <= 0 {
		return Coherent{}, fmt.Errorf("%w: coherent size %d", ErrMapFailed, size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Coherent{}, fmt.Errorf("mmap(%d): %w", size, err)
	}
	addr, err := m.Map(mem, dir)
	if err != nil {
		unix.Munmap(mem)
		return Coherent{}, err
	}
	return Coherent{Mem: mem, Addr: addr, dir: dir}, nil
}

// Free unmaps the region from m and releases its memory.
func (c *Coherent) Free(m Mapper) error {
	if c.Mem == nil {
		return nil
	}
	m.Unmap(c.Addr, len(c.Mem), c.dir)
	err := unix.Munmap(c.Mem)
	c.Mem = nil
	c.Addr = 0
	return err
}
