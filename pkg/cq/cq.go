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

// Package cq implements completion queue servicing.
//
// The device writes completion records into a ring in device-visible memory
// and tags each with a color bit. The color the driver expects starts out
// set and flips every time the driver's index wraps, so a record whose
// color does not match has not been written yet in the current pass.
package cq

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/queue"
)

// Handler processes one completion. comp is the completion record and
// cqDesc the whole completion queue descriptor, which may carry a hardware
// timestamp in front of the record. Handler returns false if the record
// cannot be consumed yet, which ends servicing without advancing.
type Handler func(comp, cqDesc []byte) bool

// Options configures a CQ.
type Options struct {
	// Name is used in log messages.
	Name string

	// HWIndex is the device's id for the completion queue.
	HWIndex uint32

	// NumDescs is the ring size; it must pass queue.CheckSize.
	NumDescs int

	// DescSize is desc.CompSize, or desc.HWStampCompDescSize for queues
	// that carry hardware timestamps.
	DescSize int

	// Mapper maps the ring for the device.
	Mapper dma.Mapper
}

// CQ is a completion queue.
//
// CQ is not thread-safe: it is owned by the single poller servicing it.
type CQ struct {
	name     string
	hwIndex  uint32
	numDescs uint32
	descSize int

	mem    dma.Coherent
	mapper dma.Mapper

	// tail is the index of the next record to examine, in [0, numDescs).
	tail uint32

	// doneColor is the color of records written in the current pass.
	doneColor bool

	// count is the number of records consumed.
	count uint64
}

// New allocates a completion ring in device-visible memory.
func New(opts Options) (*CQ, error) {
	if err := queue.CheckSize(opts.NumDescs); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}
	if opts.DescSize < desc.CompSize {
		return nil, fmt.Errorf("%s: descriptor size %d is smaller than a completion", opts.Name, opts.DescSize)
	}
	mem, err := dma.AllocCoherent(opts.Mapper, opts.NumDescs*opts.DescSize, dma.FromDevice)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}
	return &CQ{
		name:      opts.Name,
		hwIndex:   opts.HWIndex,
		numDescs:  uint32(opts.NumDescs),
		descSize:  opts.DescSize,
		mem:       mem,
		mapper:    opts.Mapper,
		doneColor: true,
	}, nil
}

// Name returns the queue's name.
func (c *CQ) Name() string { return c.name }

// HWIndex returns the device's id for the queue.
func (c *CQ) HWIndex() uint32 { return c.hwIndex }

// NumDescs returns the ring size.
func (c *CQ) NumDescs() uint32 { return c.numDescs }

// DescSize returns the size of one descriptor.
func (c *CQ) DescSize() int { return c.descSize }

// Base returns the bus address of the ring.
func (c *CQ) Base() dma.Addr { return c.mem.Addr }

// Tail returns the index of the next record to examine.
func (c *CQ) Tail() uint32 { return c.tail }

// DoneColor returns the color expected of the next record.
func (c *CQ) DoneColor() bool { return c.doneColor }

// Count returns the number of records consumed so far.
func (c *CQ) Count() uint64 { return c.count }

// Desc returns descriptor i of the ring.
func (c *CQ) Desc(i uint32) []byte {
	off := int(i) * c.descSize
	return c.mem.Mem[off : off+c.descSize : off+c.descSize]
}

// Current returns the completion record at the tail and the descriptor that
// contains it.
func (c *CQ) Current() (comp, cqDesc []byte) {
	d := c.Desc(c.tail)
	return d[desc.CompOffset(c.descSize):], d
}

// Ready reports whether the record at the tail has been written by the
// device in the current pass.
func (c *CQ) Ready() bool {
	comp, _ := c.Current()
	return desc.ColorMatch(comp, c.doneColor)
}

func (c *CQ) advance() {
	c.tail++
	if c.tail == c.numDescs {
		c.tail = 0
		c.doneColor = !c.doneColor
	}
	c.count++
}

// Service consumes up to budget ready completions, invoking handler for
// each, and returns the number consumed. It stops at the first record
// whose color does not match or that handler declines.
func (c *CQ) Service(budget int, handler Handler) int {
	work := 0
	for work < budget {
		comp, d := c.Current()
		if !desc.ColorMatch(comp, c.doneColor) {
			break
		}
		if !handler(comp, d) {
			break
		}
		c.advance()
		work++
	}
	return work
}

// DoorbellValue returns the doorbell write that acknowledges consumed
// records. arm additionally requests an event once the next record lands.
func (c *CQ) DoorbellValue(arm bool) uint64 {
	v := doorbell.Value{QID: c.hwIndex, Index: uint16(c.tail)}
	if arm {
		v.Ring = 1
	}
	return v.Encode()
}

// Close releases the ring memory.
func (c *CQ) Close() error {
	log.Debugf("%s: closing after %d completions", c.name, c.count)
	return c.mem.Free(c.mapper)
}
