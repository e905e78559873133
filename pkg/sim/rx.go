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

package sim

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dma"
)

// enqueueRx steers a frame to a receive queue by its flow hash.
//
// +checklocks:d.mu
func (d *Device) enqueueRx(frame []byte) {
	if len(d.rxRings) == 0 {
		d.stats.RxNoBuf++
		return
	}
	hash := rssHash(frame)
	r := d.rxRings[hash%uint32(len(d.rxRings))]
	if len(r.backlog) >= d.opts.RxBacklog {
		d.stats.RxNoBuf++
		return
	}
	r.backlog = append(r.backlog, rxFrame{data: frame, hash: hash})
}

// processRx places backlogged frames into posted receive buffers.
//
// +checklocks:d.mu
func (d *Device) processRx(r *ring, n *notes) int {
	work := 0
	for len(r.backlog) > 0 && r.tail != r.posted {
		f := r.backlog[0]
		r.backlog[0] = rxFrame{}
		r.backlog = r.backlog[1:]
		comp, err := d.placeRx(r, r.tail, f)
		if err != nil {
			log.Warningf("sim: rx queue %d descriptor %d: %v", r.cfg.HWIndex, r.tail, err)
			d.stats.RxErrors++
			comp = desc.RxComp{Status: statusError, CompIndex: r.tail}
		}
		r.tail++
		work++
		if err := d.writeComp(r, func(b []byte, color bool) {
			comp.Color = color
			comp.Encode(b)
		}, n); err != nil {
			log.Warningf("sim: rx queue %d: %v", r.cfg.HWIndex, err)
			d.stats.RxErrors++
		}
	}
	if len(r.backlog) == 0 {
		r.backlog = nil
	}
	return work
}

// placeRx copies a frame into the buffers of descriptor idx and returns
// its completion.
//
// +checklocks:d.mu
func (d *Device) placeRx(r *ring, idx uint16, f rxFrame) (desc.RxComp, error) {
	comp := desc.RxComp{CompIndex: idx, RSSHash: f.hash}
	b, err := d.opts.Space.Resolve(r.cfg.Ring+dma.Addr(int(idx&r.mask)*desc.RxDescSize), desc.RxDescSize, false)
	if err != nil {
		return comp, err
	}
	rd := desc.DecodeRxDesc(b)
	bufs := []desc.SGElem{{Addr: rd.Addr, Len: rd.Len}}
	if rd.Opcode == desc.RxOpcodeSG {
		base := r.cfg.SGRing + dma.Addr(int(idx&r.mask)*r.cfg.MaxSG*desc.RxSGElemSize)
		for i := 0; i < r.cfg.MaxSG; i++ {
			sgb, err := d.opts.Space.Resolve(base+dma.Addr(i*desc.RxSGElemSize), desc.RxSGElemSize, false)
			if err != nil {
				return comp, fmt.Errorf("scatter-gather element %d: %w", i, err)
			}
			sg := desc.DecodeSGElem(sgb)
			if sg.Len == 0 {
				break
			}
			bufs = append(bufs, sg)
		}
	}

	frame := f.data
	if d.opts.VLANStrip {
		var tci uint16
		var tagged bool
		if frame, tci, tagged = stripVLAN(frame); tagged {
			comp.VLANTCI = tci
			comp.CsumFlags = comp.CsumFlags.With(desc.CsumVLAN)
		}
	}
	meta := classify(frame)
	comp.PktType = meta.pktType
	comp.CsumFlags |= meta.flags
	comp.Csum = meta.csum

	capacity := 0
	for _, sg := range bufs {
		capacity += int(sg.Len)
	}
	if len(frame) > capacity {
		d.stats.RxTruncated++
		comp.Status = statusError
		return comp, nil
	}

	used := 0
	for rest := frame; len(rest) > 0; used++ {
		sg := bufs[used]
		n := min(len(rest), int(sg.Len))
		dst, err := d.opts.Space.Resolve(dma.Addr(sg.Addr), n, true)
		if err != nil {
			return comp, fmt.Errorf("buffer %d: %w", used, err)
		}
		copy(dst, rest[:n])
		rest = rest[n:]
	}
	comp.NumSGElems = uint8(max(used-1, 0))
	comp.Len = uint16(len(frame))
	d.stats.RxFrames++
	d.stats.RxBytes += uint64(len(frame))
	return comp, nil
}
