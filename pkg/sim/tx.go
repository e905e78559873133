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

// processTx consumes every complete packet posted on r.
//
// +checklocks:d.mu
func (d *Device) processTx(r *ring, n *notes) int {
	work := 0
	pending := false
	for r.tail != r.posted {
		ndescs, frames, err := d.readTxPacket(r)
		if ndescs == 0 {
			// A segmentation chain whose end is not posted yet.
			break
		}
		status := uint8(0)
		if err != nil {
			log.Warningf("sim: tx queue %d descriptor %d: %v", r.cfg.HWIndex, r.tail, err)
			d.stats.TxErrors++
			status = statusError
		}
		for _, f := range frames {
			d.transmit(f)
		}
		r.tail += uint16(ndescs)
		work += ndescs
		if d.opts.CoalesceTxCompletions && status == 0 {
			pending = true
			continue
		}
		d.completeTx(r, r.tail-1, status, n)
		pending = false
	}
	if pending {
		d.completeTx(r, r.tail-1, 0, n)
	}
	return work
}

// +checklocks:d.mu
func (d *Device) completeTx(r *ring, index uint16, status uint8, n *notes) {
	err := d.writeComp(r, func(b []byte, color bool) {
		(&desc.TxComp{Status: status, CompIndex: index, Color: color}).Encode(b)
	}, n)
	if err != nil {
		log.Warningf("sim: tx queue %d: %v", r.cfg.HWIndex, err)
		d.stats.TxErrors++
	}
}

// readTxPacket reads the packet starting at r.tail and returns the number
// of descriptors it spans and the frames it puts on the wire. It returns
// zero descriptors if the packet is not fully posted.
//
// +checklocks:d.mu
func (d *Device) readTxPacket(r *ring) (int, [][]byte, error) {
	first, err := d.txDesc(r, r.tail)
	if err != nil {
		return 1, nil, err
	}
	if first.Opcode != desc.TxOpcodeTSO {
		frame, err := d.gather(r, r.tail, &first)
		if err != nil {
			return 1, nil, err
		}
		if first.Opcode == desc.TxOpcodeCsumPartial {
			if err := checksumPartial(frame, int(first.CsumStart), int(first.CsumOffset)); err != nil {
				return 1, nil, err
			}
		}
		if first.Flags.VLAN {
			frame = insertVLAN(frame, first.VLANTCI)
		}
		return 1, [][]byte{frame}, nil
	}

	if !first.Flags.TSOStart {
		return 1, nil, fmt.Errorf("segmentation chain does not start with a start descriptor")
	}
	var buf []byte
	for i := uint16(0); ; i++ {
		idx := r.tail + i
		if idx == r.posted {
			return 0, nil, nil
		}
		td, err := d.txDesc(r, idx)
		if err != nil {
			return int(i) + 1, nil, err
		}
		b, err := d.gatherInto(buf, r, idx, &td)
		if err != nil {
			return int(i) + 1, nil, err
		}
		buf = b
		if !td.Flags.TSOEnd {
			continue
		}
		segs, err := segment(buf, int(first.HdrLen), int(first.MSS), first.Flags.Encap)
		if err != nil {
			return int(i) + 1, nil, err
		}
		d.stats.TxSegmented += uint64(len(segs))
		if first.Flags.VLAN {
			for j := range segs {
				segs[j] = insertVLAN(segs[j], first.VLANTCI)
			}
		}
		return int(i) + 1, segs, nil
	}
}

// +checklocks:d.mu
func (d *Device) txDesc(r *ring, idx uint16) (desc.TxDesc, error) {
	b, err := d.opts.Space.Resolve(r.cfg.Ring+dma.Addr(int(idx&r.mask)*desc.TxDescSize), desc.TxDescSize, false)
	if err != nil {
		return desc.TxDesc{}, err
	}
	return desc.DecodeTxDesc(b), nil
}

// gather copies the buffers of one descriptor and its scatter-gather list.
//
// +checklocks:d.mu
func (d *Device) gather(r *ring, idx uint16, td *desc.TxDesc) ([]byte, error) {
	return d.gatherInto(nil, r, idx, td)
}

// +checklocks:d.mu
func (d *Device) gatherInto(buf []byte, r *ring, idx uint16, td *desc.TxDesc) ([]byte, error) {
	b, err := d.opts.Space.Resolve(dma.Addr(td.Addr), int(td.Len), false)
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}
	buf = append(buf, b...)
	if int(td.NumSGElems) > r.cfg.MaxSG {
		return nil, fmt.Errorf("%d scatter-gather elements on a queue with %d", td.NumSGElems, r.cfg.MaxSG)
	}
	base := r.cfg.SGRing + dma.Addr(int(idx&r.mask)*r.cfg.MaxSG*desc.TxSGElemSize)
	for i := 0; i < int(td.NumSGElems); i++ {
		sgb, err := d.opts.Space.Resolve(base+dma.Addr(i*desc.TxSGElemSize), desc.TxSGElemSize, false)
		if err != nil {
			return nil, fmt.Errorf("scatter-gather element %d: %w", i, err)
		}
		sg := desc.DecodeSGElem(sgb)
		b, err := d.opts.Space.Resolve(dma.Addr(sg.Addr), int(sg.Len), false)
		if err != nil {
			return nil, fmt.Errorf("scatter-gather buffer %d: %w", i, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// transmit puts a frame on the wire.
//
// +checklocks:d.mu
func (d *Device) transmit(frame []byte) {
	d.stats.TxFrames++
	d.stats.TxBytes += uint64(len(frame))
	if d.opts.Loopback {
		d.enqueueRx(frame)
		return
	}
	d.opts.Sink(frame)
}
