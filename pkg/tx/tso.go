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

package tx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/packet"
)

// tsoHeaders locates the headers the device segments by: the innermost
// network and TCP headers.
type tsoHeaders struct {
	net header.Network
	tcp header.TCP

	// hdrLen is the length of everything up to the end of the TCP header,
	// which the device replicates in front of every segment.
	hdrLen int
}

func parseTSOHeaders(p *packet.Outbound) (tsoHeaders, error) {
	proto, noff, toff := p.NetworkProtocol, p.NetworkOffset, p.TransportOffset
	if p.Encap {
		proto, noff, toff = p.InnerNetworkProtocol, p.InnerNetworkOffset, p.InnerTransportOffset
	}
	head := p.Head
	if toff < 0 || toff+header.TCPMinimumSize > len(head) {
		return tsoHeaders{}, fmt.Errorf("tcp header at %d outside head of %d bytes: %w", toff, len(head), linuxerr.EINVAL)
	}
	tcp := header.TCP(head[toff:])
	hl := int(tcp.DataOffset())
	if hl < header.TCPMinimumSize || toff+hl > len(head) {
		return tsoHeaders{}, fmt.Errorf("tcp header length %d: %w", hl, linuxerr.EINVAL)
	}

	h := tsoHeaders{tcp: tcp[:hl], hdrLen: toff + hl}
	switch proto {
	case header.IPv4ProtocolNumber:
		if noff < 0 || noff+header.IPv4MinimumSize > toff {
			return tsoHeaders{}, fmt.Errorf("ipv4 header at %d: %w", noff, linuxerr.EINVAL)
		}
		h.net = header.IPv4(head[noff:toff])
	case header.IPv6ProtocolNumber:
		if noff < 0 || noff+header.IPv6MinimumSize > toff {
			return tsoHeaders{}, fmt.Errorf("ipv6 header at %d: %w", noff, linuxerr.EINVAL)
		}
		h.net = header.IPv6(head[noff:toff])
	default:
		return tsoHeaders{}, fmt.Errorf("segmentation of network protocol %#x: %w", proto, linuxerr.EPROTONOSUPPORT)
	}
	return h, nil
}

// tsoSegments returns the number of descriptors a segmented packet needs:
// one per wire segment, the first of which also carries the headers.
func tsoSegments(p *packet.Outbound) (int, error) {
	h, err := parseTSOHeaders(p)
	if err != nil {
		return 0, err
	}
	mss := int(p.GSO.MSS)
	if mss == 0 {
		return 0, fmt.Errorf("segmentation with zero mss: %w", linuxerr.EINVAL)
	}
	if h.hdrLen+mss > maxBufLen {
		return 0, fmt.Errorf("segment of %d bytes: %w", h.hdrLen+mss, linuxerr.EMSGSIZE)
	}
	payload := p.Len() - h.hdrLen
	return max((payload+mss-1)/mss, 1), nil
}

// seedPseudoChecksum prepares the headers for segmentation: the TCP
// checksum field is preloaded with the pseudo-header sum for a zero
// length, and the IPv4 header checksum is cleared. The device adds each
// segment's length and recomputes the IPv4 checksum per segment.
func seedPseudoChecksum(h tsoHeaders) {
	if ip, ok := h.net.(header.IPv4); ok {
		ip.SetChecksum(0)
	}
	h.tcp.SetChecksum(header.PseudoHeaderChecksum(header.TCPProtocolNumber, h.net.SourceAddress(), h.net.DestinationAddress(), 0))
}

// xmitTSO posts a segmented packet. The packet is mapped once, then the
// mapped buffers are carved into one descriptor per wire segment. The
// first descriptor owns the mappings and the packet; the rest carry no
// callback.
//
// +checklocks:e.mu
func (e *Engine) xmitTSO(p *packet.Outbound) error {
	h, err := parseTSOHeaders(p)
	if err != nil {
		return err
	}
	first := e.q.HeadSlot()
	if err := e.mapPacket(first, p); err != nil {
		return err
	}
	seedPseudoChecksum(h)

	total := uint32(p.Len())
	hdrLen := uint32(h.hdrLen)
	mss := uint32(p.GSO.MSS)
	flags := desc.TxFlags{VLAN: p.HasVLAN, Encap: p.Encap}
	cb := e.cleanFor(p)

	var (
		bufs     = first.Bufs[:first.NBufs]
		fragAddr uint64
		fragRem  uint32
	)
	tsoRem := total
	segRem := min(tsoRem, hdrLen+mss)
	start := true
	for tsoRem > 0 {
		s := e.q.HeadSlot()
		d := desc.TxDesc{Opcode: desc.TxOpcodeTSO}
		nsge := 0
		for seen := false; segRem > 0; seen = true {
			if fragRem == 0 {
				fragAddr, fragRem = uint64(bufs[0].Addr), bufs[0].Len
				bufs = bufs[1:]
			}
			chunk := min(fragRem, segRem)
			if !seen {
				d.Addr, d.Len = fragAddr, uint16(chunk)
			} else {
				desc.SGElem{Addr: fragAddr, Len: uint16(chunk)}.Encode(s.SGElem(nsge))
				nsge++
			}
			fragAddr += uint64(chunk)
			fragRem -= chunk
			tsoRem -= chunk
			segRem -= chunk
		}
		segRem = min(tsoRem, mss)
		done := tsoRem == 0

		d.Flags = flags
		d.Flags.TSOStart, d.Flags.TSOEnd = start, done
		d.NumSGElems = uint8(nsge)
		d.HdrLen = uint16(hdrLen)
		d.MSS = uint16(mss)
		if p.HasVLAN {
			d.VLANTCI = p.VLAN
		}
		d.Encode(s.Desc)
		e.stats.RecordSG(nsge)

		if start {
			e.post(done, cb)
		} else {
			s.NBufs = 0
			e.post(done, nil)
		}
		start = false
	}

	if p.HasVLAN {
		e.stats.VLANInserted.Increment()
	}
	if p.Encap {
		e.stats.Encap.Increment()
	}
	e.stats.Frags.IncrementBy(uint64(len(p.Frags)))
	e.stats.Packets.IncrementBy(uint64((total - hdrLen + mss - 1) / mss))
	e.stats.Bytes.IncrementBy(uint64(total))
	e.stats.TSO.Increment()
	e.stats.TSOBytes.IncrementBy(uint64(total))
	return nil
}
