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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"gvisor.dev/nicq/pkg/desc"
)

const (
	vlanTagLen = 4

	vlanProtocol tcpip.NetworkProtocolNumber = 0x8100

	// vxlanHeaderLen is the VXLAN header that follows the outer UDP
	// header of an encapsulated frame.
	vxlanHeaderLen = 8
)

// layout locates the headers of a frame.
type layout struct {
	// netOff and transOff are the offsets of the innermost network and
	// transport headers.
	netOff   int
	netProto tcpip.NetworkProtocolNumber
	transOff int

	// outer* describe the outer headers of an encapsulated frame.
	encap         bool
	outerNetOff   int
	outerNetProto tcpip.NetworkProtocolNumber
	outerUDPOff   int
}

// parseIP returns the transport header offset and protocol of the IP
// header at off.
func parseIP(frame []byte, off int, proto tcpip.NetworkProtocolNumber) (int, tcpip.TransportProtocolNumber, error) {
	switch proto {
	case header.IPv4ProtocolNumber:
		if len(frame) < off+header.IPv4MinimumSize {
			return 0, 0, fmt.Errorf("truncated ipv4 header at %d", off)
		}
		ip := header.IPv4(frame[off:])
		hl := int(ip.HeaderLength())
		if hl < header.IPv4MinimumSize || len(frame) < off+hl {
			return 0, 0, fmt.Errorf("ipv4 header length %d", hl)
		}
		return off + hl, ip.TransportProtocol(), nil
	case header.IPv6ProtocolNumber:
		if len(frame) < off+header.IPv6MinimumSize {
			return 0, 0, fmt.Errorf("truncated ipv6 header at %d", off)
		}
		return off + header.IPv6MinimumSize, header.IPv6(frame[off:]).TransportProtocol(), nil
	default:
		return 0, 0, fmt.Errorf("network protocol %#x", proto)
	}
}

// locate parses the headers of an untagged Ethernet frame. With encap it
// follows one level of UDP encapsulation to the inner frame.
func locate(frame []byte, encap bool) (layout, error) {
	var l layout
	if len(frame) < header.EthernetMinimumSize {
		return l, fmt.Errorf("truncated ethernet header")
	}
	l.netOff = header.EthernetMinimumSize
	l.netProto = header.Ethernet(frame).Type()
	transOff, tproto, err := parseIP(frame, l.netOff, l.netProto)
	if err != nil {
		return l, err
	}
	if encap {
		if tproto != header.UDPProtocolNumber {
			return l, fmt.Errorf("encapsulation over transport protocol %d", tproto)
		}
		l.encap = true
		l.outerNetOff, l.outerNetProto, l.outerUDPOff = l.netOff, l.netProto, transOff
		inner := transOff + header.UDPMinimumSize + vxlanHeaderLen
		if len(frame) < inner+header.EthernetMinimumSize {
			return l, fmt.Errorf("truncated inner ethernet header")
		}
		l.netOff = inner + header.EthernetMinimumSize
		l.netProto = header.Ethernet(frame[inner:]).Type()
		if transOff, tproto, err = parseIP(frame, l.netOff, l.netProto); err != nil {
			return l, fmt.Errorf("inner: %w", err)
		}
	}
	if tproto != header.TCPProtocolNumber {
		return l, fmt.Errorf("segmentation of transport protocol %d", tproto)
	}
	l.transOff = transOff
	return l, nil
}

// setIPLength updates the length field of the IP header at off for a
// packet ending at the end of frame.
func setIPLength(frame []byte, off int, proto tcpip.NetworkProtocolNumber, id uint16) {
	switch proto {
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(frame[off:])
		ip.SetTotalLength(uint16(len(frame) - off))
		ip.SetID(ip.ID() + id)
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
	case header.IPv6ProtocolNumber:
		header.IPv6(frame[off:]).SetPayloadLength(uint16(len(frame) - off - header.IPv6MinimumSize))
	}
}

// segment splits a TCP packet into segments of at most mss payload bytes.
// The TCP checksum field of the template header must hold the
// pseudo-header sum for a zero length, which each segment completes with
// its own length and contents.
func segment(pkt []byte, hdrLen, mss int, encap bool) ([][]byte, error) {
	if hdrLen > len(pkt) || mss <= 0 {
		return nil, fmt.Errorf("header length %d and mss %d for a %d byte packet", hdrLen, mss, len(pkt))
	}
	l, err := locate(pkt, encap)
	if err != nil {
		return nil, err
	}
	if tcpEnd := l.transOff + int(header.TCP(pkt[l.transOff:]).DataOffset()); tcpEnd != hdrLen {
		return nil, fmt.Errorf("header length %d does not end at the tcp payload (%d)", hdrLen, tcpEnd)
	}
	hdr, payload := pkt[:hdrLen], pkt[hdrLen:]
	tmpl := header.TCP(hdr[l.transOff:])
	seed, seq, flags := tmpl.Checksum(), tmpl.SequenceNumber(), tmpl.Flags()

	var segs [][]byte
	for i, off := 0, 0; i == 0 || off < len(payload); i++ {
		n := min(mss, len(payload)-off)
		seg := make([]byte, hdrLen+n)
		copy(seg, hdr)
		copy(seg[hdrLen:], payload[off:off+n])
		last := off+n == len(payload)

		setIPLength(seg, l.netOff, l.netProto, uint16(i))
		if l.encap {
			setIPLength(seg, l.outerNetOff, l.outerNetProto, uint16(i))
			udp := header.UDP(seg[l.outerUDPOff:])
			udp.SetLength(uint16(len(seg) - l.outerUDPOff))
			udp.SetChecksum(0)
		}

		tcp := header.TCP(seg[l.transOff:])
		tcp.SetSequenceNumber(seq + uint32(off))
		f := flags
		if !last {
			f &^= header.TCPFlagFin | header.TCPFlagPsh
		}
		if i > 0 {
			f &^= header.TCPFlagCwr
		}
		tcp.SetFlags(uint8(f))
		tcpLen := len(seg) - l.transOff
		tcp.SetChecksum(0)
		sum := checksum.Combine(seed, uint16(tcpLen))
		tcp.SetChecksum(^checksum.Checksum(seg[l.transOff:], sum))

		segs = append(segs, seg)
		off += n
	}
	return segs, nil
}

// checksumPartial completes a checksum the stack left partial: the field
// at start+off holds the pseudo-header sum, and the checksum covers
// everything from start to the end of the frame.
func checksumPartial(frame []byte, start, off int) error {
	if start+off+2 > len(frame) {
		return fmt.Errorf("checksum at %d+%d outside a %d byte frame", start, off, len(frame))
	}
	binary.BigEndian.PutUint16(frame[start+off:], ^checksum.Checksum(frame[start:], 0))
	return nil
}

// insertVLAN returns frame with an 802.1Q tag carrying tci.
func insertVLAN(frame []byte, tci uint16) []byte {
	out := make([]byte, len(frame)+vlanTagLen)
	copy(out, frame[:2*header.EthernetAddressSize])
	binary.BigEndian.PutUint16(out[12:], uint16(vlanProtocol))
	binary.BigEndian.PutUint16(out[14:], tci)
	copy(out[16:], frame[2*header.EthernetAddressSize:])
	return out
}

// stripVLAN removes an 802.1Q tag, if present, and returns its TCI.
func stripVLAN(frame []byte) ([]byte, uint16, bool) {
	if len(frame) < header.EthernetMinimumSize+vlanTagLen ||
		header.Ethernet(frame).Type() != vlanProtocol {
		return frame, 0, false
	}
	tci := binary.BigEndian.Uint16(frame[14:])
	out := make([]byte, 0, len(frame)-vlanTagLen)
	out = append(out, frame[:2*header.EthernetAddressSize]...)
	out = append(out, frame[2*header.EthernetAddressSize+vlanTagLen:]...)
	return out, tci, true
}

// netHeader returns the offset and protocol of the network header,
// skipping an 802.1Q tag.
func netHeader(frame []byte) (int, tcpip.NetworkProtocolNumber) {
	if len(frame) < header.EthernetMinimumSize {
		return 0, 0
	}
	off, proto := header.EthernetMinimumSize, header.Ethernet(frame).Type()
	if proto == vlanProtocol && len(frame) >= off+vlanTagLen {
		proto = tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[off+2:]))
		off += vlanTagLen
	}
	return off, proto
}

// rxMeta is what the device reports about a received frame.
type rxMeta struct {
	pktType desc.PktType
	flags   desc.CsumFlags
	csum    uint16
}

// transportOK verifies a TCP or UDP checksum.
func transportOK(payload []byte, proto tcpip.TransportProtocolNumber, src, dst tcpip.Address) bool {
	if proto == header.UDPProtocolNumber && len(payload) >= header.UDPMinimumSize &&
		header.UDP(payload).Checksum() == 0 && src.Len() == header.IPv4AddressSize {
		return true
	}
	sum := header.PseudoHeaderChecksum(proto, src, dst, uint16(len(payload)))
	return checksum.Checksum(payload, sum) == 0xffff
}

// classify computes the packet type and checksum status of a frame.
func classify(frame []byte) rxMeta {
	var m rxMeta
	off, proto := netHeader(frame)
	var (
		src, dst tcpip.Address
		tproto   tcpip.TransportProtocolNumber
		payload  []byte
		v6       bool
	)
	switch proto {
	case header.IPv4ProtocolNumber:
		if len(frame) < off+header.IPv4MinimumSize {
			return m
		}
		ip := header.IPv4(frame[off:])
		hl, tl := int(ip.HeaderLength()), int(ip.TotalLength())
		if hl < header.IPv4MinimumSize || tl < hl || len(ip) < tl {
			return m
		}
		m.pktType = desc.PktTypeIPv4
		m.flags = m.flags.With(desc.CsumCalc)
		if checksum.Checksum(ip[:hl], 0) == 0xffff {
			m.flags = m.flags.With(desc.CsumIPOk)
		} else {
			m.flags = m.flags.With(desc.CsumIPBad)
		}
		src, dst, tproto, payload = ip.SourceAddress(), ip.DestinationAddress(), ip.TransportProtocol(), ip[hl:tl]
	case header.IPv6ProtocolNumber:
		if len(frame) < off+header.IPv6MinimumSize {
			return m
		}
		ip := header.IPv6(frame[off:])
		end := header.IPv6MinimumSize + int(ip.PayloadLength())
		if len(ip) < end {
			return m
		}
		m.pktType = desc.PktTypeIPv6
		m.flags = m.flags.With(desc.CsumCalc)
		src, dst, tproto, payload = ip.SourceAddress(), ip.DestinationAddress(), ip.TransportProtocol(), ip[header.IPv6MinimumSize:end]
		v6 = true
	default:
		return m
	}
	m.csum = checksum.Checksum(frame[off:], 0)

	switch tproto {
	case header.TCPProtocolNumber:
		m.pktType = desc.PktTypeIPv4TCP
		if v6 {
			m.pktType = desc.PktTypeIPv6TCP
		}
		if transportOK(payload, tproto, src, dst) {
			m.flags = m.flags.With(desc.CsumTCPOk)
		} else {
			m.flags = m.flags.With(desc.CsumTCPBad)
		}
	case header.UDPProtocolNumber:
		m.pktType = desc.PktTypeIPv4UDP
		if v6 {
			m.pktType = desc.PktTypeIPv6UDP
		}
		if transportOK(payload, tproto, src, dst) {
			m.flags = m.flags.With(desc.CsumUDPOk)
		} else {
			m.flags = m.flags.With(desc.CsumUDPBad)
		}
	}
	return m
}

// rssHash hashes a frame's addresses and ports to pick a receive queue.
// Frames that are not IP hash to zero.
func rssHash(frame []byte) uint32 {
	off, proto := netHeader(frame)
	var key []byte
	switch proto {
	case header.IPv4ProtocolNumber:
		if len(frame) < off+header.IPv4MinimumSize {
			return 0
		}
		ip := header.IPv4(frame[off:])
		key = append(key, ip[12:20]...)
		if l4 := off + int(ip.HeaderLength()); !ip.More() && ip.FragmentOffset() == 0 && len(frame) >= l4+4 {
			key = append(key, frame[l4:l4+4]...)
		}
	case header.IPv6ProtocolNumber:
		if len(frame) < off+header.IPv6MinimumSize {
			return 0
		}
		key = append(key, frame[off+8:off+header.IPv6MinimumSize]...)
		if l4 := off + header.IPv6MinimumSize; len(frame) >= l4+4 {
			key = append(key, frame[l4:l4+4]...)
		}
	default:
		return 0
	}
	return uint32(xxhash.Sum64(key))
}
