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

// Package desc defines the hardware-visible descriptor, scatter-gather and
// completion record formats shared by the driver and the device.
//
// All multi-byte fields are little-endian. Records are encoded into and
// decoded from byte slices that alias device-visible ring memory; callers
// must finish writing a descriptor before announcing it with a doorbell.
package desc

import (
	"encoding/binary"
)

// Sizes of the fixed-format records, in bytes.
const (
	TxDescSize   = 16
	TxSGElemSize = 16
	RxDescSize   = 16
	RxSGElemSize = 16
	CompSize     = 16

	// HWStampCompDescSize is the size of a completion queue descriptor
	// that carries a hardware timestamp in front of the completion.
	HWStampCompDescSize = 32

	// HWStampNegOffset is the distance from the start of the completion
	// record back to the end of the timestamp field.
	HWStampNegOffset = 8

	// HWStampInvalid is written by the device when no timestamp could be
	// taken.
	HWStampInvalid = ^uint64(0)

	// AddrBits is the width of a bus address in a transmit command word.
	AddrBits = 52
)

const (
	addrMask = (uint64(1) << AddrBits) - 1

	txOpcodeShift = 4
	txOpcodeMask  = 0xf
	txFlagsShift  = 0
	txFlagsMask   = 0xf
	txNSGEShift   = 8
	txNSGEMask    = 0xf
	txAddrShift   = 12

	colorMask   = 0x80
	pktTypeMask = 0x7f
)

// MaxSGElems is the largest scatter-gather element count a transmit
// command word can carry.
const MaxSGElems = txNSGEMask

// TxOpcode selects how the device treats a transmit descriptor.
type TxOpcode uint8

// Transmit opcodes.
const (
	TxOpcodeCsumNone    TxOpcode = 0
	TxOpcodeCsumPartial TxOpcode = 1
	TxOpcodeCsumHW      TxOpcode = 2
	TxOpcodeTSO         TxOpcode = 3
)

// String implements fmt.Stringer.
func (o TxOpcode) String() string {
	switch o {
	case TxOpcodeCsumNone:
		return "csum-none"
	case TxOpcodeCsumPartial:
		return "csum-partial"
	case TxOpcodeCsumHW:
		return "csum-hw"
	case TxOpcodeTSO:
		return "tso"
	default:
		return "unknown"
	}
}

// TxFlags are the per-descriptor transmit flags.
type TxFlags struct {
	// VLAN requests insertion of the descriptor's VLAN tag.
	VLAN bool
	// Encap marks a tunneled packet.
	Encap bool
	// TSOEnd marks the last descriptor of a segmentation chain.
	TSOEnd bool
	// TSOStart marks the first descriptor of a segmentation chain.
	TSOStart bool
}

func (f TxFlags) bits() uint64 {
	var b uint64
	if f.VLAN {
		b |= 1 << 0
	}
	if f.Encap {
		b |= 1 << 1
	}
	if f.TSOEnd {
		b |= 1 << 2
	}
	if f.TSOStart {
		b |= 1 << 3
	}
	return b
}

func txFlagsFromBits(b uint64) TxFlags {
	return TxFlags{
		VLAN:     b&(1<<0) != 0,
		Encap:    b&(1<<1) != 0,
		TSOEnd:   b&(1<<2) != 0,
		TSOStart: b&(1<<3) != 0,
	}
}

// EncodeTxCmd packs a transmit command word.
func EncodeTxCmd(op TxOpcode, flags TxFlags, nsge uint8, addr uint64) uint64 {
	return (uint64(op)&txOpcodeMask)<<txOpcodeShift |
		(flags.bits()&txFlagsMask)<<txFlagsShift |
		(uint64(nsge)&txNSGEMask)<<txNSGEShift |
		(addr&addrMask)<<txAddrShift
}

// DecodeTxCmd unpacks a transmit command word.
func DecodeTxCmd(cmd uint64) (op TxOpcode, flags TxFlags, nsge uint8, addr uint64) {
	op = TxOpcode((cmd >> txOpcodeShift) & txOpcodeMask)
	flags = txFlagsFromBits((cmd >> txFlagsShift) & txFlagsMask)
	nsge = uint8((cmd >> txNSGEShift) & txNSGEMask)
	addr = (cmd >> txAddrShift) & addrMask
	return
}

// TxDesc is a transmit descriptor.
//
// CsumStart/CsumOffset are meaningful for TxOpcodeCsumPartial and share
// their wire position with HdrLen/MSS, which are meaningful for
// TxOpcodeTSO.
type TxDesc struct {
	Opcode     TxOpcode
	Flags      TxFlags
	NumSGElems uint8
	Addr       uint64
	Len        uint16
	VLANTCI    uint16
	CsumStart  uint16
	CsumOffset uint16
	HdrLen     uint16
	MSS        uint16
}

// Encode writes d into b, which must be at least TxDescSize bytes.
func (d *TxDesc) Encode(b []byte) {
	_ = b[TxDescSize-1]
	binary.LittleEndian.PutUint64(b[0:], EncodeTxCmd(d.Opcode, d.Flags, d.NumSGElems, d.Addr))
	binary.LittleEndian.PutUint16(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[10:], d.VLANTCI)
	hword1, hword2 := d.CsumStart, d.CsumOffset
	if d.Opcode == TxOpcodeTSO {
		hword1, hword2 = d.HdrLen, d.MSS
	}
	binary.LittleEndian.PutUint16(b[12:], hword1)
	binary.LittleEndian.PutUint16(b[14:], hword2)
}

// DecodeTxDesc reads a transmit descriptor from b.
func DecodeTxDesc(b []byte) TxDesc {
	_ = b[TxDescSize-1]
	var d TxDesc
	d.Opcode, d.Flags, d.NumSGElems, d.Addr = DecodeTxCmd(binary.LittleEndian.Uint64(b[0:]))
	d.Len = binary.LittleEndian.Uint16(b[8:])
	d.VLANTCI = binary.LittleEndian.Uint16(b[10:])
	hword1 := binary.LittleEndian.Uint16(b[12:])
	hword2 := binary.LittleEndian.Uint16(b[14:])
	if d.Opcode == TxOpcodeTSO {
		d.HdrLen, d.MSS = hword1, hword2
	} else {
		d.CsumStart, d.CsumOffset = hword1, hword2
	}
	return d
}

// SGElem is a scatter-gather element. The transmit and receive lists use
// the same layout; a zero element terminates a receive list.
type SGElem struct {
	Addr uint64
	Len  uint16
}

// Encode writes e into b, which must be at least TxSGElemSize bytes.
func (e SGElem) Encode(b []byte) {
	_ = b[TxSGElemSize-1]
	binary.LittleEndian.PutUint64(b[0:], e.Addr)
	binary.LittleEndian.PutUint16(b[8:], e.Len)
	clear(b[10:TxSGElemSize])
}

// DecodeSGElem reads a scatter-gather element from b.
func DecodeSGElem(b []byte) SGElem {
	_ = b[TxSGElemSize-1]
	return SGElem{
		Addr: binary.LittleEndian.Uint64(b[0:]),
		Len:  binary.LittleEndian.Uint16(b[8:]),
	}
}

// RxOpcode selects the receive descriptor layout.
type RxOpcode uint8

// Receive opcodes.
const (
	RxOpcodeSimple RxOpcode = 0
	RxOpcodeSG     RxOpcode = 1
)

// RxDesc is a receive descriptor.
type RxDesc struct {
	Addr   uint64
	Len    uint16
	Opcode RxOpcode
}

// Encode writes d into b, which must be at least RxDescSize bytes.
func (d *RxDesc) Encode(b []byte) {
	_ = b[RxDescSize-1]
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint16(b[8:], d.Len)
	b[10] = uint8(d.Opcode)
	clear(b[11:RxDescSize])
}

// DecodeRxDesc reads a receive descriptor from b.
func DecodeRxDesc(b []byte) RxDesc {
	_ = b[RxDescSize-1]
	return RxDesc{
		Addr:   binary.LittleEndian.Uint64(b[0:]),
		Len:    binary.LittleEndian.Uint16(b[8:]),
		Opcode: RxOpcode(b[10]),
	}
}

// CsumFlag is one receive checksum status bit.
type CsumFlag uint8

// Receive checksum flags.
const (
	CsumTCPOk  CsumFlag = 0x01
	CsumTCPBad CsumFlag = 0x02
	CsumUDPOk  CsumFlag = 0x04
	CsumUDPBad CsumFlag = 0x08
	CsumIPOk   CsumFlag = 0x10
	CsumIPBad  CsumFlag = 0x20
	CsumVLAN   CsumFlag = 0x40
	CsumCalc   CsumFlag = 0x80
)

// CsumFlags is the set of checksum flags reported in a receive completion.
type CsumFlags uint8

// Has reports whether f is set.
func (s CsumFlags) Has(f CsumFlag) bool {
	return uint8(s)&uint8(f) != 0
}

// With returns s with f set.
func (s CsumFlags) With(f CsumFlag) CsumFlags {
	return CsumFlags(uint8(s) | uint8(f))
}

// Bad reports whether the device flagged any checksum as incorrect.
func (s CsumFlags) Bad() bool {
	return s.Has(CsumTCPBad) || s.Has(CsumUDPBad) || s.Has(CsumIPBad)
}

// PktType is the device's classification of a received packet.
type PktType uint8

// Packet types.
const (
	PktTypeNonIP   PktType = 0x00
	PktTypeIPv4    PktType = 0x01
	PktTypeIPv4TCP PktType = 0x03
	PktTypeIPv4UDP PktType = 0x05
	PktTypeIPv6    PktType = 0x08
	PktTypeIPv6TCP PktType = 0x18
	PktTypeIPv6UDP PktType = 0x28
)

// IsL4 reports whether the type identifies a TCP or UDP packet.
func (t PktType) IsL4() bool {
	switch t {
	case PktTypeIPv4TCP, PktTypeIPv4UDP, PktTypeIPv6TCP, PktTypeIPv6UDP:
		return true
	}
	return false
}

// IsL3 reports whether the type identifies an IP packet without a
// recognized transport.
func (t PktType) IsL3() bool {
	return t == PktTypeIPv4 || t == PktTypeIPv6
}

// RxComp is a receive completion record.
type RxComp struct {
	Status     uint8
	NumSGElems uint8
	CompIndex  uint16
	RSSHash    uint32
	Csum       uint16
	VLANTCI    uint16
	Len        uint16
	CsumFlags  CsumFlags
	PktType    PktType
	Color      bool
}

// Encode writes c into b, which must be at least CompSize bytes.
func (c *RxComp) Encode(b []byte) {
	_ = b[CompSize-1]
	b[0] = c.Status
	b[1] = c.NumSGElems
	binary.LittleEndian.PutUint16(b[2:], c.CompIndex)
	binary.LittleEndian.PutUint32(b[4:], c.RSSHash)
	binary.LittleEndian.PutUint16(b[8:], c.Csum)
	binary.LittleEndian.PutUint16(b[10:], c.VLANTCI)
	binary.LittleEndian.PutUint16(b[12:], c.Len)
	b[14] = uint8(c.CsumFlags)
	b[15] = encodeColor(uint8(c.PktType)&pktTypeMask, c.Color)
}

// DecodeRxComp reads a receive completion from b.
func DecodeRxComp(b []byte) RxComp {
	_ = b[CompSize-1]
	return RxComp{
		Status:     b[0],
		NumSGElems: b[1],
		CompIndex:  binary.LittleEndian.Uint16(b[2:]),
		RSSHash:    binary.LittleEndian.Uint32(b[4:]),
		Csum:       binary.LittleEndian.Uint16(b[8:]),
		VLANTCI:    binary.LittleEndian.Uint16(b[10:]),
		Len:        binary.LittleEndian.Uint16(b[12:]),
		CsumFlags:  CsumFlags(b[14]),
		PktType:    PktType(b[15] & pktTypeMask),
		Color:      b[15]&colorMask != 0,
	}
}

// TxComp is a transmit completion record. CompIndex is the ring index of
// the last descriptor the completion covers.
type TxComp struct {
	Status    uint8
	CompIndex uint16
	Color     bool
}

// Encode writes c into b, which must be at least CompSize bytes.
func (c *TxComp) Encode(b []byte) {
	_ = b[CompSize-1]
	clear(b[:CompSize])
	b[0] = c.Status
	binary.LittleEndian.PutUint16(b[2:], c.CompIndex)
	b[15] = encodeColor(0, c.Color)
}

// DecodeTxComp reads a transmit completion from b.
func DecodeTxComp(b []byte) TxComp {
	_ = b[CompSize-1]
	return TxComp{
		Status:    b[0],
		CompIndex: binary.LittleEndian.Uint16(b[2:]),
		Color:     b[15]&colorMask != 0,
	}
}

func encodeColor(v uint8, color bool) uint8 {
	if color {
		return v | colorMask
	}
	return v
}

// Color returns the color bit of the completion record at the start of b.
// Both completion formats keep it in the top bit of the last byte.
func Color(b []byte) bool {
	return b[CompSize-1]&colorMask != 0
}

// ColorMatch reports whether the completion record in b has been written
// by the device for the pass identified by doneColor.
func ColorMatch(b []byte, doneColor bool) bool {
	return Color(b) == doneColor
}

// CompOffset returns the offset of the completion record within a
// completion queue descriptor of the given size. The completion is always
// the last CompSize bytes.
func CompOffset(descSize int) int {
	return descSize - CompSize
}

// HWStampOffset returns the offset of the hardware timestamp within a
// completion queue descriptor of the given size, or -1 if the descriptor
// is too small to carry one.
func HWStampOffset(descSize int) int {
	off := CompOffset(descSize) - HWStampNegOffset
	if off < 0 {
		return -1
	}
	return off
}

// HWStamp reads the hardware timestamp that precedes the completion in a
// completion queue descriptor. ok is false if the descriptor cannot carry
// a timestamp or the device marked it invalid.
func HWStamp(cqDesc []byte) (stamp uint64, ok bool) {
	off := HWStampOffset(len(cqDesc))
	if off < 0 {
		return 0, false
	}
	stamp = binary.LittleEndian.Uint64(cqDesc[off:])
	return stamp, stamp != HWStampInvalid
}

// PutHWStamp writes a hardware timestamp into a completion queue
// descriptor. It is a no-op for descriptors without room for one.
func PutHWStamp(cqDesc []byte, stamp uint64) {
	off := HWStampOffset(len(cqDesc))
	if off < 0 {
		return
	}
	binary.LittleEndian.PutUint64(cqDesc[off:], stamp)
}
