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

package desc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTxCmdLayout(t *testing.T) {
	for _, tc := range []struct {
		name  string
		op    TxOpcode
		flags TxFlags
		nsge  uint8
		addr  uint64
		want  uint64
	}{
		{
			name: "csum-none",
			op:   TxOpcodeCsumNone,
			addr: 0x1000,
			want: 0x1000 << 12,
		},
		{
			name:  "tso start vlan",
			op:    TxOpcodeTSO,
			flags: TxFlags{VLAN: true, TSOStart: true},
			nsge:  2,
			addr:  0x2,
			want:  0x2<<12 | 2<<8 | 3<<4 | 1<<3 | 1<<0,
		},
		{
			name:  "partial encap end",
			op:    TxOpcodeCsumPartial,
			flags: TxFlags{Encap: true, TSOEnd: true},
			want:  1<<4 | 1<<2 | 1<<1,
		},
		{
			name: "address truncated to 52 bits",
			addr: ^uint64(0),
			want: ((uint64(1) << AddrBits) - 1) << 12,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := EncodeTxCmd(tc.op, tc.flags, tc.nsge, tc.addr)
			if got != tc.want {
				t.Fatalf("EncodeTxCmd() = %#x, want %#x", got, tc.want)
			}
			op, flags, nsge, addr := DecodeTxCmd(got)
			if op != tc.op || flags != tc.flags || nsge != tc.nsge {
				t.Errorf("DecodeTxCmd() = %v, %+v, %d; want %v, %+v, %d", op, flags, nsge, tc.op, tc.flags, tc.nsge)
			}
			if want := tc.addr & ((uint64(1) << AddrBits) - 1); addr != want {
				t.Errorf("DecodeTxCmd() addr = %#x, want %#x", addr, want)
			}
		})
	}
}

func TestTxDescSharedFields(t *testing.T) {
	b := make([]byte, TxDescSize)
	tso := TxDesc{Opcode: TxOpcodeTSO, Len: 1502, HdrLen: 54, MSS: 1448, Flags: TxFlags{TSOStart: true}}
	tso.Encode(b)
	if diff := cmp.Diff(tso, DecodeTxDesc(b)); diff != "" {
		t.Errorf("TSO descriptor mismatch (-want +got):\n%s", diff)
	}

	partial := TxDesc{Opcode: TxOpcodeCsumPartial, Len: 60, CsumStart: 34, CsumOffset: 16, VLANTCI: 7, Flags: TxFlags{VLAN: true}}
	partial.Encode(b)
	if diff := cmp.Diff(partial, DecodeTxDesc(b)); diff != "" {
		t.Errorf("partial descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestRxCompColorAndType(t *testing.T) {
	b := make([]byte, CompSize)
	c := RxComp{
		CompIndex: 0xfffe,
		RSSHash:   0xdeadbeef,
		Len:       1500,
		CsumFlags: CsumFlags(0).With(CsumCalc).With(CsumTCPOk),
		PktType:   PktTypeIPv6TCP,
		Color:     true,
	}
	c.Encode(b)
	if diff := cmp.Diff(c, DecodeRxComp(b)); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
	if !ColorMatch(b, true) || ColorMatch(b, false) {
		t.Errorf("ColorMatch disagrees with encoded color")
	}
	if b[15] != 0x80|0x18 {
		t.Errorf("pkt_type_color = %#x, want %#x", b[15], 0x80|0x18)
	}
}

func TestCsumFlags(t *testing.T) {
	if CsumFlags(0).With(CsumCalc).Bad() {
		t.Errorf("Calc alone reported bad")
	}
	for _, f := range []CsumFlag{CsumTCPBad, CsumUDPBad, CsumIPBad} {
		if !CsumFlags(0).With(f).Bad() {
			t.Errorf("flag %#x not reported bad", f)
		}
	}
}

func TestHWStamp(t *testing.T) {
	small := make([]byte, CompSize)
	if _, ok := HWStamp(small); ok {
		t.Errorf("HWStamp on a 16-byte descriptor returned ok")
	}
	if got := HWStampOffset(CompSize); got != -1 {
		t.Errorf("HWStampOffset(%d) = %d, want -1", CompSize, got)
	}

	big := make([]byte, HWStampCompDescSize)
	PutHWStamp(big, 12345)
	if got, ok := HWStamp(big); !ok || got != 12345 {
		t.Errorf("HWStamp() = %d, %t; want 12345, true", got, ok)
	}
	PutHWStamp(big, HWStampInvalid)
	if _, ok := HWStamp(big); ok {
		t.Errorf("HWStamp() accepted the invalid sentinel")
	}

	// The timestamp must not overlap the completion record.
	tc := TxComp{CompIndex: 3, Color: true}
	tc.Encode(big[CompOffset(len(big)):])
	PutHWStamp(big, 1)
	if got := DecodeTxComp(big[CompOffset(len(big)):]); got != tc {
		t.Errorf("completion clobbered by timestamp: got %+v, want %+v", got, tc)
	}
}

func TestSGElemSentinel(t *testing.T) {
	b := make([]byte, RxSGElemSize)
	for i := range b {
		b[i] = 0xff
	}
	SGElem{}.Encode(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("sentinel byte %d = %#x, want 0", i, v)
		}
	}
}
