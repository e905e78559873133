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

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"gvisor.dev/nicq/pkg/config"
	"gvisor.dev/nicq/pkg/packet"
)

func benchConfig() config.Config {
	c := config.Default()
	c.Queues = 2
	c.Tx.RingSize = 128
	c.Rx.RingSize = 128
	return c
}

func TestBenchLoopback(t *testing.T) {
	res, err := runBench(context.Background(), benchConfig(), benchOptions{
		duration: 200 * time.Millisecond,
		rate:     5000,
		size:     100,
		flows:    4,
		batch:    4,
	})
	if err != nil {
		t.Fatalf("runBench failed: %v", err)
	}
	tot := res.totals
	if tot.TxPackets == 0 {
		t.Fatalf("nothing sent")
	}
	if tot.RxPackets > tot.TxPackets {
		t.Errorf("received %d packets, more than the %d sent", tot.RxPackets, tot.TxPackets)
	}
	if got := res.delivered.Load(); got != tot.RxPackets {
		t.Errorf("delivered %d packets, receive queues counted %d", got, tot.RxPackets)
	}
	if tot.TxDropped != 0 {
		t.Errorf("dropped %d packets", tot.TxDropped)
	}
	var out bytes.Buffer
	res.print(&out)
	if !strings.Contains(out.String(), "rx delivered") {
		t.Errorf("summary is missing the receive line:\n%s", out.String())
	}
}

func TestBenchSegmentation(t *testing.T) {
	res, err := runBench(context.Background(), benchConfig(), benchOptions{
		duration: 200 * time.Millisecond,
		rate:     1000,
		size:     3000,
		mss:      1000,
		flows:    2,
		batch:    1,
	})
	if err != nil {
		t.Fatalf("runBench failed: %v", err)
	}
	if res.device.TxSegmented == 0 {
		t.Fatalf("device segmented nothing")
	}
	// Each 3000 byte payload leaves as three segments.
	if res.totals.TxPackets%3 != 0 {
		t.Errorf("TxPackets = %d, want a multiple of 3", res.totals.TxPackets)
	}
}

func TestBenchRejectsBadOptions(t *testing.T) {
	if _, err := runBench(context.Background(), benchConfig(), benchOptions{flows: 0, batch: 1}); err == nil {
		t.Errorf("runBench with no flows succeeded")
	}
}

func TestBenchFrames(t *testing.T) {
	o := benchOptions{size: 10, flows: 3}
	frames, err := benchFrames(1, o)
	if err != nil {
		t.Fatalf("benchFrames failed: %v", err)
	}
	seen := make(map[layers.UDPPort]bool)
	for _, f := range frames {
		pkt := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			t.Fatalf("frame has no UDP layer: %v", pkt)
		}
		if len(udp.Payload) != o.size {
			t.Errorf("payload is %d bytes, want %d", len(udp.Payload), o.size)
		}
		seen[udp.SrcPort] = true
	}
	if len(seen) != o.flows {
		t.Errorf("%d distinct flows, want %d", len(seen), o.flows)
	}
}

func TestBenchPacketSplitsHeaders(t *testing.T) {
	o := benchOptions{size: 500, mss: 200, flows: 1}
	frames, err := benchFrames(0, o)
	if err != nil {
		t.Fatalf("benchFrames failed: %v", err)
	}
	p := benchPacket(0, frames[0], o)
	if len(p.Head) != 54 || len(p.Frags) != 1 || len(p.Frags[0]) != 500 {
		t.Errorf("head %d bytes, %d frags", len(p.Head), len(p.Frags))
	}
	if p.GSO.Type != packet.GSOTCPv4 || p.GSO.MSS != 200 {
		t.Errorf("GSO = %+v", p.GSO)
	}
	p.Head[0] ^= 0xff
	if frames[0][0] == p.Head[0] {
		t.Errorf("packet shares memory with its template")
	}
}

func TestBenchDumpsMetrics(t *testing.T) {
	var out bytes.Buffer
	_, err := runBench(context.Background(), benchConfig(), benchOptions{
		duration: 50 * time.Millisecond,
		rate:     1000,
		size:     64,
		flows:    1,
		batch:    1,
		dump:     &out,
	})
	if err != nil {
		t.Fatalf("runBench failed: %v", err)
	}
	for _, want := range []string{
		`nicq_tx_packets_total{queue="nicq0-txq1"}`,
		`nicq_rx_packets_total{queue="nicq0-rxq0"}`,
		`nicq_napi_polls_total{queue="nicq0-txrx0"}`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("metrics dump is missing %s", want)
		}
	}
}
