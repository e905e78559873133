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

package lif

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gvisor.dev/gvisor/pkg/tcpip/faketime"

	"gvisor.dev/nicq/pkg/config"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/packet"
	"gvisor.dev/nicq/pkg/sim"
	"gvisor.dev/nicq/pkg/stats"
	"gvisor.dev/nicq/pkg/tx"
)

type receiver struct {
	got []*packet.Inbound
}

func (r *receiver) ReceiveLinear(p *packet.Inbound) { r.got = append(r.got, p) }
func (r *receiver) ReceiveFrags(p *packet.Inbound)  { r.got = append(r.got, p) }

type testLIF struct {
	*LIF
	t         *testing.T
	clock     *faketime.ManualClock
	dev       *sim.Device
	recv      *receiver
	collector *stats.Collector

	released []*packet.Outbound
}

func testConfig() config.Config {
	c := config.Default()
	c.Tx.RingSize = 64
	c.Rx.RingSize = 64
	c.Pages.ChunkPages = 16
	return c
}

func newTestLIF(t *testing.T, mod func(*config.Config)) *testLIF {
	t.Helper()
	cfg := testConfig()
	if mod != nil {
		mod(&cfg)
	}
	tl := &testLIF{
		t:         t,
		clock:     faketime.NewManualClock(),
		recv:      &receiver{},
		collector: stats.NewCollector("nicq"),
	}
	space := dma.NewSpace()
	var err error
	tl.dev, err = sim.New(sim.Options{
		Space:                 space,
		Clock:                 tl.clock,
		Loopback:              true,
		CoalesceTxCompletions: cfg.Sim.CoalesceTxCompletions,
		VLANStrip:             cfg.Rx.VLANStrip,
		EventQueues:           cfg.UseEQ,
		Interrupt:             func(i int) { tl.Interrupt(i) },
		Event:                 func(qtype doorbell.QType, qid uint32) { tl.Event(qtype, qid) },
	})
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	tl.LIF, err = New(Options{
		Config:    cfg,
		Device:    tl.dev,
		Mapper:    space,
		Clock:     tl.clock,
		Receiver:  tl.recv,
		Collector: tl.collector,
		Manual:    true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		for _, p := range tl.recv.got {
			p.Release()
		}
		if err := tl.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return tl
}

// settle steps the device and runs polls until neither has work left.
func (tl *testLIF) settle() {
	for i := 0; i < 16; i++ {
		if tl.dev.Step() == 0 && tl.RunPending() == 0 {
			return
		}
	}
	tl.t.Fatalf("datapath did not settle")
}

func udpFrame(t *testing.T, srcPort uint16, n int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 6000}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(make([]byte, n))); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func (tl *testLIF) outbound(queue int, frame []byte) *packet.Outbound {
	return &packet.Outbound{
		Head:      frame,
		Queue:     queue,
		OnRelease: func(p *packet.Outbound) { tl.released = append(tl.released, p) },
	}
}

func (tl *testLIF) xmit(p *packet.Outbound) {
	tl.t.Helper()
	if v := tl.Xmit(p, false); v != tx.Queued {
		tl.t.Fatalf("Xmit() = %v, want %v", v, tx.Queued)
	}
}

func TestLoopback(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*config.Config)
	}{
		{"shared", func(c *config.Config) { c.Queues = 2 }},
		{"split", func(c *config.Config) { c.Queues = 2; c.SplitIntr = true }},
		{"shared eq", func(c *config.Config) { c.Queues = 2; c.UseEQ = true }},
		{"split eq", func(c *config.Config) { c.Queues = 2; c.SplitIntr = true; c.UseEQ = true }},
		{"static coalescing", func(c *config.Config) { c.DIM.Enabled = false; c.DIM.RxUsecs = 16 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tl := newTestLIF(t, tc.mod)
			const n = 20
			bytes := uint64(0)
			for i := 0; i < n; i++ {
				frame := udpFrame(t, uint16(1000+i), 60+i)
				bytes += uint64(len(frame))
				tl.xmit(tl.outbound(i%tl.NumQueues(), frame))
				if i%5 == 4 {
					tl.settle()
				}
			}
			tl.settle()

			if len(tl.released) != n {
				t.Errorf("released %d packets, want %d", len(tl.released), n)
			}
			if len(tl.recv.got) != n {
				t.Errorf("received %d packets, want %d", len(tl.recv.got), n)
			}
			want := Totals{TxPackets: n, TxBytes: bytes, RxPackets: n, RxBytes: bytes}
			if diff := cmp.Diff(want, tl.Totals()); diff != "" {
				t.Errorf("totals mismatch (-want +got):\n%s", diff)
			}
			for i := 0; i < tl.nintr; i++ {
				if tl.dev.Masked(i) {
					t.Errorf("interrupt %d still masked", i)
				}
			}
			if tl.cfg.UseEQ {
				for i := 0; i < tl.NumQueues(); i++ {
					if !tl.Tx(i).Armed() || !tl.Rx(i).Armed() {
						t.Errorf("queue pair %d not re-armed", i)
					}
				}
			}
		})
	}
}

func TestInterruptLayout(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*config.Config)
		want []int
	}{
		{"shared", func(c *config.Config) { c.Queues = 2 }, []int{0, 0, 1, 1}},
		{"split", func(c *config.Config) { c.Queues = 2; c.SplitIntr = true }, []int{0, 1, 2, 3}},
		{"hwstamp", func(c *config.Config) { c.HWStampQueue = true }, []int{0, 0, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tl := newTestLIF(t, tc.mod)
			var got []int
			for i := 0; i < tl.NumQueues(); i++ {
				got = append(got, tl.Rx(i).Intr.Index, tl.Tx(i).Intr.Index)
			}
			if hw := tl.HWStamp(); hw != nil {
				got = append(got, hw.Intr.Index)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("interrupt indices mismatch (-want +got):\n%s", diff)
			}
			if len(tl.Pollers()) != len(tl.intrs) {
				t.Errorf("%d pollers for %d interrupts", len(tl.Pollers()), len(tl.intrs))
			}
		})
	}
}

func TestHWStampRouting(t *testing.T) {
	tl := newTestLIF(t, func(c *config.Config) { c.HWStampQueue = true })
	tl.clock.Advance(time.Second)
	p := tl.outbound(0, udpFrame(t, 1000, 100))
	p.WantTimestamp = true
	tl.xmit(p)
	tl.xmit(tl.outbound(0, udpFrame(t, 1001, 100)))
	tl.settle()

	if got := tl.HWStamp().Engine.Stats().Packets.Value(); got != 1 {
		t.Errorf("timestamp queue sent %d packets, want 1", got)
	}
	if got := tl.Tx(0).Engine.Stats().Packets.Value(); got != 1 {
		t.Errorf("queue 0 sent %d packets, want 1", got)
	}
	if !p.HasTimestamp {
		t.Fatalf("packet has no timestamp")
	}
	if want := time.Unix(0, tl.clock.Now().UnixNano()); !p.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", p.Timestamp, want)
	}
	if got := tl.Totals().TxPackets; got != 2 {
		t.Errorf("TxPackets = %d, want 2", got)
	}
}

func TestXmitOutOfRangeQueue(t *testing.T) {
	tl := newTestLIF(t, nil)
	tl.xmit(tl.outbound(7, udpFrame(t, 1000, 100)))
	tl.settle()
	if got := tl.Tx(0).Engine.Stats().Packets.Value(); got != 1 {
		t.Errorf("queue 0 sent %d packets, want 1", got)
	}
}

func TestStopReleasesInFlight(t *testing.T) {
	tl := newTestLIF(t, nil)
	tl.xmit(tl.outbound(0, udpFrame(t, 1000, 100)))
	tl.Stop()
	if len(tl.released) != 1 {
		t.Errorf("released %d packets, want 1", len(tl.released))
	}
	if got := tl.Tx(0).Engine.Stats().Clean.Value(); got != 0 {
		t.Errorf("Clean = %d, want 0 for a packet that never completed", got)
	}
	if got := tl.arena.InUse(); got != 0 {
		t.Errorf("%d pages still in use after Stop", got)
	}
}

func TestXmitWhileDown(t *testing.T) {
	for _, tc := range []struct {
		name string
		down func(*testLIF)
	}{
		{"stopped", func(tl *testLIF) { tl.Stop() }},
		{"closed", func(tl *testLIF) {
			if err := tl.Close(); err != nil {
				tl.t.Fatalf("Close failed: %v", err)
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tl := newTestLIF(t, nil)
			tc.down(tl)
			p := tl.outbound(0, udpFrame(t, 1000, 100))
			if v := tl.Xmit(p, false); v != tx.Dropped {
				t.Errorf("Xmit() = %v, want %v", v, tx.Dropped)
			}
			if !p.Released() {
				t.Errorf("dropped packet not released")
			}
			q := tl.Tx(0).Engine.Queue()
			if occ := q.Occupancy(); occ != 0 {
				t.Errorf("occupancy = %d, want 0", occ)
			}
			if got := tl.Tx(0).Engine.Stats().Dropped.Value(); got != 1 {
				t.Errorf("Dropped = %d, want 1", got)
			}
		})
	}
}

func TestStartAfterClose(t *testing.T) {
	tl := newTestLIF(t, nil)
	if err := tl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tl.Start(); err == nil {
		t.Errorf("Start after Close succeeded")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queues = 0
	space := dma.NewSpace()
	clock := faketime.NewManualClock()
	dev, err := sim.New(sim.Options{Space: space, Clock: clock})
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	_, err = New(Options{Config: cfg, Device: dev, Mapper: space, Clock: clock, Receiver: &receiver{}})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New() = %v, want %v", err, config.ErrInvalid)
	}
	if _, err := New(Options{Config: testConfig()}); err == nil {
		t.Errorf("New without a device succeeded")
	}
}

func TestSpuriousNotifications(t *testing.T) {
	tl := newTestLIF(t, nil)
	tl.Interrupt(99)
	tl.Event(doorbell.QTypeTx, 99)
	if got := tl.RunPending(); got != 0 {
		t.Errorf("RunPending() = %d, want 0", got)
	}
}

func TestCollectorExportsQueues(t *testing.T) {
	tl := newTestLIF(t, func(c *config.Config) { c.Queues = 3; c.SplitIntr = true })
	tl.xmit(tl.outbound(0, udpFrame(t, 1000, 100)))
	tl.settle()
	if got := testutil.CollectAndCount(tl.collector, "nicq_tx_packets_total"); got != 3 {
		t.Errorf("%d tx packet series, want 3", got)
	}
	if got := testutil.CollectAndCount(tl.collector, "nicq_napi_polls_total"); got != 6 {
		t.Errorf("%d poller series, want 6", got)
	}
}

func TestStartAfterStop(t *testing.T) {
	tl := newTestLIF(t, nil)
	tl.Stop()
	if err := tl.Start(); err == nil {
		t.Errorf("Start after Stop succeeded")
	}
}
