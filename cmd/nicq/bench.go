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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"gvisor.dev/nicq/pkg/config"
	"gvisor.dev/nicq/pkg/dma"
	"gvisor.dev/nicq/pkg/doorbell"
	"gvisor.dev/nicq/pkg/lif"
	"gvisor.dev/nicq/pkg/packet"
	"gvisor.dev/nicq/pkg/sim"
	"gvisor.dev/nicq/pkg/stats"
	"gvisor.dev/nicq/pkg/tx"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	benchOptions
	dumpMetrics bool
}

type benchOptions struct {
	duration time.Duration
	rate     float64
	size     int
	mss      int
	flows    int
	batch    int
	metrics  string

	// dump, if set, receives the final metrics in the Prometheus text
	// format.
	dump io.Writer
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "push generated traffic through the datapath and report throughput"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [flags] - sends generated frames on every transmit queue of a simulated device for a fixed time
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&b.duration, "duration", 5*time.Second, "how long to send.")
	f.Float64Var(&b.rate, "rate", 0, "packets per second over all queues; 0 sends as fast as possible.")
	f.IntVar(&b.size, "size", 64, "UDP payload size, or TCP payload size with -mss.")
	f.IntVar(&b.mss, "mss", 0, "if set, send TCP packets segmented by the device with this MSS.")
	f.IntVar(&b.flows, "flows", 16, "number of distinct flows per queue.")
	f.IntVar(&b.batch, "batch", 8, "packets per doorbell.")
	f.StringVar(&b.metrics, "metrics", "", "if set, serve Prometheus metrics on this address.")
	f.BoolVar(&b.dumpMetrics, "dump-metrics", false, "print the final metrics in Prometheus text format.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)
	if b.dumpMetrics {
		b.dump = os.Stdout
	}
	res, err := runBench(ctx, *cfg, b.benchOptions)
	if err != nil {
		log.Warningf("bench: %v", err)
		return subcommands.ExitFailure
	}
	res.print(os.Stdout)
	return subcommands.ExitSuccess
}

type benchResult struct {
	elapsed time.Duration
	totals  lif.Totals
	device  sim.Stats

	delivered atomicbitops.Uint64
	frags     atomicbitops.Uint64
}

func (r *benchResult) print(w io.Writer) {
	secs := r.elapsed.Seconds()
	rate := func(v uint64) uint64 { return uint64(float64(v) / secs) }
	t := r.totals
	fmt.Fprintf(w, "elapsed      %v\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "tx           %s packets, %s (%s pps, %s/s)\n",
		humanize.Comma(int64(t.TxPackets)), humanize.Bytes(t.TxBytes), humanize.Comma(int64(rate(t.TxPackets))), humanize.Bytes(rate(t.TxBytes)))
	fmt.Fprintf(w, "tx dropped   %s, busy %s\n", humanize.Comma(int64(t.TxDropped)), humanize.Comma(int64(t.TxBusy)))
	fmt.Fprintf(w, "rx           %s packets, %s (%s pps, %s/s)\n",
		humanize.Comma(int64(t.RxPackets)), humanize.Bytes(t.RxBytes), humanize.Comma(int64(rate(t.RxPackets))), humanize.Bytes(rate(t.RxBytes)))
	fmt.Fprintf(w, "rx delivered %s, %s as fragments, dropped %s\n",
		humanize.Comma(int64(r.delivered.Load())), humanize.Comma(int64(r.frags.Load())), humanize.Comma(int64(t.RxDropped)))
	fmt.Fprintf(w, "device       %s frames sent, %s segmented, %s without buffers, %s interrupts\n",
		humanize.Comma(int64(r.device.TxFrames)), humanize.Comma(int64(r.device.TxSegmented)),
		humanize.Comma(int64(r.device.RxNoBuf)), humanize.Comma(int64(r.device.Interrupts)))
}

// countingReceiver counts and frees received packets.
type countingReceiver struct {
	res *benchResult
}

func (c countingReceiver) ReceiveLinear(p *packet.Inbound) {
	c.res.delivered.Add(1)
	p.Release()
}

func (c countingReceiver) ReceiveFrags(p *packet.Inbound) {
	c.res.delivered.Add(1)
	c.res.frags.Add(1)
	p.Release()
}

func runBench(ctx context.Context, cfg config.Config, o benchOptions) (*benchResult, error) {
	if o.flows < 1 || o.batch < 1 || o.size < 0 {
		return nil, fmt.Errorf("flows and batch must be positive, size non-negative")
	}
	frames := make([][][]byte, cfg.Queues)
	for q := range frames {
		var err error
		if frames[q], err = benchFrames(q, o); err != nil {
			return nil, err
		}
	}
	res := &benchResult{}
	space := dma.NewSpace()
	clock := tcpip.NewStdClock()

	// The device and the interface refer to each other; the device only
	// calls back once it is running.
	var l *lif.LIF
	dev, err := sim.New(sim.Options{
		Space:                 space,
		Clock:                 clock,
		Loopback:              cfg.Sim.Loopback,
		Sink:                  func([]byte) {},
		CoalesceTxCompletions: cfg.Sim.CoalesceTxCompletions,
		VLANStrip:             cfg.Rx.VLANStrip,
		EventQueues:           cfg.UseEQ,
		RxBacklog:             cfg.Sim.RxBacklog,
		Interrupt:             func(i int) { l.Interrupt(i) },
		Event:                 func(qtype doorbell.QType, qid uint32) { l.Event(qtype, qid) },
	})
	if err != nil {
		return nil, err
	}

	wake := make([]chan struct{}, cfg.Queues)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	collector := stats.NewCollector("nicq")
	l, err = lif.New(lif.Options{
		Config:    cfg,
		Device:    dev,
		Mapper:    space,
		Clock:     clock,
		Receiver:  countingReceiver{res},
		Collector: collector,
		Wake: func(q int) {
			select {
			case wake[q] <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}
	dev.Start()
	if err := l.Start(); err != nil {
		dev.Stop()
		return nil, multierr.Combine(err, l.Close())
	}

	ctx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	if o.metrics != "" {
		srv := &http.Server{Addr: o.metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
		log.Infof("serving metrics on %s", o.metrics)
	}

	limit := rate.Inf
	if o.rate > 0 {
		limit = rate.Limit(o.rate / float64(cfg.Queues))
	}
	start := time.Now()
	for q := 0; q < cfg.Queues; q++ {
		lim := rate.NewLimiter(limit, o.batch)
		g.Go(func() error {
			return generate(gctx, l, q, frames[q], o, lim, wake[q])
		})
	}
	err = g.Wait()
	res.elapsed = time.Since(start)

	dev.Stop()
	res.device = dev.Stats()
	res.totals = l.Totals()
	err = multierr.Combine(err, l.Close())
	if o.dump != nil {
		err = multierr.Append(err, dumpMetrics(o.dump, reg))
	}
	return res, err
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// generate sends frames round-robin on queue q until ctx is done.
func generate(ctx context.Context, l *lif.LIF, q int, frames [][]byte, o benchOptions, lim *rate.Limiter, wake <-chan struct{}) error {
	// The poller wakes a stopped queue. Retry on a timer too, so a missed
	// wake only costs a delay.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	for n := 0; ; {
		if err := lim.WaitN(ctx, o.batch); err != nil {
			return nil
		}
		for i := 0; i < o.batch; i++ {
			p := benchPacket(q, frames[n%len(frames)], o)
			bo.Reset()
			for l.Xmit(p, i < o.batch-1) == tx.Busy {
				t := time.NewTimer(bo.NextBackOff())
				select {
				case <-wake:
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return nil
				}
				t.Stop()
			}
			n++
		}
	}
}

// benchPacket returns a packet carrying a copy of frame. Segmentation
// offload rewrites the headers, so every packet owns its bytes.
func benchPacket(q int, frame []byte, o benchOptions) *packet.Outbound {
	b := append([]byte(nil), frame...)
	p := &packet.Outbound{Queue: q, Head: b}
	if o.mss == 0 {
		return p
	}
	const hdrLen = header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize
	p.Head = b[:hdrLen]
	p.Frags = [][]byte{b[hdrLen:]}
	p.NetworkProtocol = header.IPv4ProtocolNumber
	p.NetworkOffset = header.EthernetMinimumSize
	p.TransportOffset = header.EthernetMinimumSize + header.IPv4MinimumSize
	p.GSO = packet.GSO{Type: packet.GSOTCPv4, MSS: uint16(o.mss)}
	return p
}

// benchFrames builds one frame per flow of queue q.
func benchFrames(q int, o benchOptions) ([][]byte, error) {
	frames := make([][]byte, 0, o.flows)
	for i := 0; i < o.flows; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version: 4,
			TTL:     64,
			SrcIP:   net.IP{10, 0, byte(q), 1},
			DstIP:   net.IP{10, 0, byte(q), 2},
		}
		srcPort := 10000 + q*o.flows + i
		var l4 gopacket.SerializableLayer
		if o.mss == 0 {
			ip.Protocol = layers.IPProtocolUDP
			udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 9}
			udp.SetNetworkLayerForChecksum(ip)
			l4 = udp
		} else {
			ip.Protocol = layers.IPProtocolTCP
			tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: 9, ACK: true, Window: 65535}
			tcp.SetNetworkLayerForChecksum(ip)
			l4 = tcp
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(make([]byte, o.size))); err != nil {
			return nil, fmt.Errorf("building frame: %w", err)
		}
		frames = append(frames, buf.Bytes())
	}
	return frames, nil
}
