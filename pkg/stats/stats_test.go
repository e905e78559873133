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

package stats

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

func TestTaggedVariant(t *testing.T) {
	for _, k := range []Kind{KindTx, KindRx} {
		s := New(k)
		if s.Kind() != k {
			t.Errorf("New(%v).Kind() = %v", k, s.Kind())
		}
		switch v := s.(type) {
		case *TxStats:
			if k != KindTx {
				t.Errorf("New(%v) returned %T", k, v)
			}
		case *RxStats:
			if k != KindRx {
				t.Errorf("New(%v) returned %T", k, v)
			}
		default:
			t.Errorf("New(%v) returned unexpected %T", k, v)
		}
	}
}

func TestSGHistogramClamps(t *testing.T) {
	var s TxStats
	s.RecordSG(0)
	s.RecordSG(2)
	s.RecordSG(100)
	s.RecordSG(-1)
	if got := s.SG[0].Value(); got != 2 {
		t.Errorf("SG[0] = %d, want 2", got)
	}
	if got := s.SG[2].Value(); got != 1 {
		t.Errorf("SG[2] = %d, want 1", got)
	}
	if got := s.SG[SGBuckets-1].Value(); got != 1 {
		t.Errorf("SG[last] = %d, want 1", got)
	}
}

func TestNAPIHistogram(t *testing.T) {
	s := NewNAPIStats(4)
	for _, w := range []int{0, 4, 4, 9, 1} {
		s.Record(w)
	}
	want := []Counter{{"polls", 5}, {"work_done_0", 1}, {"work_done_1", 1}, {"work_done_4", 3}}
	if diff := cmp.Diff(want, s.Counters()); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

func TestCollector(t *testing.T) {
	tx := &TxStats{}
	tx.Packets.IncrementBy(3)
	rx := &RxStats{}
	rx.Dropped.Increment()
	napi := NewNAPIStats(2)
	napi.Record(1)

	c := NewCollector("nicq")
	c.AddQueue("txq0", tx)
	c.AddQueue("rxq0", rx)
	c.AddNAPI("q0", napi)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	got := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			got[f.GetName()+"/"+m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	for name, want := range map[string]float64{
		"nicq_tx_packets_total/txq0":     3,
		"nicq_rx_dropped_total/rxq0":     1,
		"nicq_napi_polls_total/q0":       1,
		"nicq_napi_work_done_1_total/q0": 1,
	} {
		if got[name] != want {
			t.Errorf("%s = %v, want %v", name, got[name], want)
		}
	}
}
