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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/sync"
)

type queueEntry struct {
	name  string
	stats Stats
}

type napiEntry struct {
	name  string
	stats *NAPIStats
}

// Collector exports registered queue and poller counters as Prometheus
// counters named <namespace>_<kind>_<counter>_total with a "queue" label.
type Collector struct {
	namespace string

	mu sync.Mutex

	// +checklocks:mu
	queues []queueEntry

	// +checklocks:mu
	napis []napiEntry

	// +checklocks:mu
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector with no queues.
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		descs:     make(map[string]*prometheus.Desc),
	}
}

// AddQueue registers a queue's statistics block.
func (c *Collector) AddQueue(name string, s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, queueEntry{name: name, stats: s})
}

// AddNAPI registers a poller's statistics.
func (c *Collector) AddNAPI(name string, s *NAPIStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.napis = append(c.napis, napiEntry{name: name, stats: s})
}

// +checklocks:c.mu
func (c *Collector) desc(subsystem, counter string) *prometheus.Desc {
	key := subsystem + "/" + counter
	d, ok := c.descs[key]
	if !ok {
		d = prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, subsystem, counter+"_total"),
			fmt.Sprintf("Datapath %s counter %s.", subsystem, counter),
			[]string{"queue"}, nil)
		c.descs[key] = d
	}
	return d
}

// Describe implements prometheus.Collector.Describe. It sends nothing,
// which registers the collector as unchecked: queues and histogram buckets
// come and go at runtime.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.queues {
		sub := q.stats.Kind().String()
		for _, ctr := range q.stats.Counters() {
			ch <- prometheus.MustNewConstMetric(c.desc(sub, ctr.Name), prometheus.CounterValue, float64(ctr.Value), q.name)
		}
	}
	for _, n := range c.napis {
		for _, ctr := range n.stats.Counters() {
			ch <- prometheus.MustNewConstMetric(c.desc("napi", ctr.Name), prometheus.CounterValue, float64(ctr.Value), n.name)
		}
	}
}
