// Package metrics exposes MultiKeyMap statistics as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llxisdsh/multikey"
)

const namespace = "multikey"

// Source is a map whose statistics can be collected. Every
// *multikey.MultiKeyMap satisfies it.
type Source interface {
	Stats() *multikey.MapStats
	ContentionStats() *multikey.ContentionStats
}

// Collector implements prometheus.Collector for one map. Values are read
// from the map on every scrape.
type Collector struct {
	source Source

	entries            *prometheus.Desc
	capacity           *prometheus.Desc
	emptyBuckets       *prometheus.Desc
	maxChainLength     *prometheus.Desc
	growths            *prometheus.Desc
	lockAcquisitions   *prometheus.Desc
	lockContentions    *prometheus.Desc
	globalAcquisitions *prometheus.Desc
	globalContentions  *prometheus.Desc
	stripeContentions  *prometheus.Desc
}

// NewCollector creates a collector for source. name becomes the "map"
// label so several maps can share a registry.
func NewCollector(name string, source Source) *Collector {
	labels := prometheus.Labels{"map": name}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", metric), help, variable, labels)
	}
	return &Collector{
		source:             source,
		entries:            desc("entries", "Number of entries in the map."),
		capacity:           desc("capacity_buckets", "Number of buckets in the table."),
		emptyBuckets:       desc("empty_buckets", "Number of buckets holding no entry."),
		maxChainLength:     desc("max_chain_length", "Length of the longest bucket chain."),
		growths:            desc("growths_total", "Number of table doublings."),
		lockAcquisitions:   desc("lock_acquisitions_total", "Single-stripe lock acquisitions."),
		lockContentions:    desc("lock_contentions_total", "Single-stripe lock acquisitions that had to wait."),
		globalAcquisitions: desc("global_lock_acquisitions_total", "All-stripe lock acquisitions."),
		globalContentions:  desc("global_lock_contentions_total", "All-stripe lock acquisitions that had to wait."),
		stripeContentions:  desc("stripe_contentions_total", "Lock contentions per stripe.", "stripe"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.capacity
	ch <- c.emptyBuckets
	ch <- c.maxChainLength
	ch <- c.growths
	ch <- c.lockAcquisitions
	ch <- c.lockContentions
	ch <- c.globalAcquisitions
	ch <- c.globalContentions
	ch <- c.stripeContentions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Counter))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity))
	ch <- prometheus.MustNewConstMetric(c.emptyBuckets, prometheus.GaugeValue, float64(s.EmptyBuckets))
	ch <- prometheus.MustNewConstMetric(c.maxChainLength, prometheus.GaugeValue, float64(s.MaxChainLength))
	ch <- prometheus.MustNewConstMetric(c.growths, prometheus.CounterValue, float64(s.TotalGrowths))

	cs := c.source.ContentionStats()
	ch <- prometheus.MustNewConstMetric(c.lockAcquisitions, prometheus.CounterValue, float64(cs.TotalAcquisitions))
	ch <- prometheus.MustNewConstMetric(c.lockContentions, prometheus.CounterValue, float64(cs.TotalContentions))
	ch <- prometheus.MustNewConstMetric(c.globalAcquisitions, prometheus.CounterValue, float64(cs.GlobalLockAcquisitions))
	ch <- prometheus.MustNewConstMetric(c.globalContentions, prometheus.CounterValue, float64(cs.GlobalLockContentions))
	for i, n := range cs.StripeContentions {
		ch <- prometheus.MustNewConstMetric(c.stripeContentions, prometheus.CounterValue, float64(n), strconv.Itoa(i))
	}
}

// NewRegistry returns a registry with the Go runtime and process
// collectors plus one Collector per named map.
func NewRegistry(maps map[string]Source) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	for name, source := range maps {
		if err := reg.Register(NewCollector(name, source)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
