// Package metrics exposes command engine statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"i4.energy/across/atchat/engine"
)

// Source is anything that reports engine statistics, such as an
// *engine.Engine or a *modem.Modem.
type Source interface {
	Stats() engine.Stats
}

// Collector reads a Source at scrape time. Counters are monotonic as long
// as the source lives.
type Collector struct {
	src Source

	sent      *prometheus.Desc
	retries   *prometheus.Desc
	results   *prometheus.Desc
	urcFrames *prometheus.Desc
	urcDrops  *prometheus.Desc
	overruns  *prometheus.Desc
	orphans   *prometheus.Desc
	pending   *prometheus.Desc
	memory    *prometheus.Desc
	maxMemory *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector describes the metrics of src under namespace, e.g.
// "atchat_engine_sent_total". constLabels are attached to every metric.
func NewCollector(namespace string, src Source, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, labels, constLabels)
	}

	return &Collector{
		src:       src,
		sent:      desc("sent_total", "Request transmissions, resends included."),
		retries:   desc("retries_total", "Resends after an error or timeout."),
		results:   desc("results_total", "Completed items by result code.", "code"),
		urcFrames: desc("urc_frames_total", "URC handler invocations."),
		urcDrops:  desc("urc_dropped_total", "URC frames dropped for lack of buffer space."),
		overruns:  desc("overruns_total", "Receive buffer overruns."),
		orphans:   desc("orphan_bytes_total", "Bytes received while no item was active."),
		pending:   desc("pending_items", "Items waiting in the work queue."),
		memory:    desc("memory_bytes", "Bytes held by buffers and queued items."),
		maxMemory: desc("memory_max_bytes", "Peak of memory_bytes."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.sent, c.retries, c.results, c.urcFrames, c.urcDrops,
		c.overruns, c.orphans, c.pending, c.memory, c.maxMemory,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.sent, s.Sent)
	counter(c.retries, s.Retries)
	counter(c.results, s.OK, engine.CodeOK.String())
	counter(c.results, s.Errors, engine.CodeError.String())
	counter(c.results, s.Timeouts, engine.CodeTimeout.String())
	counter(c.results, s.Aborts, engine.CodeAbort.String())
	counter(c.urcFrames, s.URCFrames)
	counter(c.urcDrops, s.URCDrops)
	counter(c.overruns, s.Overruns)
	counter(c.orphans, s.Orphans)
	gauge(c.pending, int64(s.Pending))
	gauge(c.memory, s.CurMemory)
	gauge(c.maxMemory, s.MaxMemory)
}

// NewRegistry returns a registry holding the engine collector of src
// together with the Go runtime and process collectors.
func NewRegistry(namespace string, src Source) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(namespace, src, nil),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
