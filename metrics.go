package diskio

import (
	"github.com/prometheus/client_golang/prometheus"
)

type statDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(DirectionStats) float64
}

func newStatDesc(name, help string, valueType prometheus.ValueType, value func(DirectionStats) float64) statDesc {
	return statDesc{
		desc:      prometheus.NewDesc("diskio_"+name, help, []string{"direction"}, nil),
		valueType: valueType,
		value:     value,
	}
}

// Exports a Controller's Stats.
type StatsCollector struct {
	c     *Controller
	descs []statDesc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

func NewStatsCollector(c *Controller) *StatsCollector {
	gauge, counter := prometheus.GaugeValue, prometheus.CounterValue
	return &StatsCollector{
		c: c,
		descs: []statDesc{
			newStatDesc("queued_requests", "Requests waiting in lanes.", gauge,
				func(s DirectionStats) float64 { return float64(s.QueuedRequests) }),
			newStatDesc("queued_bytes", "Bytes of requests waiting in lanes.", gauge,
				func(s DirectionStats) float64 { return float64(s.QueuedBytes) }),
			newStatDesc("requests_total", "Requests admitted.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalRequests) }),
			newStatDesc("bytes_total", "Bytes of requests admitted.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalBytes) }),
			newStatDesc("single_requests_total", "Requests performed alone.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalSingleRequests) }),
			newStatDesc("single_bytes_total", "Bytes of requests performed alone.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalSingleBytes) }),
			newStatDesc("aggregated_batches_total", "Merged I/Os performed.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalAggregatedBatches) }),
			newStatDesc("aggregated_requests_total", "Requests performed in merged I/Os.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalAggregatedRequests) }),
			newStatDesc("aggregated_bytes_total", "Bytes of requests performed in merged I/Os.", counter,
				func(s DirectionStats) float64 { return float64(s.TotalAggregatedBytes) }),
			newStatDesc("io_seconds_total", "Time spent in file I/O.", counter,
				func(s DirectionStats) float64 { return s.IoTime.Seconds() }),
			newStatDesc("io_total", "File I/O operations.", counter,
				func(s DirectionStats) float64 { return float64(s.IoCount) }),
			newStatDesc("semaphore_blocks_total", "Times a producer waited for queue space.", counter,
				func(s DirectionStats) float64 { return float64(s.SemaphoreBlocks) }),
			newStatDesc("semaphore_capacity_kibibytes", "Bound on queued KiB.", gauge,
				func(s DirectionStats) float64 { return float64(s.SemaphoreCapacity) }),
		},
	}
}

func (me *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range me.descs {
		ch <- d.desc
	}
}

func (me *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := me.c.Stats()
	for _, dir := range []struct {
		name  string
		stats DirectionStats
	}{
		{"read", stats.Read},
		{"write", stats.Write},
	} {
		for _, d := range me.descs {
			ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, d.value(dir.stats), dir.name)
		}
	}
}
