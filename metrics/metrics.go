// Package metrics holds the Prometheus collectors of the query pipeline and
// a collector for host resources.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

var (
	metricQueryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizql_queries_total",
			Help: "Total number of executed queries",
		},
		[]string{"engine", "status"},
	)

	metricQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vizql_query_duration_seconds",
			Help:    "Duration of executed queries in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"engine"},
	)

	metricExploreCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizql_explore_requests_total",
			Help: "Total number of chart payload requests",
		},
		[]string{"viz_type", "status"},
	)
)

// ObserveQuery records one execution.
func ObserveQuery(engine string, status string, d time.Duration) {
	metricQueryCounter.WithLabelValues(engine, status).Inc()
	metricQueryDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func ObserveExplore(vizType string, status string) {
	metricExploreCounter.WithLabelValues(vizType, status).Inc()
}

type systemCollector struct {
	path         string
	diskSpace    *prometheus.Desc
	memoryMetric *prometheus.Desc
	cpuUsage     *prometheus.Desc
	loadAverage  *prometheus.Desc
}

func (collector *systemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.diskSpace
	ch <- collector.memoryMetric
	ch <- collector.cpuUsage
	ch <- collector.loadAverage
}

func (collector *systemCollector) Collect(ch chan<- prometheus.Metric) {
	if usage, err := disk.Usage(collector.path); err == nil {
		ch <- prometheus.MustNewConstMetric(collector.diskSpace, prometheus.GaugeValue, float64(usage.Total), collector.path, "total")
		ch <- prometheus.MustNewConstMetric(collector.diskSpace, prometheus.GaugeValue, float64(usage.Free), collector.path, "free")
	}

	if vmstat, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(collector.memoryMetric, prometheus.GaugeValue, float64(vmstat.Total), "total")
		ch <- prometheus.MustNewConstMetric(collector.memoryMetric, prometheus.GaugeValue, float64(vmstat.Available), "available")
	}

	if cpuPercentage, err := cpu.Percent(0, false); err == nil && len(cpuPercentage) > 0 {
		ch <- prometheus.MustNewConstMetric(collector.cpuUsage, prometheus.GaugeValue, cpuPercentage[0])
	}

	// DuckDB queries are CPU bound, load tells more than a single sample
	if avg, err := load.Avg(); err == nil {
		ch <- prometheus.MustNewConstMetric(collector.loadAverage, prometheus.GaugeValue, avg.Load1, "1m")
		ch <- prometheus.MustNewConstMetric(collector.loadAverage, prometheus.GaugeValue, avg.Load5, "5m")
	}
}

func newSystemCollector(path string) *systemCollector {
	if path == "" {
		path = "/"
	}
	return &systemCollector{
		path: path,
		diskSpace: prometheus.NewDesc(
			"vizql_disk_space_bytes",
			"Disk space of the data directory in bytes",
			[]string{"path", "type"},
			nil,
		),
		memoryMetric: prometheus.NewDesc(
			"vizql_memory_bytes",
			"System memory in bytes",
			[]string{"type"},
			nil,
		),
		cpuUsage: prometheus.NewDesc(
			"vizql_cpu_usage_percent",
			"Current CPU usage percentage",
			nil,
			nil,
		),
		loadAverage: prometheus.NewDesc(
			"vizql_load_average",
			"System load average",
			[]string{"window"},
			nil,
		),
	}
}

// Init registers the host collector. path is the directory whose disk
// usage is reported.
func Init(reg prometheus.Registerer, path string) error {
	return reg.Register(newSystemCollector(path))
}
