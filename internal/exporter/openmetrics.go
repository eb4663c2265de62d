// Package exporter renders operational and activity gauges in the OpenMetrics format.
package exporter

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Point is one sample of a named series.
type Point struct {
	Name    string
	Help    string
	Labels  map[string]string
	Value   float64
	Counter bool
}

// SnapshotReader produces the current points of a source.
type SnapshotReader interface {
	Snapshot() []Point
}

// NewOpenMetricsHandler renders every reader through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(readers ...SnapshotReader) http.Handler {
	registry := prometheus.NewRegistry()
	for _, reader := range readers {
		if reader == nil {
			continue
		}
		registry.MustRegister(&snapshotCollector{reader: reader})
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// snapshotCollector is unchecked: series come and go with repositories and queues.
type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, point := range c.reader.Snapshot() {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		help := point.Help
		if help == "" {
			help = point.Name
		}
		valueType := prometheus.GaugeValue
		if point.Counter {
			valueType = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(point.Name, help, labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, valueType, point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}
