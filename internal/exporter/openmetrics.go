package exporter

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/cam3ron2/github-org-stats-exporter/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot() []store.MetricPoint
}

// HelpFunc returns the HELP text of a metric name.
type HelpFunc func(name string) string

// NewOpenMetricsHandler returns a handler that renders store snapshots through
// the Prometheus encoder. Text exposition is served unless the scraper asks for OpenMetrics.
func NewOpenMetricsHandler(reader SnapshotReader, help HelpFunc) http.Handler {
	return promhttp.HandlerFor(newRegistry(reader, help), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// WriteText writes the current snapshot in the Prometheus text format.
func WriteText(w io.Writer, reader SnapshotReader, help HelpFunc) error {
	families, err := newRegistry(reader, help).Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return fmt.Errorf("write metric family %s: %w", family.GetName(), err)
		}
	}
	return nil
}

func newRegistry(reader SnapshotReader, help HelpFunc) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader, help: help})
	return registry
}

type snapshotCollector struct {
	reader SnapshotReader
	help   HelpFunc
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

		desc := prometheus.NewDesc(point.Name, c.helpFor(point.Name), labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, point.Value, labelValues...)
		if err != nil {
			continue
		}
		ch <- metric
	}
}

func (c *snapshotCollector) helpFor(name string) string {
	if c.help == nil {
		return name
	}
	if text := c.help(name); text != "" {
		return text
	}
	return name
}
