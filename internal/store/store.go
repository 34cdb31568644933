package store

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricPoint is a single gauge sample.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

// MemoryStore is the process-wide gauge registry. A gauge is identified by
// its name plus its exact label set; setting it replaces the previous value.
// Series are never expired, so a value that stops updating stays visible.
type MemoryStore struct {
	mu        sync.RWMutex
	maxSeries int
	now       func() time.Time
	metrics   map[string]MetricPoint
}

// NewMemoryStore creates a memory store. maxSeries <= 0 disables the series budget.
func NewMemoryStore(maxSeries int) *MemoryStore {
	return &MemoryStore{
		maxSeries: maxSeries,
		now:       time.Now,
		metrics:   make(map[string]MetricPoint),
	}
}

// SetGauge overwrites the value of the gauge identified by name and labels.
func (s *MemoryStore) SetGauge(name string, labels map[string]string, value float64) error {
	if name == "" {
		return fmt.Errorf("metric name is required")
	}

	key := metricKey(name, labels)
	updatedAt := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[key]; !exists && s.maxSeries > 0 && len(s.metrics) >= s.maxSeries {
		return fmt.Errorf("max series budget exceeded")
	}
	s.metrics[key] = MetricPoint{
		Name:      name,
		Labels:    maps.Clone(labels),
		Value:     value,
		UpdatedAt: updatedAt,
	}
	return nil
}

// Value returns the current value of one gauge.
func (s *MemoryStore) Value(name string, labels map[string]string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	point, ok := s.metrics[metricKey(name, labels)]
	return point.Value, ok
}

// Len returns the number of series held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}

// Snapshot returns a sorted copy of every series.
func (s *MemoryStore) Snapshot() []MetricPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MetricPoint, 0, len(s.metrics))
	for _, point := range s.metrics {
		result = append(result, MetricPoint{
			Name:      point.Name,
			Labels:    maps.Clone(point.Labels),
			Value:     point.Value,
			UpdatedAt: point.UpdatedAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		leftKey := metricKey(result[i].Name, result[i].Labels)
		rightKey := metricKey(result[j].Name, result[j].Labels)
		return leftKey < rightKey
	})
	return result
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder := strings.Builder{}
	builder.WriteString(name)
	builder.WriteString("|")
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(strconv.Quote(labels[key]))
		builder.WriteString(";")
	}
	return builder.String()
}
