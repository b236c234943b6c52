package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector_RecordAndQuery(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Record(MetricOpLatency, 1.5, Labels{"op": "create", "table": "users"})
	c.Record(MetricOpLatency, 2.5, Labels{"op": "read", "table": "users"})
	c.Record(MetricOpErrors, 1, Labels{"op": "create"})

	assert.Equal(t, 3, c.Len())
	assert.Len(t, c.Query(MetricOpLatency, time.Time{}), 2)
	assert.Len(t, c.Query(MetricOpErrors, time.Time{}), 1)

	byOp := c.QueryWithLabel(MetricOpLatency, "op", "create")
	require.Len(t, byOp, 1)
	assert.Equal(t, 1.5, byOp[0].Value)
}

func TestMetricsCollector_QuerySince(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricOpLatency, 1, nil)

	future := time.Now().Add(time.Hour)
	assert.Empty(t, c.Query(MetricOpLatency, future))
	assert.Len(t, c.Query(MetricOpLatency, time.Now().Add(-time.Hour)), 1)
}

func TestMetricsCollector_RingBuffer(t *testing.T) {
	c := NewMetricsCollector(5)
	for i := 0; i < 8; i++ {
		c.Record(MetricRecords, float64(i), nil)
	}

	assert.Equal(t, 5, c.Len())
	points := c.Query(MetricRecords, time.Time{})
	require.Len(t, points, 5)
	assert.Equal(t, 3.0, points[0].Value, "oldest points were dropped")
	assert.Equal(t, 7.0, points[4].Value)
}

func TestMetricsCollector_Counters(t *testing.T) {
	c := NewMetricsCollector(10)
	c.Increment("ops")
	c.Increment("ops")
	c.IncrementBy("records", 5)

	assert.Equal(t, int64(2), c.Counter("ops"))
	assert.Equal(t, int64(5), c.Counter("records"))
	assert.Equal(t, int64(0), c.Counter("missing"))

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap["ops"])
	snap["ops"] = 99
	assert.Equal(t, int64(2), c.Counter("ops"), "snapshot is a copy")
}

func TestMetricsCollector_Summarize(t *testing.T) {
	c := NewMetricsCollector(200)
	for i := 1; i <= 100; i++ {
		c.Record(MetricOpLatency, float64(i), nil)
	}

	s := c.Summarize(MetricOpLatency, time.Time{})
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 5050.0, s.Sum)
	assert.Equal(t, 50.5, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 100.0, s.Max)
	assert.InDelta(t, 50.5, s.P50, 0.01)
	assert.InDelta(t, 95.05, s.P95, 0.01)
	assert.InDelta(t, 99.01, s.P99, 0.01)
}

func TestMetricsCollector_SummarizeEmpty(t *testing.T) {
	c := NewMetricsCollector(10)
	assert.Equal(t, Summary{}, c.Summarize(MetricOpLatency, time.Time{}))
}

func TestMetricsCollector_Reset(t *testing.T) {
	c := NewMetricsCollector(10)
	c.Record(MetricOpLatency, 1, nil)
	c.Increment("ops")

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Counter("ops"))
}

func TestMetricsCollector_ConcurrentAccess(t *testing.T) {
	c := NewMetricsCollector(1000)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				c.Record(MetricOpLatency, float64(i), Labels{"g": fmt.Sprint(g)})
				c.Increment("total")
				c.Query(MetricOpLatency, time.Time{})
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	assert.Equal(t, 400, c.Len())
	assert.Equal(t, int64(400), c.Counter("total"))
}
