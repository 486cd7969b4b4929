package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/redbco/binderwire/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	collector := NewMetricsCollector(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, collector.Start(ctx, 5*time.Millisecond))

	t.Run("ConnectionMetrics", func(t *testing.T) {
		collector.UpdateConnectionCredit("conn1", 32768, 16384)
		collector.UpdateConnectionInbound("conn1", 8192)
		collector.RecordStreamOpened("conn1")
		collector.RecordStreamOpened("conn1")
		collector.RecordStreamCancelled("conn1")

		m := collector.ConnectionMetrics("conn1")
		assert.Equal(t, int64(32768), m["outgoing_bytes"])
		assert.Equal(t, int64(16384), m["acknowledged_bytes"])
		assert.Equal(t, int64(8192), m["inbound_bytes"])
		assert.Equal(t, int64(2), m["streams_opened"])
		assert.Equal(t, int64(1), m["streams_cancelled"])
	})

	t.Run("TransactionMetrics", func(t *testing.T) {
		collector.RecordTransaction("/echo", 100*time.Millisecond, 1024, nil)
		collector.RecordTransaction("/echo", 200*time.Millisecond, 2048, assert.AnError)

		metrics := collector.TransactionMetrics()
		assert.Contains(t, metrics, "/echo")

		echo := metrics["/echo"].(map[string]interface{})
		assert.Equal(t, int64(2), echo["count"])
		assert.Equal(t, 200*time.Millisecond, echo["latency"])
		assert.Equal(t, int64(1), echo["errors"])
		assert.Equal(t, int64(3072), echo["bytes"])
	})

	t.Run("AllMetrics", func(t *testing.T) {
		metrics := collector.AllMetrics([]string{"conn1"})
		assert.Contains(t, metrics, "connections")
		assert.Contains(t, metrics, "transactions")

		conns := metrics["connections"].(map[string]interface{})
		assert.Contains(t, conns, "conn1")
	})
}

func TestMetricsCollectorConcurrentUpdates(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	collector := NewMetricsCollector(log)

	const n = 100
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			collector.RecordTransaction("/echo", time.Millisecond, 1, nil)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	metrics := collector.TransactionMetrics()
	echo := metrics["/echo"].(map[string]interface{})
	assert.Equal(t, int64(n), echo["count"])
}
