package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/redbco/binderwire/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	connected bool
}

func (f *fakeProbe) Connected() bool { return f.connected }

func TestHealthCheckerTracksRegisteredConnections(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	checker := NewHealthChecker(log)
	checker.checkInterval = 10 * time.Millisecond

	good := &fakeProbe{connected: true}
	bad := &fakeProbe{connected: false}
	checker.RegisterConnection("good", good)
	checker.RegisterConnection("bad", bad)

	st, ok := checker.ConnectionStatus("good")
	require.True(t, ok)
	assert.Equal(t, "unknown", st.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, checker.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	goodStatus, ok := checker.ConnectionStatus("good")
	require.True(t, ok)
	assert.Equal(t, "healthy", goodStatus.Status)

	badStatus, ok := checker.ConnectionStatus("bad")
	require.True(t, ok)
	assert.Equal(t, "unhealthy", badStatus.Status)

	assert.Equal(t, "unhealthy", checker.Overall())
}

func TestHealthCheckerUnregister(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	checker := NewHealthChecker(log)

	checker.RegisterConnection("conn", &fakeProbe{connected: true})
	checker.UnregisterConnection("conn")

	_, ok := checker.ConnectionStatus("conn")
	assert.False(t, ok)
}

func TestHealthCheckerOverallEmptyIsHealthy(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	checker := NewHealthChecker(log)

	assert.Equal(t, "healthy", checker.Overall())
}

func TestHealthCheckerConcurrentRegistration(t *testing.T) {
	log := logger.New("wireengine-test", "1.0.0")
	checker := NewHealthChecker(log)

	const n = 100
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			checker.RegisterConnection("conn", &fakeProbe{connected: i%2 == 0})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	_, ok := checker.ConnectionStatus("conn")
	assert.True(t, ok)
}
