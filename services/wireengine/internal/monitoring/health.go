package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/redbco/binderwire/pkg/logger"
)

// HealthStatus represents the health status of a component.
type HealthStatus struct {
	Status    string
	Message   string
	LastCheck time.Time
	Details   map[string]interface{}
}

// ConnectionProbe is the subset of a connection's wire-level state the
// health checker needs: whether the SETUP_TRANSPORT handshake has
// completed.
type ConnectionProbe interface {
	Connected() bool
}

// HealthChecker periodically checks the health of registered connections.
// Grounded on redb-open's node/storage/network health-check structure,
// generalized from a fixed set of subsystems to an open registry of
// connections since a wire engine process may host an arbitrary number of
// them.
type HealthChecker struct {
	logger *logger.Logger
	mu     sync.RWMutex

	connections map[string]ConnectionProbe
	status      map[string]*HealthStatus

	checkInterval time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(log *logger.Logger) *HealthChecker {
	return &HealthChecker{
		logger:        log,
		connections:   make(map[string]ConnectionProbe),
		status:        make(map[string]*HealthStatus),
		checkInterval: 30 * time.Second,
	}
}

// RegisterConnection adds a connection to the health rotation under name.
func (h *HealthChecker) RegisterConnection(name string, probe ConnectionProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[name] = probe
	h.status[name] = &HealthStatus{Status: "unknown"}
}

// UnregisterConnection removes a connection from the health rotation.
func (h *HealthChecker) UnregisterConnection(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connections, name)
	delete(h.status, name)
}

// Start starts the periodic health-check loop.
func (h *HealthChecker) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.checkAll()
			}
		}
	}()

	return nil
}

func (h *HealthChecker) checkAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, probe := range h.connections {
		st := h.status[name]
		if st == nil {
			st = &HealthStatus{}
			h.status[name] = st
		}
		st.LastCheck = time.Now()
		if probe.Connected() {
			st.Status = "healthy"
			st.Message = ""
		} else {
			st.Status = "unhealthy"
			st.Message = "handshake not complete"
			if h.logger != nil {
				h.logger.Warn("wireengine: connection %s failed health check", name)
			}
		}
	}
}

// ConnectionStatus returns the last-observed status of name.
func (h *HealthChecker) ConnectionStatus(name string) (*HealthStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.status[name]
	return st, ok
}

// AllStatuses returns a snapshot of every registered connection's status.
func (h *HealthChecker) AllStatuses() map[string]HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]HealthStatus, len(h.status))
	for name, st := range h.status {
		out[name] = *st
	}
	return out
}

// Overall reports "healthy" only if every registered connection is
// currently healthy; an empty registry is reported as healthy.
func (h *HealthChecker) Overall() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, st := range h.status {
		if st.Status != "healthy" {
			return "unhealthy"
		}
	}
	return "healthy"
}
