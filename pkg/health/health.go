// Package health implements the health monitor: a periodic heartbeat
// scan over the component registry that drives ACTIVE/INACTIVE
// transitions and a cluster health score, grounded on the background
// ticker/stopCh worker shape used throughout this codebase.
package health

import (
	"sync"
	"time"

	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultScanInterval is how often the monitor scans the registry.
const DefaultScanInterval = 10 * time.Second

// DefaultHeartbeatTimeout is how long a component may go without a
// heartbeat before being marked INACTIVE.
const DefaultHeartbeatTimeout = 30 * time.Second

// Status is the cluster-wide status an overall health summary reports.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Summary is the health monitor's report.
type Summary struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Inactive    int            `json:"inactive"`
	ByType      map[string]int `json:"by_type"`
	HealthScore float64        `json:"health_score"`
	Status      Status         `json:"status"`
}

// Monitor periodically scans the registry and maintains component
// liveness state.
type Monitor struct {
	store            storage.Store
	scanInterval     time.Duration
	heartbeatTimeout time.Duration
	logger           zerolog.Logger
	mu               sync.RWMutex
	stopCh           chan struct{}
	now              func() time.Time
}

func New(store storage.Store, scanInterval, heartbeatTimeout time.Duration) *Monitor {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Monitor{
		store:            store,
		scanInterval:     scanInterval,
		heartbeatTimeout: heartbeatTimeout,
		logger:           log.WithComponent("health"),
		stopCh:           make(chan struct{}),
		now:              time.Now,
	}
}

// Start launches the scan loop in the background.
func (m *Monitor) Start() {
	go m.run()
}

// Stop signals the scan loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("health monitor started")

	for {
		select {
		case <-ticker.C:
			if err := m.Scan(); err != nil {
				m.logger.Error().Err(err).Msg("health scan failed")
			}
		case <-m.stopCh:
			m.logger.Info().Msg("health monitor stopped")
			return
		}
	}
}

// Scan performs one heartbeat-timeout pass: components whose heartbeat
// is stale transition to INACTIVE (emitting COMPONENT_INACTIVE);
// components with a fresh heartbeat that were INACTIVE transition back
// to ACTIVE (emitting COMPONENT_RECOVERED).
func (m *Monitor) Scan() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components, err := m.store.ListComponents()
	if err != nil {
		return err
	}

	now := m.now()
	for _, c := range components {
		stale := now.Sub(c.LastHeartbeat) > m.heartbeatTimeout

		if stale && c.Status == types.ComponentActive {
			c.Status = types.ComponentInactive
			if err := m.store.UpdateComponent(c); err != nil {
				return err
			}
			_ = m.store.AppendEvent(&types.Event{
				Type:      types.EventComponentInactive,
				Message:   "component " + c.ComponentID + " missed heartbeat deadline",
				Timestamp: now,
			})
			continue
		}

		if !stale && c.Status == types.ComponentInactive {
			c.Status = types.ComponentActive
			if err := m.store.UpdateComponent(c); err != nil {
				return err
			}
			_ = m.store.AppendEvent(&types.Event{
				Type:      types.EventComponentRecovered,
				Message:   "component " + c.ComponentID + " heartbeat recovered",
				Timestamp: now,
			})
		}
	}
	return nil
}

// Summarize computes the current cluster health summary.
func (m *Monitor) Summarize() (*Summary, error) {
	components, err := m.store.ListComponents()
	if err != nil {
		return nil, err
	}

	s := &Summary{ByType: make(map[string]int)}
	for _, c := range components {
		s.Total++
		s.ByType[string(c.ComponentType)]++
		if c.Status == types.ComponentActive {
			s.Active++
		} else {
			s.Inactive++
		}
	}

	if s.Total == 0 {
		s.Status = StatusCritical
		return s, nil
	}

	s.HealthScore = float64(s.Active) / float64(s.Total) * 100
	metrics.ClusterHealthScore.Set(s.HealthScore)
	metrics.ComponentsInactiveTotal.Set(float64(s.Inactive))

	switch {
	case s.Active == s.Total:
		s.Status = StatusHealthy
	case s.Inactive == s.Total:
		s.Status = StatusCritical
	case s.Active >= s.Total/2+s.Total%2:
		s.Status = StatusWarning
	default:
		s.Status = StatusDegraded
	}

	return s, nil
}
