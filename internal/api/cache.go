package api

import (
	"time"

	"github.com/tokenwatch/monitor/internal/models"
)

// getMonitoringData returns the cached MonitoringData composite if it is
// younger than snapshotTTL, otherwise rebuilds it. Concurrent callers
// racing a cache miss collapse onto a single rebuild via cacheGroup.
func (m *Monitor) getMonitoringData() (*MonitoringData, error) {
	m.cacheMu.Lock()
	if m.cached != nil && time.Since(m.cachedAt) < snapshotTTL {
		cached := m.cached
		m.cacheMu.Unlock()
		return cached, nil
	}
	m.cacheMu.Unlock()

	v, err, _ := m.cacheGroup.Do("monitoring-data", func() (interface{}, error) {
		data := m.buildMonitoringData()
		m.cacheMu.Lock()
		m.cached = data
		m.cachedAt = time.Now()
		m.cacheMu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MonitoringData), nil
}

func (m *Monitor) buildMonitoringData() *MonitoringData {
	now := time.Now()
	enforcement, _ := m.enforcer.GetCurrentStatus()
	return &MonitoringData{
		SystemHealth: m.health.Snapshot(now),
		TokenMetrics: m.dashboard.GetCurrentMetrics(),
		Enforcement:  enforcement,
		Detections:   m.detector.RecentEvents(),
		Performance:  m.dashboard.GetPerformanceMetrics(),
		Alerts:       m.alerts.ActiveAlerts(),
		Projections:  m.accountant.GetLimitPredictions(),
	}
}

// getTUIData adapts getMonitoringData's composite into the compact shape
// the terminal dashboard polls, adding a 24h trend series.
func (m *Monitor) getTUIData() (*TUIData, error) {
	data, err := m.getMonitoringData()
	if err != nil {
		return nil, err
	}

	var totalTokens int64
	var totalCost float64
	for _, p := range m.accountant.GetProviderUsage() {
		totalTokens += p.TotalTokens
		totalCost += p.TotalCost
	}

	return &TUIData{
		Summary: TUISummary{
			Status:       data.SystemHealth.Status,
			TotalTokens:  totalTokens,
			TotalCost:    totalCost,
			ActiveAlerts: len(data.Alerts),
			ActiveAgents: countRunning(data.SystemHealth.Components),
		},
		Details: *data,
		Trends:  m.dashboard.GetMetricsHistory(24),
	}, nil
}

func countRunning(components map[string]models.ComponentHealth) int {
	var n int
	for _, c := range components {
		if c.Status == models.ComponentRunning {
			n++
		}
	}
	return n
}

// invalidateCache drops the cached composite so the next read rebuilds
// it immediately, used whenever a bus event signals the underlying data
// changed (usage recorded, enforcement triggered, alert state changed).
func (m *Monitor) invalidateCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cached = nil
}
