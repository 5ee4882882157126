package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenwatch/monitor/internal/accountant"
	"github.com/tokenwatch/monitor/internal/alerts"
	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/dashboard"
	"github.com/tokenwatch/monitor/internal/detector"
	"github.com/tokenwatch/monitor/internal/enforcer"
	"github.com/tokenwatch/monitor/internal/models"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	b := bus.New()
	acc := accountant.New(b, filepath.Join(t.TempDir(), "accountant.json"))
	enf := enforcer.New(b, enforcer.Config{})
	det := detector.New(detector.NewRegistry(), b, detector.Config{})
	engine := alerts.New(b, func(models.ActionSpec, models.AlertInstance, models.AlertRule) error {
		return nil
	}, time.Second, time.Hour)
	dash := dashboard.New(dashboard.Sources{
		ProviderUsage:    acc.GetProviderUsage,
		LimitPredictions: acc.GetLimitPredictions,
		ActiveAlerts:     engine.ActiveAlerts,
		ActiveAgents:     func() int { return 0 },
	}, time.Hour, 24)

	return NewMonitor(b, acc, enf, dash, engine, det)
}

func TestHealthTrackerAgesComponents(t *testing.T) {
	h := NewHealthTracker()
	now := time.Now()
	h.Touch("detector", now)

	fresh := h.Snapshot(now)
	if fresh.Status != models.HealthHealthy {
		t.Fatalf("expected healthy immediately after touch, got %v", fresh.Status)
	}

	degraded := h.Snapshot(now.Add(models.DegradedAfter + time.Second))
	if degraded.Status != models.HealthDegraded {
		t.Fatalf("expected degraded after DegradedAfter, got %v", degraded.Status)
	}

	errored := h.Snapshot(now.Add(models.ErrorAfter + time.Second))
	if errored.Status != models.HealthCritical {
		t.Fatalf("expected critical after ErrorAfter, got %v", errored.Status)
	}
}

func TestMonitorLifecycleStartStop(t *testing.T) {
	m := newTestMonitor(t)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	data, err := m.getMonitoringData()
	if err != nil {
		t.Fatalf("getMonitoringData: %v", err)
	}
	if data == nil {
		t.Fatal("expected non-nil monitoring data")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGetMonitoringDataCachesWithinTTL(t *testing.T) {
	m := newTestMonitor(t)
	first, err := m.getMonitoringData()
	if err != nil {
		t.Fatalf("getMonitoringData: %v", err)
	}
	second, err := m.getMonitoringData()
	if err != nil {
		t.Fatalf("getMonitoringData: %v", err)
	}
	if first != second {
		t.Fatal("expected cached pointer to be reused within TTL")
	}
}

func TestInvalidateCacheForcesRebuild(t *testing.T) {
	m := newTestMonitor(t)
	first, err := m.getMonitoringData()
	if err != nil {
		t.Fatalf("getMonitoringData: %v", err)
	}
	m.invalidateCache()
	second, err := m.getMonitoringData()
	if err != nil {
		t.Fatalf("getMonitoringData: %v", err)
	}
	if first == second {
		t.Fatal("expected invalidateCache to force a new composite")
	}
}

func TestBuildResolverResolvesSystemMetrics(t *testing.T) {
	m := newTestMonitor(t)
	m.Snapshot(time.Now())
	resolve := m.buildResolver()

	if _, ok := resolve("system.active_components"); !ok {
		t.Error("expected system.active_components to resolve")
	}
	if _, ok := resolve("not.a.real.metric"); ok {
		t.Error("expected unknown metric to not resolve")
	}
}

func TestHandleSystemHealthReturnsJSON(t *testing.T) {
	m := newTestMonitor(t)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()

	var health models.SystemHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHandleDetectionEventsFiltersByMinutes(t *testing.T) {
	m := newTestMonitor(t)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/detections?minutes=5")
	if err != nil {
		t.Fatalf("GET /api/detections: %v", err)
	}
	defer resp.Body.Close()

	var events []models.DetectionEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHandleDetectionEventsRejectsInvalidMinutes(t *testing.T) {
	m := newTestMonitor(t)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/detections?minutes=notanumber")
	if err != nil {
		t.Fatalf("GET /api/detections: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
