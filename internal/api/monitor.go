package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/accountant"
	"github.com/tokenwatch/monitor/internal/alerts"
	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/dashboard"
	"github.com/tokenwatch/monitor/internal/detector"
	"github.com/tokenwatch/monitor/internal/enforcer"
	"github.com/tokenwatch/monitor/internal/models"
)

// snapshotTTL is the lifetime of a getMonitoringData()/getTUIData()
// composite before the next call rebuilds it.
const snapshotTTL = 5 * time.Second

// feederInterval is how often the Integration layer pushes a fresh
// provider/enforcement/health reading into the alerting engine's
// resolver.
const feederInterval = 30 * time.Second

// resetQuiesce is how long Reset waits between Stop and Start.
const resetQuiesce = time.Second

// MonitoringData is the composite getMonitoringData() returns.
type MonitoringData struct {
	SystemHealth models.SystemHealth            `json:"systemHealth"`
	TokenMetrics *models.UnifiedTokenMetrics     `json:"tokenMetrics"`
	Enforcement  []models.ComponentUsage         `json:"enforcement"`
	Detections   []models.DetectionEvent         `json:"detections"`
	Performance  models.PerformanceMetrics       `json:"performance"`
	Alerts       []models.AlertInstance          `json:"alerts"`
	Projections  []models.LimitPrediction        `json:"projections"`
}

// TUISummary is the compact top line of getTUIData().
type TUISummary struct {
	Status        models.SystemHealthLevel `json:"status"`
	TotalTokens   int64                    `json:"totalTokens"`
	TotalCost     float64                  `json:"totalCost"`
	ActiveAlerts  int                      `json:"activeAlerts"`
	ActiveAgents  int                      `json:"activeAgents"`
}

// TUIData is the UI-ready shape returned by getTUIData().
type TUIData struct {
	Summary TUISummary                       `json:"summary"`
	Details MonitoringData                   `json:"details"`
	Trends  []models.UnifiedTokenMetrics      `json:"trends"`
}

// Monitor composes C3-C6 (Accountant, Enforcer, Dashboard Aggregator,
// Alerting Engine) and C2 (Detector) into C7, the health-aware read
// API. Lifecycle follows Initialize -> Start -> Stop -> Reset, in that
// composition order, reversed on Stop — the same
// ordered-teardown shape as internal/ai/investigation/orchestrator.go's
// Shutdown.
type Monitor struct {
	bus        *bus.Bus
	accountant *accountant.Accountant
	enforcer   *enforcer.Enforcer
	dashboard  *dashboard.Aggregator
	alerts     *alerts.Engine
	detector   *detector.Detector

	health *HealthTracker

	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	cacheMu    sync.Mutex
	cached     *MonitoringData
	cachedAt   time.Time
	cacheGroup singleflight.Group
}

// NewMonitor wires a Monitor from already-constructed components; it
// does not start any goroutines until Start is called.
func NewMonitor(b *bus.Bus, acc *accountant.Accountant, enf *enforcer.Enforcer, dash *dashboard.Aggregator, alertEngine *alerts.Engine, det *detector.Detector) *Monitor {
	return &Monitor{
		bus:        b,
		accountant: acc,
		enforcer:   enf,
		dashboard:  dash,
		alerts:     alertEngine,
		detector:   det,
		health:     NewHealthTracker(),
		stop:       make(chan struct{}),
	}
}

// Initialize loads the accountant's persisted state and wires bus
// handlers so the health tracker and cache invalidation stay current.
func (m *Monitor) Initialize() error {
	if err := m.accountant.Load(); err != nil {
		log.Warn().Err(err).Msg("api: failed to load persisted accountant state, starting empty")
	}

	now := time.Now()
	for _, component := range []string{"detector", "accountant", "enforcer", "dashboard", "alerts"} {
		m.health.Touch(component, now)
	}

	invalidate := func(bus.Event) { m.invalidateCache() }
	for _, kind := range []bus.EventKind{
		bus.EventUsageRecorded, bus.EventEnforcementTrigger,
		bus.EventAlertTriggered, bus.EventAlertEscalated,
		bus.EventAlertAcknowledged, bus.EventAlertResolved,
	} {
		m.bus.Subscribe(kind, invalidate)
	}
	return nil
}

// Start performs an initial health check and launches the dashboard
// aggregator, alerting engine, and periodic feeder loops under a
// shared errgroup, matching the context-first fan-out style of
// internal/ai/investigation/orchestrator.go, generalized from one
// investigation's goroutines to C7's whole component set.
func (m *Monitor) Start(ctx context.Context) error {
	m.Snapshot(time.Now())

	g, _ := errgroup.WithContext(ctx)
	m.wg.Add(1)
	g.Go(func() error {
		defer m.wg.Done()
		m.dashboard.Run(m.stop)
		return nil
	})
	m.wg.Add(1)
	g.Go(func() error {
		defer m.wg.Done()
		m.alerts.Run(m.stop)
		return nil
	})
	m.wg.Add(1)
	g.Go(func() error {
		defer m.wg.Done()
		m.runFeeder()
		return nil
	})

	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("api: a background loop exited with an error")
		}
	}()

	m.bus.Publish(bus.Event{Kind: bus.EventStarted})
	return nil
}

// Stop signals every background loop to exit, waits for them to drain,
// and flushes accountant persistence — the reverse of Start's
// composition order.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.bus.Publish(bus.Event{Kind: bus.EventStopped})
	return m.accountant.Flush()
}

// Reset stops, quiesces briefly, and starts the same components again; it
// takes no configuration, so a reloaded config is not applied by it.
func (m *Monitor) Reset(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return err
	}
	time.Sleep(resetQuiesce)
	m.stop = make(chan struct{})
	m.stopOnce = sync.Once{}
	return m.Start(ctx)
}

// runFeeder pushes {providers, enforcement, systemHealth} into the
// alerting engine's resolver every feederInterval, so threshold rules
// read fresh values without the engine importing accountant/enforcer
// directly.
func (m *Monitor) runFeeder() {
	ticker := time.NewTicker(feederInterval)
	defer ticker.Stop()

	m.feedOnce()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.feedOnce()
		}
	}
}

func (m *Monitor) feedOnce() {
	now := time.Now()
	m.health.Touch("dashboard", now)
	m.health.Touch("alerts", now)
	m.alerts.SetResolver(m.buildResolver())
}

// Snapshot forces a fresh health check and touches every component's
// last-check time; used by Start and can be called directly by an API
// handler wanting an uncached health read.
func (m *Monitor) Snapshot(now time.Time) {
	m.health.Touch("detector", now)
	m.health.Touch("accountant", now)
	m.health.Touch("enforcer", now)
}
