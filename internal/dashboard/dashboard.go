// Package dashboard implements the Dashboard Aggregator (C5): a
// periodic snapshot of UnifiedTokenMetrics built from the accountant's
// rolled-up usage and limit predictions and the alerting engine's
// active instances, with a bounded rolling history for trend queries.
package dashboard

import (
	"sync"
	"time"

	"github.com/tokenwatch/monitor/internal/models"
	"github.com/tokenwatch/monitor/internal/utils"
)

// DefaultInterval is the snapshot cadence: one per minute, unless
// configured otherwise.
const DefaultInterval = time.Minute

// DefaultRetentionHours bounds the in-memory history ring.
const DefaultRetentionHours = 24

// Sources is the read-only surface the Aggregator polls each tick. A
// real wiring passes accountant.Accountant/the alerting engine
// through small adapter closures so this package
// doesn't import them directly and create an import cycle with C6,
// which itself reads dashboard-produced metrics via a resolver.
type Sources struct {
	ProviderUsage    func() []models.ProviderUsageSummary
	LimitPredictions func() []models.LimitPrediction
	ActiveAlerts     func() []models.AlertInstance
	ActiveAgents     func() int
}

// Aggregator produces UnifiedTokenMetrics snapshots on a ticker and
// keeps a capped rolling history for getMetricsHistory. Readers get a
// shared-immutable pointer to the latest snapshot — snapshots are never
// mutated after being stored, so no partial observation is possible
// without additional locking on the reader's part.
type Aggregator struct {
	sources  Sources
	interval time.Duration

	mu      sync.RWMutex
	latest  *models.UnifiedTokenMetrics
	history *utils.Queue[models.UnifiedTokenMetrics]

	perf models.PerformanceMetrics
}

// New returns an Aggregator with no snapshot yet taken.
func New(sources Sources, interval time.Duration, retentionHours int) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retentionHours <= 0 {
		retentionHours = DefaultRetentionHours
	}
	ringSize := int(time.Duration(retentionHours) * time.Hour / interval)
	if ringSize < 1 {
		ringSize = 1
	}
	return &Aggregator{
		sources:  sources,
		interval: interval,
		history:  utils.New[models.UnifiedTokenMetrics](ringSize),
	}
}

// Run blocks, taking a snapshot immediately and then every interval,
// until stop is closed. Callers typically launch this in its own
// goroutine.
func (a *Aggregator) Run(stop <-chan struct{}) {
	a.snapshot()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.snapshot()
		}
	}
}

func (a *Aggregator) snapshot() {
	start := time.Now()

	providerUsage := a.sources.ProviderUsage()
	projections := a.sources.LimitPredictions()
	alerts := a.sources.ActiveAlerts()
	activeAgents := 0
	if a.sources.ActiveAgents != nil {
		activeAgents = a.sources.ActiveAgents()
	}

	perProvider := make(map[models.ProviderID]models.ProviderUsageSummary, len(providerUsage))
	var totalTokens int64
	var totalCost float64
	for _, s := range providerUsage {
		perProvider[s.ProviderID] = s
		totalTokens += s.TotalTokens
		totalCost += s.TotalCost
	}

	snap := models.UnifiedTokenMetrics{
		TotalTokensUsed:    totalTokens,
		TotalCost:          totalCost,
		ActiveAgents:       activeAgents,
		Alerts:             alerts,
		Projections:        projections,
		PerProviderSummary: perProvider,
		Timestamp:          time.Now(),
	}

	elapsed := time.Since(start)

	a.mu.Lock()
	a.latest = &snap
	a.history.Push(snap)
	a.perf.SnapshotsTaken++
	if a.perf.SnapshotsTaken == 1 {
		a.perf.AvgSnapshotTime = elapsed
	} else {
		a.perf.AvgSnapshotTime = (a.perf.AvgSnapshotTime*time.Duration(a.perf.SnapshotsTaken-1) + elapsed) / time.Duration(a.perf.SnapshotsTaken)
	}
	a.perf.HistoryLength = a.history.Len()
	a.perf.Timestamp = time.Now()
	a.mu.Unlock()
}

// GetCurrentMetrics returns the latest snapshot, or nil if none has
// been taken yet.
func (a *Aggregator) GetCurrentMetrics() *models.UnifiedTokenMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// GetMetricsHistory returns every retained snapshot younger than
// now-hours, oldest first.
func (a *Aggregator) GetMetricsHistory(hours float64) []models.UnifiedTokenMetrics {
	cutoff := time.Now().Add(-time.Duration(hours * float64(time.Hour)))

	a.mu.RLock()
	all := a.history.Snapshot()
	a.mu.RUnlock()

	out := make([]models.UnifiedTokenMetrics, 0, len(all))
	for _, snap := range all {
		if snap.Timestamp.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// GetPerformanceMetrics returns the aggregator's own process counters.
func (a *Aggregator) GetPerformanceMetrics() models.PerformanceMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.perf
}
