package accountant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

// DefaultMaxDays is the rolling retention window applied to UsageRecords
// on load and on each trim pass.
const DefaultMaxDays = 30

const saveDebounce = 2 * time.Second

// persistedFile is the on-disk shape of the accountant's single JSON
// persistence file.
type persistedFile struct {
	Version      int                  `json:"version"`
	Providers    []models.Provider    `json:"providers"`
	UsageRecords []models.UsageRecord `json:"usageRecords"`
	LastSaved    time.Time            `json:"lastSaved"`
}

// BudgetThresholdFunc is invoked when a provider's (or entity's) spend
// crosses one of its configured budget thresholds, outside any lock.
type BudgetThresholdFunc func(providerID models.ProviderID, entity string, threshold, current float64)

// Accountant is the Attribute→price→persist→rollup engine (C3). The
// in-memory record store is serialized behind a single mutex
// (single-writer/multi-reader); persistence to disk happens off a
// debounced timer so bursts of concurrent recorders don't serialize on
// file I/O.
type Accountant struct {
	table *ProviderTable
	bus   *bus.Bus

	persistPath string
	maxDays     int

	mu      sync.RWMutex
	records []models.UsageRecord

	entityCost map[string]float64 // per-entity running cost, for per-entity allocation

	budgetMu       sync.Mutex
	monthlyBudget  map[models.ProviderID]float64
	budgetThreshes []float64 // ascending, e.g. 0.5, 0.8, 1.0
	notifiedAt     map[string]float64 // providerID -> highest threshold already notified
	onThreshold    BudgetThresholdFunc

	saveMu      sync.Mutex
	savePending bool
	saveTimer   *time.Timer
}

// New returns an Accountant seeded with the built-in provider table,
// persisting to persistPath.
func New(b *bus.Bus, persistPath string) *Accountant {
	return &Accountant{
		table:         NewProviderTable(),
		bus:           b,
		persistPath:   persistPath,
		maxDays:       DefaultMaxDays,
		entityCost:    make(map[string]float64),
		monthlyBudget: make(map[models.ProviderID]float64),
		notifiedAt:    make(map[string]float64),
	}
}

// Providers exposes the underlying provider table for read access (API
// layer, dashboard).
func (a *Accountant) Providers() *ProviderTable { return a.table }

// SetMonthlyBudget configures a provider's monthly USD budget and the
// ascending fractional thresholds (e.g. 0.5, 0.8, 1.0) at which
// cost:threshold events fire. Grounded on gogrid's
// Tracker.OnBudgetThreshold.
func (a *Accountant) SetMonthlyBudget(providerID models.ProviderID, budget float64, thresholds ...float64) {
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)

	a.budgetMu.Lock()
	a.monthlyBudget[providerID] = budget
	a.budgetThreshes = sorted
	a.budgetMu.Unlock()
}

// SetOnBudgetThreshold registers the callback fired when a provider
// crosses a budget threshold. Only one callback is supported; the bus
// event (EventCostThreshold) is always published regardless.
func (a *Accountant) SetOnBudgetThreshold(fn BudgetThresholdFunc) {
	a.budgetMu.Lock()
	a.onThreshold = fn
	a.budgetMu.Unlock()
}

// Subscribe wires a into the bus's detection stream, so every
// DetectionEvent the Detector publishes is attributed and recorded
// without a caller having to invoke RecordFromDetection directly.
// Grounded on internal/metrics/wiring.go's Subscribe.
func Subscribe(b *bus.Bus, a *Accountant) {
	b.Subscribe(bus.EventDetection, func(ev bus.Event) {
		if ev.Detection == nil {
			return
		}
		a.RecordFromDetection(*ev.Detection)
	})
}

// RecordFromDetection attributes a DetectionEvent and records it as a
// UsageRecord. Attribution failures are dropped and logged, never
// propagated as an error to the caller.
func (a *Accountant) RecordFromDetection(ev models.DetectionEvent) (models.UsageRecord, bool) {
	blob := attributionBlob(ev)
	providerID, modelID, ok := a.table.Attribute(blob)
	if !ok {
		log.Warn().Str("sourceId", ev.SourceID).Msg("accountant: attribution failed, dropping record")
		return models.UsageRecord{}, false
	}

	meta := ev.Metadata
	meta.Provider = providerID
	meta.Model = modelID

	return a.Record(providerID, modelID, meta.Agent, meta.Operation, ev.InputTokens, ev.OutputTokens, meta)
}

func attributionBlob(ev models.DetectionEvent) string {
	parts := []string{ev.RawLine, string(ev.Metadata.Provider), string(ev.Metadata.Model)}
	return strings.Join(parts, " ")
}

// Record prices and appends a UsageRecord for an already-attributed
// provider/model (the path
// used by explicit API calls as well as RecordFromDetection). A record
// with zero total tokens is rejected as a degenerate boundary case.
func (a *Accountant) Record(providerID models.ProviderID, modelID models.ModelID, agent models.AgentID, op models.OperationID, inputTokens, outputTokens int, meta models.MetadataEnvelope) (models.UsageRecord, bool) {
	if inputTokens == 0 && outputTokens == 0 {
		return models.UsageRecord{}, false
	}

	pricing, _ := a.table.PricingFor(providerID, modelID)
	cost := CostFor(pricing, inputTokens, outputTokens)

	rec := models.UsageRecord{
		ID:           models.NewRecordID(),
		Timestamp:    time.Now(),
		ProviderID:   providerID,
		ModelID:      modelID,
		AgentID:      agent,
		Operation:    op,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         cost,
		Currency:     "USD",
		Metadata:     meta,
	}
	if !rec.Valid() {
		return models.UsageRecord{}, false
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	if meta.Agent != "" {
		a.entityCost[string(meta.Agent)] += cost
	}
	a.mu.Unlock()

	a.scheduleSave()

	if a.bus != nil {
		a.bus.Publish(bus.Event{Kind: bus.EventUsageRecorded, Usage: &rec})
	}

	a.checkLimitWatch(providerID, agent)
	a.checkBudgetThreshold(providerID, cost)

	return rec, true
}

// checkLimitWatch re-evaluates the producing agent's daily usage for the
// provider and emits limit:warning (>90%) / limit:exceeded (>100%).
func (a *Accountant) checkLimitWatch(providerID models.ProviderID, agent models.AgentID) {
	provider, ok := a.table.Get(providerID)
	if !ok || provider.RateLimits.TokensPerDay <= 0 {
		return
	}

	daily := a.windowTokens(providerID, agent, 24*time.Hour)
	pct := float64(daily) / float64(provider.RateLimits.TokensPerDay) * 100

	if a.bus == nil {
		return
	}
	switch {
	case pct > 100:
		a.bus.Publish(bus.Event{Kind: bus.EventLimitExceeded, Limit: &bus.LimitPayload{ProviderID: providerID, AgentID: agent, Percentage: pct}})
	case pct > 90:
		a.bus.Publish(bus.Event{Kind: bus.EventLimitWarning, Limit: &bus.LimitPayload{ProviderID: providerID, AgentID: agent, Percentage: pct}})
	}
}

// checkBudgetThreshold fires cost:threshold the first time cumulative
// monthly spend crosses each configured fraction of the provider's
// budget, grounded on gogrid's Tracker.Add threshold-crossing scan.
func (a *Accountant) checkBudgetThreshold(providerID models.ProviderID, addedCost float64) {
	a.budgetMu.Lock()
	budget, hasBudget := a.monthlyBudget[providerID]
	thresholds := a.budgetThreshes
	a.budgetMu.Unlock()
	if !hasBudget || budget <= 0 {
		return
	}

	monthly := a.windowCost(providerID, 30*24*time.Hour)
	fraction := monthly / budget

	a.budgetMu.Lock()
	already := a.notifiedAt[string(providerID)]
	var crossed []float64
	for _, t := range thresholds {
		if fraction >= t && t > already {
			crossed = append(crossed, t)
		}
	}
	if len(crossed) > 0 {
		a.notifiedAt[string(providerID)] = crossed[len(crossed)-1]
	}
	cb := a.onThreshold
	a.budgetMu.Unlock()

	for _, t := range crossed {
		if cb != nil {
			cb(providerID, "", t, monthly)
		}
		if a.bus != nil {
			a.bus.Publish(bus.Event{Kind: bus.EventCostThreshold, CostAlert: &bus.CostThresholdPayload{
				ProviderID: providerID, Threshold: t, Current: monthly,
			}})
		}
	}
}

// EntityCost returns the running total cost attributed to a given agent
// identity, grounded on gogrid's per-entity cost allocation.
func (a *Accountant) EntityCost(agent models.AgentID) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entityCost[string(agent)]
}

// GetAgentCost is EntityCost with a plain string id, for callers (API
// handlers, dashboard consumers) that carry the agent identity as a bare
// string rather than a models.AgentID.
func (a *Accountant) GetAgentCost(agentID string) float64 {
	return a.EntityCost(models.AgentID(agentID))
}

func (a *Accountant) windowTokens(providerID models.ProviderID, agent models.AgentID, window time.Duration) int64 {
	cutoff := time.Now().Add(-window)
	var total int64
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.records {
		if r.ProviderID == providerID && r.AgentID == agent && r.Timestamp.After(cutoff) {
			total += int64(r.TotalTokens)
		}
	}
	return total
}

func (a *Accountant) windowCost(providerID models.ProviderID, window time.Duration) float64 {
	cutoff := time.Now().Add(-window)
	var total float64
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.records {
		if r.ProviderID == providerID && r.Timestamp.After(cutoff) {
			total += r.Cost
		}
	}
	return total
}

// GetProviderUsage returns, per enabled provider, totals plus
// daily/weekly/monthly windows and a derived status.
func (a *Accountant) GetProviderUsage() []models.ProviderUsageSummary {
	providers := a.table.List()
	out := make([]models.ProviderUsageSummary, 0, len(providers))

	a.mu.RLock()
	records := append([]models.UsageRecord(nil), a.records...)
	a.mu.RUnlock()

	now := time.Now()
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		var totalTokens int64
		var totalCost float64
		var totalRequests int64
		var daily, weekly, monthly models.ProviderUsageWindow
		byAgent := make(map[models.AgentID]float64)

		for _, r := range records {
			if r.ProviderID != p.ID {
				continue
			}
			totalTokens += int64(r.TotalTokens)
			totalCost += r.Cost
			totalRequests++
			if r.AgentID != "" {
				byAgent[r.AgentID] += r.Cost
			}

			age := now.Sub(r.Timestamp)
			if age <= 24*time.Hour {
				daily.Tokens += int64(r.TotalTokens)
				daily.Cost += r.Cost
			}
			if age <= 7*24*time.Hour {
				weekly.Tokens += int64(r.TotalTokens)
				weekly.Cost += r.Cost
			}
			if age <= 30*24*time.Hour {
				monthly.Tokens += int64(r.TotalTokens)
				monthly.Cost += r.Cost
			}
		}

		daily.Limit = int64(p.RateLimits.TokensPerDay)
		weekly.Limit = daily.Limit * 7
		monthly.Limit = daily.Limit * 30
		daily.Percentage = pctOf(daily.Tokens, daily.Limit)
		weekly.Percentage = pctOf(weekly.Tokens, weekly.Limit)
		monthly.Percentage = pctOf(monthly.Tokens, monthly.Limit)

		maxPct := daily.Percentage
		if weekly.Percentage > maxPct {
			maxPct = weekly.Percentage
		}
		if monthly.Percentage > maxPct {
			maxPct = monthly.Percentage
		}

		var avgTokens float64
		if totalRequests > 0 {
			avgTokens = float64(totalTokens) / float64(totalRequests)
		}

		out = append(out, models.ProviderUsageSummary{
			ProviderID:      p.ID,
			TotalTokens:     totalTokens,
			TotalCost:       totalCost,
			TotalRequests:   totalRequests,
			AvgTokensPerReq: avgTokens,
			Daily:           daily,
			Weekly:          weekly,
			Monthly:         monthly,
			Status:          models.UsageStatusForPercentage(maxPct),
			RateLimited:     a.table.IsRateLimited(p.ID),
			ByAgent:         byAgent,
		})
	}
	return out
}

func pctOf(value, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(value) / float64(limit) * 100
}

// GetLimitPredictions projects each provider's hours-to-limit,
// computed only for providers with at least 3 records in the trailing
// 24h.
func (a *Accountant) GetLimitPredictions() []models.LimitPrediction {
	a.mu.RLock()
	records := append([]models.UsageRecord(nil), a.records...)
	a.mu.RUnlock()

	now := time.Now()
	byProvider := make(map[models.ProviderID][]models.UsageRecord)
	for _, r := range records {
		if now.Sub(r.Timestamp) <= 24*time.Hour {
			byProvider[r.ProviderID] = append(byProvider[r.ProviderID], r)
		}
	}

	var out []models.LimitPrediction
	for providerID, recs := range byProvider {
		if len(recs) < 3 {
			continue
		}
		provider, ok := a.table.Get(providerID)
		if !ok || provider.RateLimits.TokensPerDay <= 0 {
			continue
		}

		hourly := make([]float64, 24)
		var dailyUsage float64
		for _, r := range recs {
			hoursAgo := int(now.Sub(r.Timestamp).Hours())
			if hoursAgo >= 0 && hoursAgo < 24 {
				hourly[hoursAgo] += float64(r.TotalTokens)
			}
			dailyUsage += float64(r.TotalTokens)
		}

		mean := average(hourly)
		variance := varianceOf(hourly, mean)
		confidence := 0.1
		if mean > 0 {
			confidence = max(0.1, 1-variance/(mean*mean))
		}

		if mean <= 0 {
			continue
		}
		hoursToLimit := (float64(provider.RateLimits.TokensPerDay) - dailyUsage) / mean

		var rec models.Recommendation
		switch {
		case hoursToLimit < 2:
			rec = models.RecommendStop
		case hoursToLimit < 6:
			rec = models.RecommendCaution
		case hoursToLimit < 12 && confidence < 0.5:
			rec = models.RecommendUpgrade
		default:
			rec = models.RecommendContinue
		}

		out = append(out, models.LimitPrediction{
			ProviderID:     providerID,
			AvgHourly:      mean,
			HoursToLimit:   hoursToLimit,
			Confidence:     confidence,
			Recommendation: rec,
		})
	}
	return out
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}

// ListEvents returns records from the last `since` duration.
func (a *Accountant) ListEvents(since time.Duration) []models.UsageRecord {
	cutoff := time.Now().Add(-since)
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.UsageRecord, 0)
	for _, r := range a.records {
		if r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// trimLocked drops records older than maxDays. Caller must hold a.mu.
func (a *Accountant) trimLocked() {
	cutoff := time.Now().AddDate(0, 0, -a.maxDays)
	kept := a.records[:0]
	for _, r := range a.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	a.records = kept
}

// scheduleSave debounces persistence so bursts of concurrent Record calls
// collapse into a single write.
func (a *Accountant) scheduleSave() {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if a.savePending {
		return
	}
	a.savePending = true
	a.saveTimer = time.AfterFunc(saveDebounce, func() {
		a.saveMu.Lock()
		a.savePending = false
		a.saveMu.Unlock()
		if err := a.Save(); err != nil {
			log.Error().Err(err).Msg("accountant: persistence failed, retaining in-memory state")
		}
	})
}

// Save replaces the persistence file with the current in-memory state.
// Writes are full-file, write-temp-then-rename for atomicity — an
// upgrade over a naive in-place full-file replace.
func (a *Accountant) Save() error {
	a.mu.Lock()
	a.trimLocked()
	snapshot := persistedFile{
		Version:      1,
		Providers:    a.table.List(),
		UsageRecords: append([]models.UsageRecord(nil), a.records...),
		LastSaved:    time.Now(),
	}
	a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.persistPath), 0o755); err != nil {
		return fmt.Errorf("accountant: creating persistence dir: %w", err)
	}

	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("accountant: marshaling persistence file: %w", err)
	}

	tmp := a.persistPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("accountant: writing temp persistence file: %w", err)
	}
	if err := os.Rename(tmp, a.persistPath); err != nil {
		return fmt.Errorf("accountant: publishing persistence file: %w", err)
	}
	return nil
}

// Flush forces an immediate synchronous save, canceling any pending
// debounced save. Callers should invoke this on clean shutdown so the
// most recently committed record is never lost.
func (a *Accountant) Flush() error {
	a.saveMu.Lock()
	if a.saveTimer != nil {
		a.saveTimer.Stop()
	}
	a.savePending = false
	a.saveMu.Unlock()
	return a.Save()
}

// Load reads the persistence file, if present, dropping records older
// than the retention window.
func (a *Accountant) Load() error {
	body, err := os.ReadFile(a.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("accountant: reading persistence file: %w", err)
	}

	var loaded persistedFile
	if err := json.Unmarshal(body, &loaded); err != nil {
		return fmt.Errorf("accountant: parsing persistence file: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -a.maxDays)
	kept := make([]models.UsageRecord, 0, len(loaded.UsageRecords))
	for _, r := range loaded.UsageRecords {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}

	a.mu.Lock()
	a.records = kept
	a.mu.Unlock()
	return nil
}

// Clear drops every in-memory record (test/reset hook).
func (a *Accountant) Clear() {
	a.mu.Lock()
	a.records = nil
	a.mu.Unlock()
}
