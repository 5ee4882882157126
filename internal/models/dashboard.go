package models

import "time"

// ProviderUsageWindow is one of the daily/weekly/monthly rollups returned by
// getProviderUsage().
type ProviderUsageWindow struct {
	Tokens     int64   `json:"tokens"`
	Cost       float64 `json:"cost"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// UsageStatus is the {healthy, warning, critical, exceeded} ladder
// getProviderUsage() derives from the max window percentage.
type UsageStatus string

const (
	UsageHealthy  UsageStatus = "healthy"
	UsageWarning  UsageStatus = "warning"
	UsageCritical UsageStatus = "critical"
	UsageExceeded UsageStatus = "exceeded"
)

// UsageStatusForPercentage derives a UsageStatus from the largest window
// percentage across daily/weekly/monthly.
func UsageStatusForPercentage(maxPct float64) UsageStatus {
	switch {
	case maxPct > 95:
		return UsageExceeded
	case maxPct > 80:
		return UsageCritical
	case maxPct > 60:
		return UsageWarning
	default:
		return UsageHealthy
	}
}

// ProviderUsageSummary is the per-provider result of getProviderUsage().
type ProviderUsageSummary struct {
	ProviderID       ProviderID          `json:"providerId"`
	TotalTokens      int64               `json:"totalTokens"`
	TotalCost        float64             `json:"totalCost"`
	TotalRequests    int64               `json:"totalRequests"`
	AvgTokensPerReq  float64             `json:"avgTokensPerRequest"`
	Daily            ProviderUsageWindow `json:"daily"`
	Weekly           ProviderUsageWindow `json:"weekly"`
	Monthly          ProviderUsageWindow `json:"monthly"`
	Status           UsageStatus         `json:"status"`
	RateLimited      bool                `json:"rateLimited"`
	ByAgent          map[AgentID]float64 `json:"byAgent,omitempty"`
}

// Recommendation is the action ladder emitted by getLimitPredictions().
type Recommendation string

const (
	RecommendStop     Recommendation = "stop"
	RecommendCaution  Recommendation = "caution"
	RecommendUpgrade  Recommendation = "upgrade"
	RecommendContinue Recommendation = "continue"
)

// LimitPrediction is the per-provider projection returned by
// getLimitPredictions(), computed only for providers with at least three
// records in the trailing 24h.
type LimitPrediction struct {
	ProviderID     ProviderID     `json:"providerId"`
	AvgHourly      float64        `json:"avgHourlyUsage"`
	HoursToLimit   float64        `json:"hoursToLimit"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
}

// UnifiedTokenMetrics is the periodic snapshot produced by the Dashboard
// Aggregator.
type UnifiedTokenMetrics struct {
	TotalTokensUsed   int64                           `json:"totalTokensUsed"`
	TotalCost         float64                         `json:"totalCost"`
	ActiveAgents      int                             `json:"activeAgents"`
	Alerts            []AlertInstance                 `json:"alerts"`
	Projections       []LimitPrediction                `json:"projections"`
	PerProviderSummary map[ProviderID]ProviderUsageSummary `json:"perProviderSummary"`
	Timestamp         time.Time                       `json:"timestamp"`
}

// PerformanceMetrics are process-level counters returned by
// getPerformanceMetrics().
type PerformanceMetrics struct {
	SnapshotsTaken   int64         `json:"snapshotsTaken"`
	AvgSnapshotTime  time.Duration `json:"avgSnapshotTime"`
	HistoryLength    int           `json:"historyLength"`
	Timestamp        time.Time     `json:"timestamp"`
}
