package api

import (
	"strings"
	"time"

	"github.com/tokenwatch/monitor/internal/alerts"
	"github.com/tokenwatch/monitor/internal/models"
)

// buildResolver snapshots the Accountant, Enforcer, Dashboard
// Aggregator, and health tracker once and returns an
// alerts.MetricResolver closing over that snapshot, so every metric
// name in one evaluation pass reads a consistent point-in-time view —
// no metric read here is ever staler than feederInterval (30s), since the
// resolver itself is rebuilt on that cadence rather than recomputed per call.
//
// Metric names are a closed set:
// inspector.*/orchestrator.* (per-component enforcement usage
// percentage), provider.{daily|weekly|monthly}_usage_percentage (worst
// case across tracked providers), cost.{hourly_total|daily_total|cost_rate},
// tokens.{usage_rate|total_usage|efficiency_score},
// projection.{cost_increase_rate|usage_increase_rate|confidence_score},
// enforcement.{actions_count|active_enforcements|escalation_level},
// system.{health_score|active_components|error_rate}.
func (m *Monitor) buildResolver() alerts.MetricResolver {
	now := time.Now()
	usage, systemStatus := m.enforcer.GetCurrentStatus()
	providers := m.accountant.GetProviderUsage()
	predictions := m.accountant.GetLimitPredictions()
	health := m.health.Snapshot(now)

	usageByComponent := make(map[string]models.ComponentUsage, len(usage))
	for _, u := range usage {
		usageByComponent[u.Component] = u
	}

	return func(metric string) (float64, bool) {
		switch {
		case strings.HasPrefix(metric, "inspector."), strings.HasPrefix(metric, "orchestrator."):
			component := metric[:strings.IndexByte(metric, '.')]
			u, ok := usageByComponent[component]
			if !ok {
				return 0, false
			}
			return resolveComponentField(metric, u)
		case strings.HasPrefix(metric, "provider."):
			return resolveProviderField(metric, providers)
		case strings.HasPrefix(metric, "cost."):
			return resolveCostField(metric, providers)
		case strings.HasPrefix(metric, "tokens."):
			return resolveTokensField(metric, providers)
		case strings.HasPrefix(metric, "projection."):
			return resolveProjectionField(metric, predictions)
		case strings.HasPrefix(metric, "enforcement."):
			return resolveEnforcementField(metric, systemStatus, usage)
		case strings.HasPrefix(metric, "system."):
			return resolveSystemField(metric, health)
		default:
			return 0, false
		}
	}
}

func resolveComponentField(metric string, u models.ComponentUsage) (float64, bool) {
	switch {
	case strings.HasSuffix(metric, ".usage_percentage"):
		return u.Percentage(), true
	case strings.HasSuffix(metric, ".current_usage"):
		return float64(u.CurrentUsage), true
	default:
		return 0, false
	}
}

func resolveProviderField(metric string, providers []models.ProviderUsageSummary) (float64, bool) {
	var worst float64
	found := false
	for _, p := range providers {
		var pct float64
		switch {
		case strings.HasSuffix(metric, ".daily_usage_percentage"):
			pct = p.Daily.Percentage
		case strings.HasSuffix(metric, ".weekly_usage_percentage"):
			pct = p.Weekly.Percentage
		case strings.HasSuffix(metric, ".monthly_usage_percentage"):
			pct = p.Monthly.Percentage
		default:
			return 0, false
		}
		found = true
		if pct > worst {
			worst = pct
		}
	}
	return worst, found
}

func resolveCostField(metric string, providers []models.ProviderUsageSummary) (float64, bool) {
	switch {
	case strings.HasSuffix(metric, ".daily_total"):
		var total float64
		for _, p := range providers {
			total += p.Daily.Cost
		}
		return total, true
	case strings.HasSuffix(metric, ".hourly_total"):
		var total float64
		for _, p := range providers {
			total += p.Daily.Cost
		}
		return total / 24, true
	case strings.HasSuffix(metric, ".cost_rate"):
		var total float64
		for _, p := range providers {
			total += p.Weekly.Cost
		}
		if len(providers) == 0 {
			return 0, true
		}
		return total / (7 * 24), true
	default:
		return 0, false
	}
}

func resolveTokensField(metric string, providers []models.ProviderUsageSummary) (float64, bool) {
	switch {
	case strings.HasSuffix(metric, ".total_usage"):
		var total int64
		for _, p := range providers {
			total += p.TotalTokens
		}
		return float64(total), true
	case strings.HasSuffix(metric, ".usage_rate"):
		var total int64
		for _, p := range providers {
			total += p.Daily.Tokens
		}
		return float64(total) / 24, true
	case strings.HasSuffix(metric, ".efficiency_score"):
		var totalReqs, totalTokens float64
		for _, p := range providers {
			totalReqs += float64(p.TotalRequests)
			totalTokens += float64(p.TotalTokens)
		}
		if totalReqs == 0 {
			return 0, true
		}
		return totalTokens / totalReqs, true
	default:
		return 0, false
	}
}

func resolveProjectionField(metric string, predictions []models.LimitPrediction) (float64, bool) {
	if len(predictions) == 0 {
		return 0, true
	}
	// Worst-case: the prediction with the fewest hours to limit drives
	// the projection metrics, since it is the most urgent one an alert
	// rule would want to catch.
	worst := predictions[0]
	for _, p := range predictions[1:] {
		if p.HoursToLimit < worst.HoursToLimit {
			worst = p
		}
	}
	switch {
	case strings.HasSuffix(metric, ".usage_increase_rate"):
		return worst.AvgHourly, true
	case strings.HasSuffix(metric, ".confidence_score"):
		return worst.Confidence, true
	case strings.HasSuffix(metric, ".cost_increase_rate"):
		return worst.AvgHourly, true
	default:
		return 0, false
	}
}

func resolveEnforcementField(metric string, status models.SystemStatus, usage []models.ComponentUsage) (float64, bool) {
	switch {
	case strings.HasSuffix(metric, ".active_enforcements"):
		return float64(status.ActiveEnforcements), true
	case strings.HasSuffix(metric, ".actions_count"):
		return float64(status.ActiveEnforcements), true
	case strings.HasSuffix(metric, ".escalation_level"):
		var max int64
		for _, u := range usage {
			if lvl := statusLevel(u.Status); lvl > max {
				max = lvl
			}
		}
		return float64(max), true
	default:
		return 0, false
	}
}

func statusLevel(s models.Status) int64 {
	switch s {
	case models.StatusWarning:
		return 1
	case models.StatusCritical:
		return 2
	case models.StatusBlocked:
		return 3
	default:
		return 0
	}
}

func resolveSystemField(metric string, health models.SystemHealth) (float64, bool) {
	switch {
	case strings.HasSuffix(metric, ".active_components"):
		var active int
		for _, c := range health.Components {
			if c.Status == models.ComponentRunning {
				active++
			}
		}
		return float64(active), true
	case strings.HasSuffix(metric, ".health_score"):
		return healthScore(health.Status), true
	case strings.HasSuffix(metric, ".error_rate"):
		var totalErrors float64
		for _, c := range health.Components {
			totalErrors += float64(c.ErrorCount)
		}
		if len(health.Components) == 0 {
			return 0, true
		}
		return totalErrors / float64(len(health.Components)), true
	default:
		return 0, false
	}
}

func healthScore(level models.SystemHealthLevel) float64 {
	switch level {
	case models.HealthHealthy:
		return 1
	case models.HealthDegraded:
		return 0.66
	case models.HealthCritical:
		return 0.33
	default:
		return 0
	}
}
