// Package metrics resolves the named metrics threshold tasks watch,
// backed by store aggregates.
package metrics

import (
	"context"
	"fmt"
	"time"

	"confwatch/internal/store"
)

// Metric names threshold tasks may reference.
const (
	MetricOpenIssues       = "open_issues"
	MetricEstimatedSavings = "estimated_savings"
	MetricFailedRuns24h    = "failed_executions_24h"
	MetricTargetCount      = "target_count"
)

// Provider fetches current metric values scoped to an owner.
type Provider struct {
	store store.Store
}

func NewProvider(s store.Store) *Provider {
	return &Provider{store: s}
}

// Fetch returns the current value of metric for ownerID, or an error for
// unknown metrics or store failures.
func (p *Provider) Fetch(ctx context.Context, metric, ownerID string) (float64, error) {
	switch metric {
	case MetricOpenIssues:
		issues, _, err := p.store.LatestResultTotals(ctx, ownerID)
		return float64(issues), err
	case MetricEstimatedSavings:
		_, savings, err := p.store.LatestResultTotals(ctx, ownerID)
		return savings, err
	case MetricFailedRuns24h:
		n, err := p.store.FailedExecutionsSince(ctx, ownerID, time.Now().Add(-24*time.Hour))
		return float64(n), err
	case MetricTargetCount:
		n, err := p.store.TargetCount(ctx, ownerID)
		return float64(n), err
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}
}

// Known reports whether metric is resolvable, for validation at task
// creation time.
func Known(metric string) bool {
	switch metric {
	case MetricOpenIssues, MetricEstimatedSavings, MetricFailedRuns24h, MetricTargetCount:
		return true
	}
	return false
}
