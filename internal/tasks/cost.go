package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"confwatch/internal/domain"
)

// CostAnalysis inspects each target's resource allocation against its
// observed utilization and estimates the monthly savings of rightsizing.
type CostAnalysis struct {
	Targets TargetSource
}

// costProfile is what a target's config blob must carry to be analyzable.
type costProfile struct {
	MonthlyCost    float64 `json:"monthly_cost"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// Targets running under this utilization are flagged as oversized.
const underutilizedPct = 40.0

func (c *CostAnalysis) Execute(ctx context.Context, task domain.Task) (domain.Result, error) {
	targets, err := c.Targets.ListTargets(ctx, task.OwnerID, task.TargetIDs)
	if err != nil {
		return domain.Result{}, fmt.Errorf("list targets: %w", err)
	}

	var res domain.Result
	var flagged []string
	for _, tgt := range targets {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		res.TargetsScanned++

		var p costProfile
		if err := json.Unmarshal(tgt.Config, &p); err != nil || p.MonthlyCost <= 0 {
			continue // not every target carries cost data
		}
		if p.UtilizationPct >= underutilizedPct {
			continue
		}

		// savings estimate: the unused share of spend, halved to stay
		// conservative about burst headroom
		saving := p.MonthlyCost * (underutilizedPct - p.UtilizationPct) / 100 / 2
		res.IssuesFound++
		res.EstimatedSavings += saving
		flagged = append(flagged, fmt.Sprintf("%s ($%.2f/mo)", tgt.Name, saving))
	}

	if len(flagged) > 0 {
		res.Details = "rightsizing candidates: " + strings.Join(flagged, ", ")
	}
	return res, nil
}
