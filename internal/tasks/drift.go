package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"confwatch/internal/domain"
)

// TargetSource resolves the targets a task should inspect: the explicit id
// list when the task carries one, else every target of the task's owner.
type TargetSource interface {
	ListTargets(ctx context.Context, ownerID string, ids []string) ([]domain.Target, error)
}

// DriftScan compares each target's current config against its recorded
// baseline and counts every diverging top-level key as an issue.
type DriftScan struct {
	Targets TargetSource
}

func (d *DriftScan) Execute(ctx context.Context, task domain.Task) (domain.Result, error) {
	targets, err := d.Targets.ListTargets(ctx, task.OwnerID, task.TargetIDs)
	if err != nil {
		return domain.Result{}, fmt.Errorf("list targets: %w", err)
	}

	var res domain.Result
	var drifted []string
	for _, tgt := range targets {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		res.TargetsScanned++

		n, err := diffKeys(tgt.Config, tgt.Baseline)
		if err != nil {
			log.Warn().Err(err).Str("target_id", tgt.ID).Msg("unreadable target config, skipping")
			continue
		}
		if n > 0 {
			res.IssuesFound += n
			drifted = append(drifted, fmt.Sprintf("%s (%d keys)", tgt.Name, n))
		}
	}

	if len(drifted) > 0 {
		res.Details = "drift detected: " + strings.Join(drifted, ", ")
	}
	return res, nil
}

// diffKeys counts top-level keys that differ between two JSON objects,
// including keys present on only one side. A missing baseline counts as zero
// drift: there is nothing to diverge from.
func diffKeys(current, baseline []byte) (int, error) {
	if len(baseline) == 0 {
		return 0, nil
	}
	var cur, base map[string]json.RawMessage
	if err := json.Unmarshal(current, &cur); err != nil {
		return 0, fmt.Errorf("current config: %w", err)
	}
	if err := json.Unmarshal(baseline, &base); err != nil {
		return 0, fmt.Errorf("baseline: %w", err)
	}

	n := 0
	for k, bv := range base {
		cv, ok := cur[k]
		if !ok || !bytes.Equal(compactJSON(cv), compactJSON(bv)) {
			n++
		}
	}
	for k := range cur {
		if _, ok := base[k]; !ok {
			n++
		}
	}
	return n, nil
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
