// Package threshold compares live metric values against task thresholds and
// runs the per-task watchers that poll those metrics.
package threshold

import "confwatch/internal/domain"

// Evaluate reports whether value crosses the threshold under op. Unknown
// operators never match.
func Evaluate(value float64, op domain.Operator, threshold float64) bool {
	switch op {
	case domain.OpLT:
		return value < threshold
	case domain.OpGT:
		return value > threshold
	case domain.OpEQ:
		return value == threshold
	case domain.OpLTE:
		return value <= threshold
	case domain.OpGTE:
		return value >= threshold
	}
	return false
}
