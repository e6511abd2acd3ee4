package threshold

import (
	"testing"

	"confwatch/internal/domain"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value     float64
		op        domain.Operator
		threshold float64
		want      bool
	}{
		{55, domain.OpLT, 60, true},
		{60, domain.OpLT, 60, false},
		{61, domain.OpGT, 60, true},
		{60, domain.OpGT, 60, false},
		{60, domain.OpEQ, 60, true},
		{60.5, domain.OpEQ, 60, false},
		{60, domain.OpLTE, 60, true},
		{60.1, domain.OpLTE, 60, false},
		{60, domain.OpGTE, 60, true},
		{59.9, domain.OpGTE, 60, false},
		{100, domain.Operator("between"), 60, false},
	}
	for _, tt := range tests {
		if got := Evaluate(tt.value, tt.op, tt.threshold); got != tt.want {
			t.Errorf("Evaluate(%v, %q, %v) = %v, want %v", tt.value, tt.op, tt.threshold, got, tt.want)
		}
	}
}
