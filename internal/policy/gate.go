package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

var (
	// ErrNoConditions is returned when there is nothing to evaluate.
	ErrNoConditions = errors.New("no condition results to evaluate")

	// ErrGateMismatch is returned when there are fewer gates than gaps between results.
	ErrGateMismatch = errors.New("not enough gates for condition results")
)

// EvaluateGates folds condition results left to right through the gates,
// without operator precedence:
//
//	true, false, true with AND, OR -> (true AND false) OR true -> true
//
// A single result is returned unchanged. trace, if non-nil, receives the
// expression and every partial result.
func EvaluateGates(results []bool, gates []domain.Gate, trace func(string)) (bool, error) {
	if len(results) == 0 {
		return false, ErrNoConditions
	}
	if len(results) == 1 {
		return results[0], nil
	}
	if len(gates) < len(results)-1 {
		return false, fmt.Errorf("%w: %d results, %d gates", ErrGateMismatch, len(results), len(gates))
	}

	if trace != nil {
		trace("conditions: " + Expression(results, gates))
	}

	acc := results[0]
	for i := 1; i < len(results); i++ {
		op := gates[i-1].Op
		next := apply(acc, results[i], op)
		if trace != nil {
			trace(fmt.Sprintf("#%d %t %s %t = %t", i, acc, op, results[i], next))
		}
		acc = next
	}
	return acc, nil
}

func apply(a, b bool, op domain.GateOp) bool {
	if op == domain.GateOr {
		return a || b
	}
	return a && b
}

// Expression renders results and gates as "true AND false OR true".
func Expression(results []bool, gates []domain.Gate) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 && i-1 < len(gates) {
			sb.WriteString(" ")
			sb.WriteString(string(gates[i-1].Op))
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%t", r)
	}
	return sb.String()
}

// SortConditions returns conditions ordered by Order, ties kept in input order.
func SortConditions(conditions []domain.Condition) []domain.Condition {
	sorted := make([]domain.Condition, len(conditions))
	copy(sorted, conditions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}

// SortGates returns gates ordered by Order, ties kept in input order.
func SortGates(gates []domain.Gate) []domain.Gate {
	sorted := make([]domain.Gate, len(gates))
	copy(sorted, gates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}
