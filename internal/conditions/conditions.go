// Package conditions evaluates trigger and send conditions over flat string maps.
package conditions

import (
	"strconv"
	"strings"

	"github.com/visionarychurch/followup/internal/models"
)

// Match reports whether every condition holds for input. An empty list matches.
func Match(conds []models.Condition, input map[string]string) bool {
	for _, c := range conds {
		if !Evaluate(c, input) {
			return false
		}
	}
	return true
}

// Evaluate reports whether a single condition holds for input.
// Unknown operators never match.
func Evaluate(c models.Condition, input map[string]string) bool {
	value, present := input[c.Field]
	present = present && strings.TrimSpace(value) != ""

	switch c.Operator {
	case models.OpExists:
		return present
	case models.OpNotExists:
		return !present
	case models.OpEquals:
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(c.Value))
	case models.OpNotEquals:
		return !strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(c.Value))
	case models.OpContains:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	case models.OpIn:
		if !present {
			return false
		}
		for _, candidate := range strings.Split(c.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(value)) {
				return true
			}
		}
		return false
	case models.OpGreater:
		return present && compare(value, c.Value) > 0
	case models.OpLess:
		return present && compare(value, c.Value) < 0
	default:
		return false
	}
}

// compare orders numerically when both sides parse as numbers and
// lexically otherwise, which also orders RFC3339 timestamps.
func compare(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	af, errA := strconv.ParseFloat(a, 64)
	bf, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
