package conditions

import (
	"testing"

	"github.com/visionarychurch/followup/internal/models"
)

func TestEvaluate(t *testing.T) {
	input := map[string]string{
		"campus":      "North",
		"visit_count": "3",
		"interests":   "youth, worship",
		"empty":       "  ",
		"visited_at":  "2026-03-01T10:00:00Z",
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq case insensitive", models.Condition{Field: "campus", Operator: models.OpEquals, Value: "north"}, true},
		{"eq mismatch", models.Condition{Field: "campus", Operator: models.OpEquals, Value: "south"}, false},
		{"neq", models.Condition{Field: "campus", Operator: models.OpNotEquals, Value: "south"}, true},
		{"exists", models.Condition{Field: "campus", Operator: models.OpExists}, true},
		{"exists blank", models.Condition{Field: "empty", Operator: models.OpExists}, false},
		{"not exists missing", models.Condition{Field: "missing", Operator: models.OpNotExists}, true},
		{"contains", models.Condition{Field: "interests", Operator: models.OpContains, Value: "Youth"}, true},
		{"contains missing field", models.Condition{Field: "missing", Operator: models.OpContains, Value: "x"}, false},
		{"in", models.Condition{Field: "campus", Operator: models.OpIn, Value: "south, north"}, true},
		{"not in", models.Condition{Field: "campus", Operator: models.OpIn, Value: "south,east"}, false},
		{"gt numeric", models.Condition{Field: "visit_count", Operator: models.OpGreater, Value: "2"}, true},
		{"gt numeric not lexical", models.Condition{Field: "visit_count", Operator: models.OpGreater, Value: "10"}, false},
		{"lt", models.Condition{Field: "visit_count", Operator: models.OpLess, Value: "10"}, true},
		{"gt timestamp", models.Condition{Field: "visited_at", Operator: models.OpGreater, Value: "2026-01-01T00:00:00Z"}, true},
		{"unknown operator", models.Condition{Field: "campus", Operator: "like", Value: "n%"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.cond, input); got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	input := map[string]string{"campus": "north", "first_visit": "true"}

	if !Match(nil, input) {
		t.Fatal("empty condition list should match")
	}

	conds := []models.Condition{
		{Field: "campus", Operator: models.OpEquals, Value: "north"},
		{Field: "first_visit", Operator: models.OpEquals, Value: "true"},
	}
	if !Match(conds, input) {
		t.Fatal("expected all conditions to match")
	}

	conds = append(conds, models.Condition{Field: "age_group", Operator: models.OpExists})
	if Match(conds, input) {
		t.Fatal("expected conjunction to fail")
	}
}
