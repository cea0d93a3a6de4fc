package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kapstong/integ-capstone-sub005/types"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "total_amount > 50000",
			env:        map[string]interface{}{"total_amount": 60000},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "total_amount < 50000",
			env:        map[string]interface{}{"total_amount": 60000},
			wantResult: false,
		},
		{
			name:       "Non-boolean result",
			expression: "total_amount + 5",
			env:        map[string]interface{}{"total_amount": 25},
			wantErr:    true,
			errMsg:     "did not evaluate to a boolean",
		},
		{
			name:       "Invalid expression",
			expression: "total_amount >>> 18",
			env:        map[string]interface{}{"total_amount": 25},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		e := NewExprEvaluator()
		env := map[string]interface{}{"score": 15}

		result1, err1 := e.Evaluate("score > 10", env)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := e.Evaluate("score > 10", map[string]interface{}{"score": 5.5})
		assert.NoError(t, err2)
		assert.False(t, result2)
		assert.Len(t, e.cache, 1)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestMatch(t *testing.T) {
	evaluator := NewExprEvaluator()
	over50k := []types.Condition{{Field: "total_amount", Operator: types.OpGreater, Value: float64(50000)}}

	tests := []struct {
		name       string
		conditions []types.Condition
		payload    map[string]interface{}
		want       bool
	}{
		{"EmptyListAlwaysMatches", nil, map[string]interface{}{}, true},
		{"AboveThreshold", over50k, map[string]interface{}{"total_amount": float64(60000)}, true},
		{"BelowThreshold", over50k, map[string]interface{}{"total_amount": float64(10000)}, false},
		{"IntPayload", over50k, map[string]interface{}{"total_amount": 60000}, true},
		{"NumericStringPayload", over50k, map[string]interface{}{"total_amount": "60000.50"}, true},
		{"MissingField", over50k, map[string]interface{}{"amount": float64(60000)}, false},
		{"Incomparable", over50k, map[string]interface{}{"total_amount": "a lot"}, false},
		{"NullField", over50k, map[string]interface{}{"total_amount": nil}, false},
		{
			name: "AllMustPass",
			conditions: []types.Condition{
				{Field: "total_amount", Operator: types.OpGreaterEqual, Value: float64(100)},
				{Field: "department", Operator: types.OpEqual, Value: "kitchen"},
			},
			payload: map[string]interface{}{"total_amount": float64(100), "department": "front_desk"},
			want:    false,
		},
		{
			name: "AllPass",
			conditions: []types.Condition{
				{Field: "total_amount", Operator: types.OpLessEqual, Value: float64(100)},
				{Field: "department", Operator: types.OpNotEqual, Value: "kitchen"},
				{Field: "currency", Operator: types.OpEqual, Value: "PHP"},
				{Field: "total_amount", Operator: types.OpLess, Value: "101"},
			},
			payload: map[string]interface{}{"total_amount": float64(100), "department": "front_desk", "currency": "PHP"},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Match(tt.conditions, tt.payload)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("UnknownOperator", func(t *testing.T) {
		_, err := evaluator.Match([]types.Condition{{Field: "x", Operator: "=~", Value: 1}}, map[string]interface{}{"x": 1})
		assert.Error(t, err)
	})
}

// BenchmarkMatch benchmarks a cached single-condition match.
func BenchmarkMatch(b *testing.B) {
	evaluator := NewExprEvaluator()
	conditions := []types.Condition{{Field: "x", Operator: types.OpGreater, Value: float64(5)}}
	payload := map[string]interface{}{"x": float64(10)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Match(conditions, payload)
	}
}
