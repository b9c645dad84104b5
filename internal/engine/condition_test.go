package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotag/autotag/internal/models"
)

func testTransaction() *models.Transaction {
	return &models.Transaction{
		ID:           1,
		ProductCode:  "PROD_001",
		ProduceRate:  decimal.NewFromFloat(150.5),
		LedgerType:   "credit",
		Source:       "online",
		Jurisdiction: "US",
		CreatedAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestConditionLeafOperators(t *testing.T) {
	tx := testTransaction()
	metadata := map[string]any{
		"customer_tier": "gold",
		"amount":        float64(800),
		"region":        "us-east-1",
		"flagged":       nil,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals transaction field", Condition{Field: "product_code", Operator: "equals", Value: "PROD_001"}, true},
		{"equals mismatch", Condition{Field: "product_code", Operator: "equals", Value: "PROD_002"}, false},
		{"equals metadata field", Condition{Field: "metadata.customer_tier", Operator: "equals", Value: "gold"}, true},
		{"not_equals", Condition{Field: "source", Operator: "not_equals", Value: "batch"}, true},
		{"greater_than numeric", Condition{Field: "metadata.amount", Operator: "greater_than", Value: 500}, true},
		{"greater_than not satisfied", Condition{Field: "metadata.amount", Operator: "greater_than", Value: 1000}, false},
		{"less_than decimal transaction field", Condition{Field: "produce_rate", Operator: "less_than", Value: 200}, true},
		{"greater_than numeric string coerces", Condition{Field: "metadata.amount", Operator: "greater_than", Value: "500"}, true},
		{"contains", Condition{Field: "metadata.region", Operator: "contains", Value: "east"}, true},
		{"regex", Condition{Field: "product_code", Operator: "regex", Value: "^PROD_\\d+$"}, true},
		{"regex invalid pattern never matches", Condition{Field: "product_code", Operator: "regex", Value: "["}, false},
		{"unknown operator never matches", Condition{Field: "product_code", Operator: "matches_vibe", Value: "PROD_001"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(tx, metadata))
		})
	}
}

func TestConditionAbsentFields(t *testing.T) {
	tx := testTransaction()
	metadata := map[string]any{"present_nil": nil}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"absent equals nil", Condition{Field: "metadata.missing", Operator: "equals", Value: nil}, true},
		{"absent equals value", Condition{Field: "metadata.missing", Operator: "equals", Value: "x"}, false},
		{"absent not_equals value", Condition{Field: "metadata.missing", Operator: "not_equals", Value: "x"}, true},
		{"absent greater_than", Condition{Field: "metadata.missing", Operator: "greater_than", Value: 0}, false},
		{"absent less_than", Condition{Field: "metadata.missing", Operator: "less_than", Value: 0}, false},
		{"absent contains empty needle", Condition{Field: "metadata.missing", Operator: "contains", Value: ""}, true},
		{"absent contains needle", Condition{Field: "metadata.missing", Operator: "contains", Value: "x"}, false},
		{"present nil equals nil", Condition{Field: "metadata.present_nil", Operator: "equals", Value: nil}, true},
		{"unknown transaction field is absent", Condition{Field: "no_such_column", Operator: "equals", Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(tx, metadata))
		})
	}
}

func TestConditionCompound(t *testing.T) {
	tx := testTransaction()
	metadata := map[string]any{"amount": float64(800)}

	and := Condition{
		Operator: "and",
		Conditions: []Condition{
			{Field: "source", Operator: "equals", Value: "online"},
			{Field: "metadata.amount", Operator: "greater_than", Value: 500},
		},
	}
	assert.True(t, and.Evaluate(tx, metadata))

	or := Condition{
		Operator: "or",
		Conditions: []Condition{
			{Field: "source", Operator: "equals", Value: "batch"},
			{Field: "metadata.amount", Operator: "greater_than", Value: 500},
		},
	}
	assert.True(t, or.Evaluate(tx, metadata))

	// Missing compound operator defaults to "and".
	defaulted := Condition{
		Conditions: []Condition{
			{Field: "source", Operator: "equals", Value: "online"},
			{Field: "jurisdiction", Operator: "equals", Value: "US"},
		},
	}
	assert.True(t, defaulted.Evaluate(tx, metadata))

	unknown := Condition{
		Operator: "xor",
		Conditions: []Condition{
			{Field: "source", Operator: "equals", Value: "online"},
		},
	}
	assert.False(t, unknown.Evaluate(tx, metadata))

	nested := Condition{
		Operator: "and",
		Conditions: []Condition{
			{Field: "jurisdiction", Operator: "equals", Value: "US"},
			{
				Operator: "or",
				Conditions: []Condition{
					{Field: "source", Operator: "equals", Value: "batch"},
					{Field: "metadata.amount", Operator: "greater_than", Value: 100},
				},
			},
		},
	}
	assert.True(t, nested.Evaluate(tx, metadata))
}

func TestConditionEmptyConditionsList(t *testing.T) {
	tx := testTransaction()

	// A present-but-empty conditions list is a compound, not a leaf: "and"
	// over nothing matches vacuously, "or" over nothing never does.
	and, err := ParseCondition(json.RawMessage(`{"conditions": [], "operator": "and"}`))
	require.NoError(t, err)
	assert.True(t, and.Evaluate(tx, nil))

	or, err := ParseCondition(json.RawMessage(`{"conditions": [], "operator": "or"}`))
	require.NoError(t, err)
	assert.False(t, or.Evaluate(tx, nil))

	defaulted, err := ParseCondition(json.RawMessage(`{"conditions": []}`))
	require.NoError(t, err)
	assert.True(t, defaulted.Evaluate(tx, nil))
}

func TestParseCondition(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		c, err := ParseCondition(json.RawMessage(raw))
		require.NoError(t, err, "raw=%q", raw)
		assert.True(t, c.IsZero(), "raw=%q", raw)
	}

	c, err := ParseCondition(json.RawMessage(`{"field":"source","operator":"equals","value":"online"}`))
	require.NoError(t, err)
	assert.False(t, c.IsZero())
	assert.Equal(t, "source", c.Field)

	_, err = ParseCondition(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestValuesEqualNumericNormalization(t *testing.T) {
	// Metadata floats compare equal to config ints, but numeric strings stay
	// strings.
	assert.True(t, valuesEqual(float64(800), 800))
	assert.True(t, valuesEqual(decimal.NewFromInt(100), float64(100)))
	assert.False(t, valuesEqual("800", 800))
	assert.True(t, valuesEqual("800", "800"))
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{true, "True"},
		{false, "False"},
		{float64(100), "100"},
		{float64(100.5), "100.5"},
		{"plain", "plain"},
		{decimal.NewFromFloat(150.5), "150.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stringify(tt.in))
	}
}

func TestLexicographicFallback(t *testing.T) {
	tx := testTransaction()
	metadata := map[string]any{"batch_id": "batch-10"}

	// Neither side coerces to a number, so the comparison is lexicographic:
	// "batch-10" < "batch-2".
	cond := Condition{Field: "metadata.batch_id", Operator: "less_than", Value: "batch-2"}
	assert.True(t, cond.Evaluate(tx, metadata))
}
