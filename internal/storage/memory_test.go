package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotag/autotag/internal/models"
)

func TestMemoryCompanyUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateCompany(ctx, &models.Company{Code: "ACME", Name: "Acme", IsActive: true}))
	err := m.CreateCompany(ctx, &models.Company{Code: "ACME", Name: "Other", IsActive: true})
	assert.Error(t, err)

	got, err := m.GetCompany(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	_, err = m.GetCompany(ctx, "GHOST")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryActiveRulesOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	company := &models.Company{Code: "ACME", Name: "Acme", IsActive: true}
	require.NoError(t, m.CreateCompany(ctx, company))

	add := func(name string, priority int, active bool) {
		require.NoError(t, m.UpsertRule(ctx, &models.TaggingRule{
			CompanyID:  company.ID,
			Name:       name,
			RuleType:   models.RuleTypeSimple,
			Priority:   priority,
			RuleConfig: json.RawMessage(`{"mappings": {}}`),
			Conditions: json.RawMessage("{}"),
			IsActive:   active,
		}))
	}
	add("C", 50, true)
	add("A", 10, true)
	add("B", 10, true)
	add("D", 5, false)

	rules, err := m.ActiveRules(ctx, company.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	// Ascending priority, insertion order on ties; inactive rules excluded.
	assert.Equal(t, "A", rules[0].Name)
	assert.Equal(t, "B", rules[1].Name)
	assert.Equal(t, "C", rules[2].Name)
}

func TestMemoryUpsertRuleByName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	company := &models.Company{Code: "ACME", Name: "Acme", IsActive: true}
	require.NoError(t, m.CreateCompany(ctx, company))

	r1 := &models.TaggingRule{
		CompanyID: company.ID, Name: "R", RuleType: models.RuleTypeSimple,
		Priority: 10, RuleConfig: json.RawMessage(`{}`), Conditions: json.RawMessage(`{}`), IsActive: true,
	}
	require.NoError(t, m.UpsertRule(ctx, r1))

	r2 := &models.TaggingRule{
		CompanyID: company.ID, Name: "R", RuleType: models.RuleTypeCEL,
		Priority: 20, RuleConfig: json.RawMessage(`{"expression": "'T'"}`), Conditions: json.RawMessage(`{}`), IsActive: true,
	}
	require.NoError(t, m.UpsertRule(ctx, r2))
	assert.Equal(t, r1.ID, r2.ID)

	rules, err := m.ListRules(ctx, company.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.RuleTypeCEL, rules[0].RuleType)
	assert.Equal(t, 20, rules[0].Priority)
}

func TestMemoryUpsertTag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tag := &models.TransactionTag{TransactionID: 1, CompanyID: 2, TagCode: "A", ConfidenceScore: 1.0}
	require.NoError(t, m.UpsertTag(ctx, tag))
	firstID := tag.ID

	tag2 := &models.TransactionTag{TransactionID: 1, CompanyID: 2, TagCode: "B", ConfidenceScore: 1.0}
	require.NoError(t, m.UpsertTag(ctx, tag2))
	assert.Equal(t, firstID, tag2.ID, "same (transaction, company) pair must update in place")

	got, err := m.GetTag(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "B", got.TagCode)

	// The manual-override flag is insert-only: an update never touches it.
	manual := &models.TransactionTag{TransactionID: 5, CompanyID: 2, TagCode: "M", IsManualOverride: true}
	require.NoError(t, m.UpsertTag(ctx, manual))
	require.NoError(t, m.UpsertTag(ctx, &models.TransactionTag{TransactionID: 5, CompanyID: 2, TagCode: "N"}))
	got, err = m.GetTag(ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "N", got.TagCode)
	assert.True(t, got.IsManualOverride)

	// A different company is a distinct row.
	require.NoError(t, m.UpsertTag(ctx, &models.TransactionTag{TransactionID: 1, CompanyID: 3, TagCode: "C"}))
	total, tagged, err := m.CountTags(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), tagged)
}

func TestMemoryTaggedAndUntaggedIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.AddTransaction(&models.Transaction{ID: 1}, nil)
	m.AddTransaction(&models.Transaction{ID: 2}, map[string]any{"k": "v"})
	m.AddTransaction(&models.Transaction{ID: 3}, nil)

	require.NoError(t, m.UpsertTag(ctx, &models.TransactionTag{TransactionID: 2, CompanyID: 7, TagCode: "T"}))

	tagged, err := m.TaggedTransactionIDs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, tagged)

	untagged, err := m.UntaggedTransactionIDs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, untagged)

	md, err := m.GetMetadata(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "v", md["k"])

	_, err = m.GetMetadata(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTopTags(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seed := []struct {
		tx  int64
		tag string
	}{
		{1, "A"}, {2, "A"}, {3, "B"}, {4, "C"}, {5, "C"}, {6, "C"}, {7, ""},
	}
	for _, s := range seed {
		require.NoError(t, m.UpsertTag(ctx, &models.TransactionTag{
			TransactionID: s.tx, CompanyID: 1, TagCode: s.tag,
		}))
	}

	top, err := m.TopTags(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, TagCount{TagCode: "C", Count: 3}, top[0])
	assert.Equal(t, TagCount{TagCode: "A", Count: 2}, top[1])
}
