package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotag/autotag/internal/engine"
	"github.com/autotag/autotag/internal/models"
	"github.com/autotag/autotag/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.Memory, *models.Company) {
	t.Helper()
	store := storage.NewMemory()
	eng, err := engine.New(store, zerolog.Nop(), engine.Options{})
	require.NoError(t, err)
	svc := New(store, eng, zerolog.Nop())

	company := &models.Company{Code: "ACME", Name: "Acme Corp", IsActive: true}
	require.NoError(t, store.CreateCompany(context.Background(), company))
	return svc, store, company
}

func addMappingRule(t *testing.T, store *storage.Memory, companyID int64, tag string) {
	t.Helper()
	err := store.UpsertRule(context.Background(), &models.TaggingRule{
		CompanyID:  companyID,
		Name:       "Map " + tag,
		RuleType:   models.RuleTypeSimple,
		Priority:   100,
		RuleConfig: json.RawMessage(fmt.Sprintf(`{"mappings": {"product_code": {"PROD_001": %q}}}`, tag)),
		Conditions: json.RawMessage("{}"),
		IsActive:   true,
	})
	require.NoError(t, err)
}

func addTransaction(store *storage.Memory, id int64, productCode string) {
	store.AddTransaction(&models.Transaction{
		ID:          id,
		ProductCode: productCode,
		ProduceRate: decimal.NewFromInt(10),
		Source:      "online",
		CreatedAt:   time.Now().UTC(),
	}, nil)
}

func TestTagTransaction(t *testing.T) {
	svc, store, company := newService(t)
	addMappingRule(t, store, company.ID, "TAG_A")
	addTransaction(store, 42, "PROD_001")

	tag, err := svc.TagTransaction(context.Background(), 42, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "TAG_A", tag)
}

func TestTagTransactionMissingInputs(t *testing.T) {
	svc, store, company := newService(t)
	addMappingRule(t, store, company.ID, "TAG_A")
	addTransaction(store, 42, "PROD_001")

	// Missing transaction: empty, no error.
	tag, err := svc.TagTransaction(context.Background(), 999, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "", tag)

	// Missing company: empty, no error.
	tag, err = svc.TagTransaction(context.Background(), 42, "GHOST")
	require.NoError(t, err)
	assert.Equal(t, "", tag)
}

func TestTagTransactionInactiveCompany(t *testing.T) {
	svc, store, _ := newService(t)
	dormant := &models.Company{Code: "DORMANT", Name: "Dormant Co", IsActive: false}
	require.NoError(t, store.CreateCompany(context.Background(), dormant))
	addMappingRule(t, store, dormant.ID, "TAG_A")
	addTransaction(store, 42, "PROD_001")

	tag, err := svc.TagTransaction(context.Background(), 42, "DORMANT")
	require.NoError(t, err)
	assert.Equal(t, "", tag)
}

func TestTagTransactionsBatches(t *testing.T) {
	svc, store, company := newService(t)
	addMappingRule(t, store, company.ID, "TAG_A")

	var ids []int64
	for i := int64(1); i <= 7; i++ {
		code := "PROD_001"
		if i%2 == 0 {
			code = "PROD_OTHER"
		}
		addTransaction(store, i, code)
		ids = append(ids, i)
	}
	// A missing id is silently omitted.
	ids = append(ids, 999)

	results, err := svc.TagTransactions(context.Background(), ids, "ACME", 3)
	require.NoError(t, err)
	require.Len(t, results, 7)
	assert.Equal(t, "TAG_A", results[1])
	assert.Equal(t, "", results[2])
	_, found := results[999]
	assert.False(t, found)
}

func TestTagTransactionsUnknownCompany(t *testing.T) {
	svc, store, _ := newService(t)
	addTransaction(store, 1, "PROD_001")

	results, err := svc.TagTransactions(context.Background(), []int64{1}, "GHOST", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetagCompany(t *testing.T) {
	svc, store, company := newService(t)
	addMappingRule(t, store, company.ID, "OLD")

	ctx := context.Background()
	addTransaction(store, 1, "PROD_001")
	addTransaction(store, 2, "PROD_001")
	addTransaction(store, 3, "PROD_OTHER") // never tagged

	_, err := svc.TagTransactions(ctx, []int64{1, 2, 3}, "ACME", 0)
	require.NoError(t, err)

	// Change the rule and retag; only the two tagged transactions rerun.
	addMappingRule(t, store, company.ID, "NEW") // distinct rule name, lower insertion order keeps OLD first
	err = store.UpsertRule(ctx, &models.TaggingRule{
		CompanyID:  company.ID,
		Name:       "Map OLD",
		RuleType:   models.RuleTypeSimple,
		Priority:   100,
		RuleConfig: json.RawMessage(`{"mappings": {"product_code": {"NOPE": "OLD"}}}`),
		Conditions: json.RawMessage("{}"),
		IsActive:   false,
	})
	require.NoError(t, err)

	processed, err := svc.RetagCompany(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	row, err := store.GetTag(ctx, 1, company.ID)
	require.NoError(t, err)
	assert.Equal(t, "NEW", row.TagCode)
}

func TestStats(t *testing.T) {
	svc, store, company := newService(t)
	addMappingRule(t, store, company.ID, "TAG_A")

	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		addTransaction(store, i, "PROD_001")
	}

	_, err := svc.TagTransactions(ctx, []int64{1, 2, 3, 4}, "ACME", 0)
	require.NoError(t, err)

	// One explicitly untagged placeholder row.
	require.NoError(t, store.UpsertTag(ctx, &models.TransactionTag{
		TransactionID: 4, CompanyID: company.ID, TagCode: "",
	}))

	stats, err := svc.Stats(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(4), stats.TotalTransactions)
	assert.Equal(t, int64(3), stats.TaggedTransactions)
	assert.Equal(t, int64(1), stats.UntaggedTransactions)
	assert.InDelta(t, 75.0, stats.TaggingRate, 0.001)
	assert.Equal(t, int64(1), stats.ActiveRules)
	require.Len(t, stats.TopTags, 1)
	assert.Equal(t, "TAG_A", stats.TopTags[0].TagCode)
	assert.Equal(t, int64(3), stats.TopTags[0].Count)
}

func TestStatsUnknownCompany(t *testing.T) {
	svc, _, _ := newService(t)
	stats, err := svc.Stats(context.Background(), "GHOST")
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestCreateOrUpdateRule(t *testing.T) {
	svc, store, company := newService(t)
	ctx := context.Background()

	rule, err := svc.CreateOrUpdateRule(ctx, "ACME", "R1", models.RuleTypeSimple,
		json.RawMessage(`{"mappings": {"source": {"online": "T"}}}`), nil, 50, true)
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, company.ID, rule.CompanyID)

	updated, err := svc.CreateOrUpdateRule(ctx, "ACME", "R1", models.RuleTypeSimple,
		json.RawMessage(`{"mappings": {"source": {"online": "T2"}}}`), nil, 60, true)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, updated.ID)

	stored, err := store.ListRules(ctx, company.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 60, stored[0].Priority)

	_, err = svc.CreateOrUpdateRule(ctx, "GHOST", "R1", models.RuleTypeSimple,
		json.RawMessage(`{}`), nil, 50, true)
	assert.Error(t, err)
}
