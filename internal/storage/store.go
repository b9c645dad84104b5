// Package storage defines the relational contract the tagging engine consumes
// and provides a Postgres implementation plus an in-memory one for tests.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/autotag/autotag/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

func errUnique(constraint, value string) error {
	return fmt.Errorf("unique constraint %s violated by %q", constraint, value)
}

// TagCount is one entry of a tag distribution, ordered by descending count.
type TagCount struct {
	TagCode string `json:"tag_code"`
	Count   int64  `json:"count"`
}

// Store is the persistence contract for companies, rules, transactions and
// tags. Implementations must enforce the uniqueness of company codes,
// (company, rule name) and (transaction, company) tag rows; the tag upsert
// relies on the last constraint for correctness under concurrent taggers.
type Store interface {
	// Companies
	GetCompany(ctx context.Context, code string) (*models.Company, error)
	CreateCompany(ctx context.Context, company *models.Company) error

	// Rules
	ActiveRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error) // priority asc, then insertion order
	ListRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error)
	GetRule(ctx context.Context, companyID int64, name string) (*models.TaggingRule, error)
	UpsertRule(ctx context.Context, rule *models.TaggingRule) error // keyed by (company, name)
	CountActiveRules(ctx context.Context, companyID int64) (int64, error)

	// Transactions and metadata
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	ListTransactions(ctx context.Context, ids []int64) ([]*models.Transaction, error)
	SampleTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	UntaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error)
	GetMetadata(ctx context.Context, transactionID int64) (map[string]any, error)

	// Tags
	GetTag(ctx context.Context, transactionID, companyID int64) (*models.TransactionTag, error)
	// UpsertTag is keyed by (transaction, company). IsManualOverride is
	// written on insert only; an update leaves the existing flag untouched so
	// an operator's marker survives retagging.
	UpsertTag(ctx context.Context, tag *models.TransactionTag) error
	TaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error)
	CountTags(ctx context.Context, companyID int64) (total, tagged int64, err error)
	TopTags(ctx context.Context, companyID int64, limit int) ([]TagCount, error)
}
