// Package service exposes the tagging entry points used by the CLI and the
// admin API: single and bulk tagging, re-tagging and statistics.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/autotag/autotag/internal/engine"
	"github.com/autotag/autotag/internal/models"
	"github.com/autotag/autotag/internal/storage"
)

// DefaultBatchSize is used when a bulk call passes a non-positive batch size.
const DefaultBatchSize = 100

// Stats summarizes tagging coverage for one company.
//
// TotalTransactions counts TransactionTag rows for the company, tagged plus
// explicitly-untagged placeholders, not the global transaction universe; the
// name is kept for interchange compatibility.
type Stats struct {
	TotalTransactions    int64              `json:"total_transactions"`
	TaggedTransactions   int64              `json:"tagged_transactions"`
	UntaggedTransactions int64              `json:"untagged_transactions"`
	TaggingRate          float64            `json:"tagging_rate"`
	TopTags              []storage.TagCount `json:"top_tags"`
	ActiveRules          int64              `json:"active_rules"`
}

// Service coordinates the engine and the store under a tenant context.
type Service struct {
	store  storage.Store
	engine *engine.Engine
	log    zerolog.Logger
}

// New creates a tagging service around a store and an engine.
func New(store storage.Store, eng *engine.Engine, log zerolog.Logger) *Service {
	return &Service{store: store, engine: eng, log: log}
}

// Engine exposes the underlying engine for rule-testing tools.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// activeCompany resolves a company code, treating missing and inactive
// companies alike as absent.
func (s *Service) activeCompany(ctx context.Context, code string) (*models.Company, error) {
	company, err := s.store.GetCompany(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !company.IsActive {
		return nil, nil
	}
	return company, nil
}

// TagTransaction tags a single transaction under the company's rules.
// A missing transaction or a missing/inactive company yields the empty tag
// without an error.
func (s *Service) TagTransaction(ctx context.Context, transactionID int64, companyCode string) (string, error) {
	company, err := s.activeCompany(ctx, companyCode)
	if err != nil {
		return "", err
	}
	if company == nil {
		return "", nil
	}

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return s.engine.TagTransaction(ctx, tx, company)
}

// TagTransactions tags many transactions in fixed-size batches and returns a
// map of transaction id to assigned tag (empty string = no tag). Missing ids
// are omitted; a missing or inactive company yields an empty map. One bad
// transaction never fails the batch.
func (s *Service) TagTransactions(ctx context.Context, transactionIDs []int64, companyCode string, batchSize int) (map[int64]string, error) {
	results := make(map[int64]string)

	company, err := s.activeCompany(ctx, companyCode)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return results, nil
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for start := 0; start < len(transactionIDs); start += batchSize {
		end := start + batchSize
		if end > len(transactionIDs) {
			end = len(transactionIDs)
		}

		batch, err := s.store.ListTransactions(ctx, transactionIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("load transaction batch: %w", err)
		}

		for _, tx := range batch {
			tag, err := s.engine.TagTransaction(ctx, tx, company)
			if err != nil {
				s.log.Error().
					Err(err).
					Int64("transaction_id", tx.ID).
					Str("company", companyCode).
					Msg("tagging failed, continuing batch")
				results[tx.ID] = ""
				continue
			}
			results[tx.ID] = tag
		}
	}

	return results, nil
}

// RetagCompany reruns tagging over every transaction that already holds a tag
// row for the company and returns the number processed.
func (s *Service) RetagCompany(ctx context.Context, companyCode string) (int, error) {
	company, err := s.activeCompany(ctx, companyCode)
	if err != nil {
		return 0, err
	}
	if company == nil {
		return 0, nil
	}

	ids, err := s.store.TaggedTransactionIDs(ctx, company.ID)
	if err != nil {
		return 0, fmt.Errorf("list tagged transactions: %w", err)
	}

	results, err := s.TagTransactions(ctx, ids, companyCode, DefaultBatchSize)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Stats returns tagging statistics for a company; nil when the company is
// unknown. Inactive companies still report stats, matching the historical
// behavior of the statistics query.
func (s *Service) Stats(ctx context.Context, companyCode string) (*Stats, error) {
	company, err := s.store.GetCompany(ctx, companyCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	total, tagged, err := s.store.CountTags(ctx, company.ID)
	if err != nil {
		return nil, err
	}
	topTags, err := s.store.TopTags(ctx, company.ID, 10)
	if err != nil {
		return nil, err
	}
	activeRules, err := s.store.CountActiveRules(ctx, company.ID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalTransactions:    total,
		TaggedTransactions:   tagged,
		UntaggedTransactions: total - tagged,
		TopTags:              topTags,
		ActiveRules:          activeRules,
	}
	if total > 0 {
		stats.TaggingRate = float64(tagged) / float64(total) * 100
	}
	return stats, nil
}

// CreateOrUpdateRule upserts a rule keyed by (company, name). The company
// must exist; unlike tagging, inactive companies may still have their rules
// edited.
func (s *Service) CreateOrUpdateRule(ctx context.Context, companyCode, name string, ruleType models.RuleType,
	ruleConfig, conditions json.RawMessage, priority int, isActive bool) (*models.TaggingRule, error) {

	company, err := s.store.GetCompany(ctx, companyCode)
	if err != nil {
		return nil, fmt.Errorf("company %q: %w", companyCode, err)
	}

	if len(conditions) == 0 {
		conditions = json.RawMessage("{}")
	}
	rule := &models.TaggingRule{
		CompanyID:  company.ID,
		Name:       name,
		RuleType:   ruleType,
		Priority:   priority,
		RuleConfig: ruleConfig,
		Conditions: conditions,
		IsActive:   isActive,
	}
	if err := s.store.UpsertRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}
