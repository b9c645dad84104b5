package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autotag/autotag/internal/models"
)

// Memory is an in-process Store used by tests and the sample-generation path.
// It mirrors the uniqueness constraints the Postgres schema enforces.
type Memory struct {
	mu sync.RWMutex

	nextID       int64
	companies    map[int64]*models.Company
	rules        map[int64]*models.TaggingRule
	transactions map[int64]*models.Transaction
	metadata     map[int64]map[string]any
	tags         map[int64]*models.TransactionTag
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		companies:    make(map[int64]*models.Company),
		rules:        make(map[int64]*models.TaggingRule),
		transactions: make(map[int64]*models.Transaction),
		metadata:     make(map[int64]map[string]any),
		tags:         make(map[int64]*models.TransactionTag),
	}
}

func (m *Memory) nextIdentity() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) GetCompany(ctx context.Context, code string) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.companies {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateCompany(ctx context.Context, company *models.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.companies {
		if c.Code == company.Code {
			return errUnique("companies.code", company.Code)
		}
	}
	company.ID = m.nextIdentity()
	now := time.Now().UTC()
	company.CreatedAt, company.UpdatedAt = now, now
	cp := *company
	m.companies[company.ID] = &cp
	return nil
}

func (m *Memory) ActiveRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TaggingRule
	for _, r := range m.rules {
		if r.CompanyID == companyID && r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) ListRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TaggingRule
	for _, r := range m.rules {
		if r.CompanyID == companyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, companyID int64, name string) (*models.TaggingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.CompanyID == companyID && r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertRule(ctx context.Context, rule *models.TaggingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.rules {
		if existing.CompanyID == rule.CompanyID && existing.Name == rule.Name {
			existing.RuleType = rule.RuleType
			existing.Priority = rule.Priority
			existing.RuleConfig = rule.RuleConfig
			existing.Conditions = rule.Conditions
			existing.IsActive = rule.IsActive
			existing.UpdatedAt = now
			rule.ID = existing.ID
			rule.CreatedAt = existing.CreatedAt
			rule.UpdatedAt = now
			return nil
		}
	}
	rule.ID = m.nextIdentity()
	rule.CreatedAt, rule.UpdatedAt = now, now
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *Memory) CountActiveRules(ctx context.Context, companyID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.rules {
		if r.CompanyID == companyID && r.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTransactions(ctx context.Context, ids []int64) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Transaction, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.transactions[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SampleTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.transactions))
	for id := range m.transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Transaction, 0, len(ids))
	for _, id := range ids {
		cp := *m.transactions[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UntaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tagged := make(map[int64]bool)
	for _, tag := range m.tags {
		if tag.CompanyID == companyID {
			tagged[tag.TransactionID] = true
		}
	}
	var out []int64
	for id := range m.transactions {
		if !tagged[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) GetMetadata(ctx context.Context, transactionID int64) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.metadata[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make(map[string]any, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp, nil
}

func (m *Memory) GetTag(ctx context.Context, transactionID, companyID int64) (*models.TransactionTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tag := range m.tags {
		if tag.TransactionID == transactionID && tag.CompanyID == companyID {
			cp := *tag
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertTag(ctx context.Context, tag *models.TransactionTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.tags {
		if existing.TransactionID == tag.TransactionID && existing.CompanyID == tag.CompanyID {
			existing.TagCode = tag.TagCode
			existing.ConfidenceScore = tag.ConfidenceScore
			existing.ProcessingNotes = tag.ProcessingNotes
			existing.UpdatedAt = now
			tag.ID = existing.ID
			tag.CreatedAt = existing.CreatedAt
			tag.UpdatedAt = now
			return nil
		}
	}
	tag.ID = m.nextIdentity()
	tag.CreatedAt, tag.UpdatedAt = now, now
	cp := *tag
	m.tags[tag.ID] = &cp
	return nil
}

func (m *Memory) TaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for _, tag := range m.tags {
		if tag.CompanyID == companyID {
			out = append(out, tag.TransactionID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) CountTags(ctx context.Context, companyID int64) (total, tagged int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tag := range m.tags {
		if tag.CompanyID != companyID {
			continue
		}
		total++
		if tag.TagCode != "" {
			tagged++
		}
	}
	return total, tagged, nil
}

func (m *Memory) TopTags(ctx context.Context, companyID int64, limit int) ([]TagCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for _, tag := range m.tags {
		if tag.CompanyID == companyID && tag.TagCode != "" {
			counts[tag.TagCode]++
		}
	}
	out := make([]TagCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, TagCount{TagCode: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TagCode < out[j].TagCode
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddTransaction seeds a transaction row, optionally with external metadata.
// Intended for tests and fixtures.
func (m *Memory) AddTransaction(tx *models.Transaction, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == 0 {
		tx.ID = m.nextIdentity()
	} else if tx.ID > m.nextID {
		m.nextID = tx.ID
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	if metadata != nil {
		m.metadata[tx.ID] = metadata
	}
}

func sortRules(rules []*models.TaggingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
