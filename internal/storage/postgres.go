package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/autotag/autotag/internal/models"
)

// Postgres implements Store on a pgx connection pool. The schema matches the
// storage contract: companies, tagging_rules, transaction_tags, transactions
// and external_data, with unique constraints on companies.code,
// (company_id, name) and (transaction_id, company_id).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetCompany(ctx context.Context, code string) (*models.Company, error) {
	var c models.Company
	var schema []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, code, name, metadata_schema, is_active, created_at, updated_at
		FROM companies WHERE code = $1`, code).
		Scan(&c.ID, &c.Code, &c.Name, &schema, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company %q: %w", code, err)
	}
	c.MetadataSchema = json.RawMessage(schema)
	return &c, nil
}

func (p *Postgres) CreateCompany(ctx context.Context, company *models.Company) error {
	schema := company.MetadataSchema
	if len(schema) == 0 {
		schema = json.RawMessage("{}")
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO companies (code, name, metadata_schema, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		company.Code, company.Name, []byte(schema), company.IsActive).
		Scan(&company.ID, &company.CreatedAt, &company.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create company %q: %w", company.Code, err)
	}
	return nil
}

const ruleColumns = `id, company_id, name, rule_type, priority, rule_config, conditions, is_active, created_at, updated_at`

func scanRule(row pgx.Row) (*models.TaggingRule, error) {
	var r models.TaggingRule
	var config, conditions []byte
	err := row.Scan(&r.ID, &r.CompanyID, &r.Name, &r.RuleType, &r.Priority,
		&config, &conditions, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RuleConfig = json.RawMessage(config)
	r.Conditions = json.RawMessage(conditions)
	return &r, nil
}

func (p *Postgres) queryRules(ctx context.Context, query string, args ...any) ([]*models.TaggingRule, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []*models.TaggingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error) {
	return p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM tagging_rules
		WHERE company_id = $1 AND is_active = true
		ORDER BY priority ASC, id ASC`, companyID)
}

func (p *Postgres) ListRules(ctx context.Context, companyID int64) ([]*models.TaggingRule, error) {
	return p.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM tagging_rules
		WHERE company_id = $1
		ORDER BY priority ASC, id ASC`, companyID)
}

func (p *Postgres) GetRule(ctx context.Context, companyID int64, name string) (*models.TaggingRule, error) {
	r, err := scanRule(p.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM tagging_rules
		WHERE company_id = $1 AND name = $2`, companyID, name))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %q: %w", name, err)
	}
	return r, nil
}

func (p *Postgres) UpsertRule(ctx context.Context, rule *models.TaggingRule) error {
	config := rule.RuleConfig
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	conditions := rule.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage("{}")
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO tagging_rules (company_id, name, rule_type, priority, rule_config, conditions, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, name) DO UPDATE SET
			rule_type = EXCLUDED.rule_type,
			priority = EXCLUDED.priority,
			rule_config = EXCLUDED.rule_config,
			conditions = EXCLUDED.conditions,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		rule.CompanyID, rule.Name, rule.RuleType, rule.Priority,
		[]byte(config), []byte(conditions), rule.IsActive).
		Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rule %q: %w", rule.Name, err)
	}
	return nil
}

func (p *Postgres) CountActiveRules(ctx context.Context, companyID int64) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM tagging_rules
		WHERE company_id = $1 AND is_active = true`, companyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active rules: %w", err)
	}
	return n, nil
}

const txColumns = `id, product_code, produce_rate, ledger_type, source, jurisdiction, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.ProductCode, &t.ProduceRate, &t.LedgerType,
		&t.Source, &t.Jurisdiction, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	t, err := scanTransaction(p.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) ListTransactions(ctx context.Context, ids []int64) ([]*models.Transaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) SampleTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("sample transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UntaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT t.id FROM transactions t
		WHERE NOT EXISTS (
			SELECT 1 FROM transaction_tags tt
			WHERE tt.transaction_id = t.id AND tt.company_id = $1
		)
		ORDER BY t.id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("untagged transaction ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (p *Postgres) GetMetadata(ctx context.Context, transactionID int64) (map[string]any, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT metadata FROM external_data WHERE transaction_id = $1`, transactionID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata for transaction %d: %w", transactionID, err)
	}
	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata for transaction %d: %w", transactionID, err)
	}
	return md, nil
}

func (p *Postgres) GetTag(ctx context.Context, transactionID, companyID int64) (*models.TransactionTag, error) {
	var t models.TransactionTag
	var tagCode, notes *string
	err := p.pool.QueryRow(ctx, `
		SELECT id, transaction_id, company_id, tag_code, confidence_score,
		       is_manual_override, processing_notes, created_at, updated_at
		FROM transaction_tags
		WHERE transaction_id = $1 AND company_id = $2`, transactionID, companyID).
		Scan(&t.ID, &t.TransactionID, &t.CompanyID, &tagCode, &t.ConfidenceScore,
			&t.IsManualOverride, &notes, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tag (%d, %d): %w", transactionID, companyID, err)
	}
	if tagCode != nil {
		t.TagCode = *tagCode
	}
	if notes != nil {
		t.ProcessingNotes = *notes
	}
	return &t, nil
}

func (p *Postgres) UpsertTag(ctx context.Context, tag *models.TransactionTag) error {
	// Empty tag codes are stored as NULL so that stats can distinguish tagged
	// rows from explicitly-untagged placeholders.
	var tagCode *string
	if tag.TagCode != "" {
		tagCode = &tag.TagCode
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO transaction_tags
			(transaction_id, company_id, tag_code, confidence_score, is_manual_override, processing_notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id, company_id) DO UPDATE SET
			tag_code = EXCLUDED.tag_code,
			confidence_score = EXCLUDED.confidence_score,
			processing_notes = EXCLUDED.processing_notes,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		tag.TransactionID, tag.CompanyID, tagCode, tag.ConfidenceScore,
		tag.IsManualOverride, tag.ProcessingNotes).
		Scan(&tag.ID, &tag.CreatedAt, &tag.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert tag (%d, %d): %w", tag.TransactionID, tag.CompanyID, err)
	}
	return nil
}

func (p *Postgres) TaggedTransactionIDs(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT transaction_id FROM transaction_tags
		WHERE company_id = $1 ORDER BY transaction_id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("tagged transaction ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (p *Postgres) CountTags(ctx context.Context, companyID int64) (total, tagged int64, err error) {
	err = p.pool.QueryRow(ctx, `
		SELECT count(*), count(tag_code) FROM transaction_tags
		WHERE company_id = $1`, companyID).Scan(&total, &tagged)
	if err != nil {
		return 0, 0, fmt.Errorf("count tags: %w", err)
	}
	return total, tagged, nil
}

func (p *Postgres) TopTags(ctx context.Context, companyID int64, limit int) ([]TagCount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tag_code, count(*) AS n FROM transaction_tags
		WHERE company_id = $1 AND tag_code IS NOT NULL
		GROUP BY tag_code
		ORDER BY n DESC, tag_code ASC
		LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("top tags: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.TagCode, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
