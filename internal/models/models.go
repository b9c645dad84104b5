// Package models holds the entities shared across the tagging engine:
// companies, tagging rules, transaction tags and the consumed transaction rows.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType identifies which processor family evaluates a rule's config.
type RuleType string

const (
	RuleTypeSimple      RuleType = "simple"
	RuleTypeConditional RuleType = "conditional"
	RuleTypeScript      RuleType = "script" // legacy alias, routed to the CEL processor
	RuleTypeCEL         RuleType = "cel"
	RuleTypeML          RuleType = "ml"
)

// Company is the tenant that owns rules and tags. The code is globally unique;
// inactive companies are invisible to the tagging engine.
type Company struct {
	ID             int64           `json:"id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	MetadataSchema json.RawMessage `json:"metadata_schema,omitempty"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (c *Company) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Code)
}

// TaggingRule is a named, prioritized unit of tagging logic owned by a company.
// RuleConfig is opaque JSON whose shape depends on RuleType; each processor owns
// its typed view and parses on use. Conditions is an optional guard tree in the
// conditional-clause grammar, evaluated before the processor runs.
// (company, name) is unique.
type TaggingRule struct {
	ID         int64           `json:"id"`
	CompanyID  int64           `json:"company_id"`
	Name       string          `json:"name"`
	RuleType   RuleType        `json:"rule_type"`
	Priority   int             `json:"priority"` // lower value = evaluated earlier
	RuleConfig json.RawMessage `json:"rule_config"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TransactionTag records the engine's decision for one (transaction, company)
// pair; at most one row exists per pair. An empty TagCode marks an explicitly
// untagged placeholder (NULL in storage). Rows with IsManualOverride were set
// by an operator; whether the engine overwrites them is an engine option.
type TransactionTag struct {
	ID               int64     `json:"id"`
	TransactionID    int64     `json:"transaction_id"`
	CompanyID        int64     `json:"company_id"`
	TagCode          string    `json:"tag_code,omitempty"`
	ConfidenceScore  float64   `json:"confidence_score"`
	IsManualOverride bool      `json:"is_manual_override"`
	ProcessingNotes  string    `json:"processing_notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transaction is the upstream row the engine consumes. The engine never
// mutates transactions.
type Transaction struct {
	ID           int64           `json:"id"`
	ProductCode  string          `json:"product_code"`
	ProduceRate  decimal.Decimal `json:"produce_rate"`
	LedgerType   string          `json:"ledger_type"`
	Source       string          `json:"source"`
	Jurisdiction string          `json:"jurisdiction"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Field returns the named transaction attribute, or absent for anything that
// is not a recognized field. Time values are rendered in ISO-8601.
func (t *Transaction) Field(name string) (any, bool) {
	switch name {
	case "id":
		return t.ID, true
	case "product_code":
		return t.ProductCode, true
	case "produce_rate":
		return t.ProduceRate, true
	case "ledger_type":
		return t.LedgerType, true
	case "source":
		return t.Source, true
	case "jurisdiction":
		return t.Jurisdiction, true
	case "created_at":
		return t.CreatedAt.UTC().Format(time.RFC3339), true
	default:
		return nil, false
	}
}

// ExternalData is the one-to-one opaque metadata record for a transaction.
// Absence is treated as an empty map by the engine.
type ExternalData struct {
	TransactionID int64          `json:"transaction_id"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
