package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autotag/autotag/internal/models"
	"github.com/autotag/autotag/internal/storage"
)

// Envelope is the JSON interchange format for a company's rule set.
type Envelope struct {
	CompanyCode string     `json:"company_code"`
	CompanyName string     `json:"company_name"`
	Rules       []RuleSpec `json:"rules"`
}

// RuleSpec is one rule inside an envelope. RuleConfig and Conditions stay
// opaque JSON; validation happens per rule type at import.
type RuleSpec struct {
	Name       string          `json:"name"`
	RuleType   models.RuleType `json:"rule_type"`
	Priority   int             `json:"priority"`
	RuleConfig json.RawMessage `json:"rule_config"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	IsActive   bool            `json:"is_active"`
}

// ImportResult reports a finished import: rule-level failures are collected,
// never aborting the loop.
type ImportResult struct {
	Imported int      `json:"imported"`
	Errors   []string `json:"errors"`
}

// Export serializes all rules of a company into a pretty-printed envelope.
func Export(ctx context.Context, store storage.Store, companyCode string) ([]byte, error) {
	company, err := store.GetCompany(ctx, companyCode)
	if err != nil {
		return nil, fmt.Errorf("company %q: %w", companyCode, err)
	}

	stored, err := store.ListRules(ctx, company.ID)
	if err != nil {
		return nil, fmt.Errorf("list rules for %q: %w", companyCode, err)
	}

	env := Envelope{
		CompanyCode: company.Code,
		CompanyName: company.Name,
		Rules:       make([]RuleSpec, 0, len(stored)),
	}
	for _, r := range stored {
		env.Rules = append(env.Rules, RuleSpec{
			Name:       r.Name,
			RuleType:   r.RuleType,
			Priority:   r.Priority,
			RuleConfig: r.RuleConfig,
			Conditions: r.Conditions,
			IsActive:   r.IsActive,
		})
	}

	return json.MarshalIndent(env, "", "  ")
}

// Import upserts the envelope's rules into the named company, which must
// already exist. Envelope-level failures (bad JSON, missing company_code,
// unknown company) return an error; per-rule failures are collected in the
// result and the loop continues.
func Import(ctx context.Context, store storage.Store, data []byte) (*ImportResult, error) {
	var raw struct {
		CompanyCode string            `json:"company_code"`
		Rules       []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.CompanyCode == "" {
		return nil, fmt.Errorf("missing company_code in JSON")
	}

	company, err := store.GetCompany(ctx, raw.CompanyCode)
	if err != nil {
		return nil, fmt.Errorf("company with code %q not found", raw.CompanyCode)
	}

	result := &ImportResult{Errors: []string{}}
	for _, entry := range raw.Rules {
		spec := RuleSpec{Priority: 100, IsActive: true}
		if err := json.Unmarshal(entry, &spec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Error importing rule 'Unknown': %v", err))
			continue
		}
		if err := importRule(ctx, store, company.ID, spec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Error importing rule '%s': %v", ruleLabel(spec), err))
			continue
		}
		result.Imported++
	}
	return result, nil
}

func importRule(ctx context.Context, store storage.Store, companyID int64, spec RuleSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if spec.RuleType == "" {
		return fmt.Errorf("rule_type is required")
	}
	if len(spec.RuleConfig) == 0 {
		return fmt.Errorf("rule_config is required")
	}
	if err := ValidateRuleConfig(spec.RuleType, spec.RuleConfig); err != nil {
		return err
	}

	conditions := spec.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage("{}")
	}
	return store.UpsertRule(ctx, &models.TaggingRule{
		CompanyID:  companyID,
		Name:       spec.Name,
		RuleType:   spec.RuleType,
		Priority:   spec.Priority,
		RuleConfig: spec.RuleConfig,
		Conditions: conditions,
		IsActive:   spec.IsActive,
	})
}

func ruleLabel(spec RuleSpec) string {
	if spec.Name == "" {
		return "Unknown"
	}
	return spec.Name
}
