package engine

import (
	"encoding/json"
	"fmt"

	"github.com/autotag/autotag/internal/models"
)

// ConditionalProcessor evaluates an ordered list of boolean clauses and
// returns the tag of the first top-level clause whose predicate is true:
//
//	{"conditions": [
//	    {"field": "product_code", "operator": "equals", "value": "PROD_A", "tag": "TAG_001"},
//	    {"conditions": [...], "operator": "and", "tag": "TAG_003"}
//	]}
type ConditionalProcessor struct{}

// NewConditionalProcessor creates the boolean-DSL processor.
func NewConditionalProcessor() *ConditionalProcessor {
	return &ConditionalProcessor{}
}

type conditionalConfig struct {
	Conditions []Condition `json:"conditions"`
}

func (p *ConditionalProcessor) Process(tx *models.Transaction, metadata map[string]any, config json.RawMessage) (string, error) {
	var cfg conditionalConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return "", fmt.Errorf("decode conditional config: %w", err)
	}

	for _, clause := range cfg.Conditions {
		if clause.Evaluate(tx, metadata) {
			return clause.Tag, nil
		}
	}
	return "", nil
}
