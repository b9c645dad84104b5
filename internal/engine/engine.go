// Package engine selects at most one tag per (transaction, company) pair by
// evaluating the company's active rules in priority order through a closed
// set of rule processors.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/autotag/autotag/internal/logging"
	"github.com/autotag/autotag/internal/models"
	"github.com/autotag/autotag/internal/storage"
)

// Rules with priority below this threshold stop evaluation once they match
// with confidence above the threshold below; operators use low priorities to
// mark authoritative rules.
const (
	authoritativePriority   = 50
	authoritativeConfidence = 0.9
)

// stockConfidence is the confidence assigned to every processor match today.
// The best-confidence arbitration below exists for future processors that
// yield other values.
const stockConfidence = 1.0

// Options tune engine behavior.
type Options struct {
	// PreserveManualOverrides stops the engine from overwriting tags an
	// operator set by hand. Historically the engine always overwrote them,
	// so the default (false) keeps that behavior.
	PreserveManualOverrides bool
}

// Engine orchestrates rule evaluation and tag persistence.
type Engine struct {
	store      storage.Store
	processors map[models.RuleType]Processor
	log        zerolog.Logger
	opts       Options
}

// New wires the four processor families to their rule types. The legacy
// "script" type routes to the CEL processor.
func New(store storage.Store, log zerolog.Logger, opts Options) (*Engine, error) {
	celProc, err := NewCelProcessor(logging.Security(log))
	if err != nil {
		return nil, fmt.Errorf("init CEL processor: %w", err)
	}

	return &Engine{
		store: store,
		processors: map[models.RuleType]Processor{
			models.RuleTypeSimple:      NewSimpleProcessor(),
			models.RuleTypeConditional: NewConditionalProcessor(),
			models.RuleTypeScript:      celProc,
			models.RuleTypeCEL:         celProc,
			models.RuleTypeML:          NewMLProcessor(),
		},
		log:  log,
		opts: opts,
	}, nil
}

// Processor returns the processor registered for a rule type.
func (e *Engine) Processor(ruleType models.RuleType) (Processor, bool) {
	p, ok := e.processors[ruleType]
	return p, ok
}

// TagTransaction evaluates the company's active rules against one transaction
// and persists the winning tag. It returns the chosen tag code, or the empty
// string when no rule matched (in which case no row is written).
//
// Rules are walked in ascending priority; a rule whose guard fails or whose
// type is unknown is skipped, and a processor failure is recorded in the
// processing notes without aborting the walk.
func (e *Engine) TagTransaction(ctx context.Context, tx *models.Transaction, company *models.Company) (string, error) {
	metadata, err := e.store.GetMetadata(ctx, tx.ID)
	if errors.Is(err, storage.ErrNotFound) {
		metadata = map[string]any{}
	} else if err != nil {
		return "", fmt.Errorf("load metadata for transaction %d: %w", tx.ID, err)
	}

	rules, err := e.store.ActiveRules(ctx, company.ID)
	if err != nil {
		return "", fmt.Errorf("load rules for company %s: %w", company.Code, err)
	}

	var (
		bestTag        string
		bestConfidence float64
		notes          []string
	)

	for _, rule := range rules {
		if !e.GuardPasses(tx, metadata, rule.Conditions) {
			continue
		}

		processor, ok := e.processors[rule.RuleType]
		if !ok {
			e.log.Debug().
				Str("rule", rule.Name).
				Str("rule_type", string(rule.RuleType)).
				Msg("no processor for rule type, skipping")
			continue
		}

		tag, err := processor.Process(tx, metadata, rule.RuleConfig)
		if err != nil {
			notes = append(notes, fmt.Sprintf("Rule '%s' failed: %v", rule.Name, err))
			continue
		}
		if tag == "" {
			continue
		}

		confidence := stockConfidence
		if confidence > bestConfidence {
			bestTag = tag
			bestConfidence = confidence
		}
		notes = append(notes, fmt.Sprintf("Rule '%s' matched: %s", rule.Name, tag))

		if rule.Priority < authoritativePriority && confidence > authoritativeConfidence {
			break
		}
	}

	if bestTag == "" {
		return "", nil
	}

	if e.opts.PreserveManualOverrides {
		existing, err := e.store.GetTag(ctx, tx.ID, company.ID)
		if err == nil && existing.IsManualOverride {
			e.log.Debug().
				Int64("transaction_id", tx.ID).
				Str("company", company.Code).
				Str("tag", bestTag).
				Msg("manual override present, not overwriting")
			return bestTag, nil
		}
	}

	err = e.store.UpsertTag(ctx, &models.TransactionTag{
		TransactionID:   tx.ID,
		CompanyID:       company.ID,
		TagCode:         bestTag,
		ConfidenceScore: bestConfidence,
		ProcessingNotes: strings.Join(notes, "\n"),
	})
	if err != nil {
		return "", fmt.Errorf("persist tag for transaction %d: %w", tx.ID, err)
	}

	return bestTag, nil
}

// GuardPasses evaluates a rule's guard conditions as a single top-level
// clause. An empty or malformed guard passes; the guard only blocks when it
// parses and evaluates false.
func (e *Engine) GuardPasses(tx *models.Transaction, metadata map[string]any, conditions json.RawMessage) bool {
	guard, err := ParseCondition(conditions)
	if err != nil {
		e.log.Warn().Err(err).Msg("unparseable rule guard, treating as absent")
		return true
	}
	if guard.IsZero() {
		return true
	}
	return guard.Evaluate(tx, metadata)
}
