package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/rs/zerolog"

	"github.com/autotag/autotag/internal/models"
)

// CEL program cache sizing. Programs are small; the cost of an entry is 1.
const (
	celCacheCounters = 10_000
	celCacheMaxCost  = 2_048
	celCacheBuffer   = 64
)

// CelProcessor evaluates sandboxed CEL expressions. The environment binds
// exactly three names (transaction, metadata, now) and exposes no host APIs;
// CEL's non-Turing-complete evaluation is the sandbox guarantee. Compiled
// programs are cached by expression text.
//
// Two config modes:
//
//	{"expression": "<cel>", "default_tag": "BASIC"}
//	{"conditions": [{"expression": "<cel>", "tag": "T"}, ...], "default_tag": null}
//
// A legacy "script" key is treated as an expression unless it carries
// imperative-language markers, in which case evaluation is refused and a
// security event is emitted.
type CelProcessor struct {
	env      *cel.Env
	programs *ristretto.Cache[string, cel.Program]
	security zerolog.Logger
}

// NewCelProcessor builds the CEL environment and program cache. The security
// logger receives structured events for compile/eval failures and rejected
// legacy scripts.
func NewCelProcessor(security zerolog.Logger) (*CelProcessor, error) {
	env, err := cel.NewEnv(
		cel.Variable("transaction", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	programs, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: celCacheCounters,
		MaxCost:     celCacheMaxCost,
		BufferItems: celCacheBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("create CEL program cache: %w", err)
	}

	return &CelProcessor{env: env, programs: programs, security: security}, nil
}

type celCondition struct {
	Expression string `json:"expression"`
	Tag        string `json:"tag"`
}

func (p *CelProcessor) Process(tx *models.Transaction, metadata map[string]any, config json.RawMessage) (string, error) {
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(config, &cfg); err != nil {
		p.security.Error().
			Str("event_type", "cel_evaluation_error").
			Err(err).
			Msg("CEL rule config is not a JSON object")
		return "", nil
	}

	activation := p.activation(tx, metadata)

	if raw, ok := cfg["expression"]; ok {
		var expression string
		if err := json.Unmarshal(raw, &expression); err != nil {
			p.security.Error().
				Str("event_type", "cel_evaluation_error").
				Err(err).
				Msg("CEL 'expression' is not a string")
			return "", nil
		}
		return p.evalSingle(expression, defaultTag(cfg), activation), nil
	}

	if raw, ok := cfg["conditions"]; ok {
		var conditions []celCondition
		if err := json.Unmarshal(raw, &conditions); err != nil {
			p.security.Error().
				Str("event_type", "cel_evaluation_error").
				Err(err).
				Msg("CEL 'conditions' is not a list")
			return "", nil
		}
		return p.evalConditions(conditions, defaultTag(cfg), activation), nil
	}

	if raw, ok := cfg["script"]; ok {
		var script string
		if err := json.Unmarshal(raw, &script); err != nil {
			p.security.Error().
				Str("event_type", "cel_evaluation_error").
				Err(err).
				Msg("legacy 'script' is not a string")
			return "", nil
		}
		if script == "" {
			return "", nil
		}
		if strings.Contains(script, "def ") || strings.Contains(script, "return") {
			p.security.Warn().
				Str("event_type", "legacy_python_script").
				Str("script_preview", truncate(script, 100)).
				Msg("imperative script detected in legacy rule, CEL expressions required")
			return "", nil
		}
		// Legacy scripts carry no default_tag.
		return p.evalSingle(script, "", activation), nil
	}

	return "", nil
}

// evalSingle evaluates one expression expected to yield a tag string; any
// other result, or a compile/eval failure, yields the default tag.
func (p *CelProcessor) evalSingle(expression, defaultTag string, activation map[string]any) string {
	if expression == "" {
		return defaultTag
	}

	prg, err := p.program(expression)
	if err != nil {
		p.logExpressionFailure("cel_expression_error", expression, err)
		return defaultTag
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		p.logExpressionFailure("cel_expression_error", expression, err)
		return defaultTag
	}

	if s, ok := out.Value().(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return defaultTag
}

// evalConditions returns the tag of the first entry whose expression
// evaluates truthy. Entries missing expression or tag are skipped, as are
// entries that fail to compile or evaluate.
func (p *CelProcessor) evalConditions(conditions []celCondition, defaultTag string, activation map[string]any) string {
	for _, cond := range conditions {
		if cond.Expression == "" || cond.Tag == "" {
			continue
		}
		prg, err := p.program(cond.Expression)
		if err != nil {
			p.logExpressionFailure("cel_condition_error", cond.Expression, err)
			continue
		}
		out, _, err := prg.Eval(activation)
		if err != nil {
			p.logExpressionFailure("cel_condition_error", cond.Expression, err)
			continue
		}
		if isTruthy(out) {
			return cond.Tag
		}
	}
	return defaultTag
}

// program compiles an expression, consulting the program cache first.
func (p *CelProcessor) program(expression string) (cel.Program, error) {
	if prg, ok := p.programs.Get(expression); ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	p.programs.Set(expression, prg, 1)
	return prg, nil
}

// activation builds the evaluation context. produce_rate is exposed as a
// double; timestamps as ISO-8601 strings.
func (p *CelProcessor) activation(tx *models.Transaction, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"transaction": map[string]any{
			"product_code": tx.ProductCode,
			"produce_rate": tx.ProduceRate.InexactFloat64(),
			"ledger_type":  tx.LedgerType,
			"source":       tx.Source,
			"jurisdiction": tx.Jurisdiction,
			"created_at":   tx.CreatedAt.UTC().Format(time.RFC3339),
		},
		"metadata": metadata,
		"now":      time.Now().UTC().Format(time.RFC3339),
	}
}

func (p *CelProcessor) logExpressionFailure(eventType, expression string, err error) {
	p.security.Warn().
		Str("event_type", eventType).
		Str("expression", expression).
		Err(err).
		Msg("CEL expression evaluation failed")
}

func defaultTag(cfg map[string]json.RawMessage) string {
	raw, ok := cfg["default_tag"]
	if !ok {
		return ""
	}
	var tag *string
	if err := json.Unmarshal(raw, &tag); err != nil || tag == nil {
		return ""
	}
	return *tag
}

// isTruthy mirrors dynamic-language truthiness for condition results: false,
// zero, empty string and empty collections do not match.
func isTruthy(val ref.Val) bool {
	switch v := val.Value().(type) {
	case bool:
		return v
	case string:
		return v != ""
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case float64:
		return v != 0
	case []byte:
		return len(v) > 0
	case nil:
		return false
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
