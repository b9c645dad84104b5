package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/autotag/autotag/internal/models"
)

// transactionFields are the transaction attributes a simple mapping may
// address directly; any other mapped field reads from metadata.
var transactionFields = map[string]bool{
	"product_code": true,
	"source":       true,
	"jurisdiction": true,
	"ledger_type":  true,
}

// SimpleProcessor maps exact field values to tags:
//
//	{"mappings": {"product_code": {"PROD_A": "TAG_001"}, "channel": {"web": "TAG_002"}}}
//
// Transaction-field mappings are examined before any metadata mapping,
// regardless of declared order; within each partition the first match in
// declared order wins. Matching is case-sensitive with no trimming.
type SimpleProcessor struct{}

// NewSimpleProcessor creates the direct-mapping processor.
func NewSimpleProcessor() *SimpleProcessor {
	return &SimpleProcessor{}
}

type fieldMapping struct {
	field string
	pairs []mappingPair
}

type mappingPair struct {
	value string
	tag   string
}

func (p *SimpleProcessor) Process(tx *models.Transaction, metadata map[string]any, config json.RawMessage) (string, error) {
	mappings, err := parseMappings(config)
	if err != nil {
		return "", err
	}

	// Transaction fields first.
	for _, fm := range mappings {
		if !transactionFields[fm.field] {
			continue
		}
		v, _ := tx.Field(fm.field)
		s, _ := v.(string)
		if s == "" {
			continue
		}
		for _, pair := range fm.pairs {
			if pair.value == s {
				return pair.tag, nil
			}
		}
	}

	// Then metadata fields.
	for _, fm := range mappings {
		if transactionFields[fm.field] {
			continue
		}
		v, ok := metadata[fm.field]
		if !ok {
			continue
		}
		s := stringify(v)
		for _, pair := range fm.pairs {
			if pair.value == s {
				return pair.tag, nil
			}
		}
	}

	return "", nil
}

// parseMappings decodes the "mappings" object with a token walk so that the
// declared order of mapped fields is preserved; first-match semantics depend
// on it.
func parseMappings(config json.RawMessage) ([]fieldMapping, error) {
	dec := json.NewDecoder(bytes.NewReader(config))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("rule config must be an object: %w", err)
	}

	var out []fieldMapping
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		if key != "mappings" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("'mappings' must be an object: %w", err)
		}
		for dec.More() {
			field, err := stringToken(dec)
			if err != nil {
				return nil, err
			}
			if err := expectDelim(dec, '{'); err != nil {
				return nil, fmt.Errorf("mapping for %q must be an object: %w", field, err)
			}
			fm := fieldMapping{field: field}
			for dec.More() {
				value, err := stringToken(dec)
				if err != nil {
					return nil, err
				}
				var tag string
				if err := dec.Decode(&tag); err != nil {
					return nil, fmt.Errorf("mapping %s.%s: tag must be a string: %w", field, value, err)
				}
				fm.pairs = append(fm.pairs, mappingPair{value: value, tag: tag})
			}
			if _, err := dec.Token(); err != nil { // closing }
				return nil, err
			}
			out = append(out, fm)
		}
		if _, err := dec.Token(); err != nil { // closing }
			return nil, err
		}
	}
	return out, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string key, got %v", tok)
	}
	return s, nil
}
