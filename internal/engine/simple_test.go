package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleProcessorTransactionField(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()

	config := json.RawMessage(`{
		"mappings": {
			"product_code": {
				"PROD_001": "TAG_A",
				"PROD_002": "TAG_B"
			}
		}
	}`)

	tag, err := p.Process(tx, nil, config)
	require.NoError(t, err)
	assert.Equal(t, "TAG_A", tag)
}

func TestSimpleProcessorMetadataField(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()
	metadata := map[string]any{"channel": "web", "amount": float64(100)}

	config := json.RawMessage(`{
		"mappings": {
			"channel": {"web": "WEB_TAG"},
			"amount": {"100": "HUNDRED"}
		}
	}`)

	tag, err := p.Process(tx, metadata, config)
	require.NoError(t, err)
	assert.Equal(t, "WEB_TAG", tag)

	// Metadata values are stringified before matching, so the numeric 100
	// matches the "100" key.
	metadata = map[string]any{"amount": float64(100)}
	tag, err = p.Process(tx, metadata, config)
	require.NoError(t, err)
	assert.Equal(t, "HUNDRED", tag)
}

func TestSimpleProcessorTransactionFieldsBeforeMetadata(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()
	metadata := map[string]any{"channel": "web"}

	// Metadata mapping is declared first, but the transaction-field mapping
	// still wins.
	config := json.RawMessage(`{
		"mappings": {
			"channel": {"web": "META_TAG"},
			"source": {"online": "TX_TAG"}
		}
	}`)

	tag, err := p.Process(tx, metadata, config)
	require.NoError(t, err)
	assert.Equal(t, "TX_TAG", tag)
}

func TestSimpleProcessorDeclaredOrderWithinPartition(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()

	// Both fields match; the first declared transaction field wins.
	config := json.RawMessage(`{
		"mappings": {
			"source": {"online": "FROM_SOURCE"},
			"product_code": {"PROD_001": "FROM_PRODUCT"}
		}
	}`)
	tag, err := p.Process(tx, nil, config)
	require.NoError(t, err)
	assert.Equal(t, "FROM_SOURCE", tag)

	flipped := json.RawMessage(`{
		"mappings": {
			"product_code": {"PROD_001": "FROM_PRODUCT"},
			"source": {"online": "FROM_SOURCE"}
		}
	}`)
	tag, err = p.Process(tx, nil, flipped)
	require.NoError(t, err)
	assert.Equal(t, "FROM_PRODUCT", tag)
}

func TestSimpleProcessorSkipsEmptyTransactionValues(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()
	tx.LedgerType = ""

	config := json.RawMessage(`{
		"mappings": {
			"ledger_type": {"": "EMPTY_TAG"},
			"source": {"online": "SOURCE_TAG"}
		}
	}`)

	// An empty transaction value never matches, even against an empty key.
	tag, err := p.Process(tx, nil, config)
	require.NoError(t, err)
	assert.Equal(t, "SOURCE_TAG", tag)
}

func TestSimpleProcessorNoMatch(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()

	config := json.RawMessage(`{"mappings": {"product_code": {"OTHER": "TAG"}}}`)
	tag, err := p.Process(tx, nil, config)
	require.NoError(t, err)
	assert.Equal(t, "", tag)
}

func TestSimpleProcessorMalformedConfig(t *testing.T) {
	p := NewSimpleProcessor()
	tx := testTransaction()

	_, err := p.Process(tx, nil, json.RawMessage(`["not", "an", "object"]`))
	assert.Error(t, err)

	_, err = p.Process(tx, nil, json.RawMessage(`{"mappings": {"product_code": {"PROD_001": 42}}}`))
	assert.Error(t, err)
}

func TestParseMappingsPreservesOrder(t *testing.T) {
	config := json.RawMessage(`{
		"other_key": true,
		"mappings": {
			"b_field": {"v1": "T1", "v2": "T2"},
			"a_field": {"v3": "T3"}
		}
	}`)

	mappings, err := parseMappings(config)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "b_field", mappings[0].field)
	assert.Equal(t, "a_field", mappings[1].field)
	require.Len(t, mappings[0].pairs, 2)
	assert.Equal(t, mappingPair{value: "v1", tag: "T1"}, mappings[0].pairs[0])
	assert.Equal(t, mappingPair{value: "v2", tag: "T2"}, mappings[0].pairs[1])
}
