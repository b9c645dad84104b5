package rules

import "encoding/json"

// SampleRules returns a fixed set of illustrative rules covering the simple,
// conditional and CEL-bearing script shapes. The script sample deliberately
// carries a legacy imperative body, which the CEL processor refuses at
// evaluation time.
func SampleRules() []RuleSpec {
	return []RuleSpec{
		{
			Name:     "Simple Product Mapping",
			RuleType: "simple",
			Priority: 100,
			RuleConfig: json.RawMessage(`{
  "mappings": {
    "product_code": {
      "PROD_A": "TAG_001",
      "PROD_B": "TAG_002",
      "PROD_C": "TAG_003"
    }
  }
}`),
			Conditions: json.RawMessage(`{}`),
			IsActive:   true,
		},
		{
			Name:     "High Value Online Transactions",
			RuleType: "conditional",
			Priority: 50,
			RuleConfig: json.RawMessage(`{
  "conditions": [
    {
      "conditions": [
        {"field": "source", "operator": "equals", "value": "online"},
        {"field": "metadata.amount", "operator": "greater_than", "value": 1000}
      ],
      "operator": "and",
      "tag": "HIGH_VALUE_ONLINE"
    }
  ]
}`),
			Conditions: json.RawMessage(`{}`),
			IsActive:   true,
		},
		{
			Name:     "Premium Customer Script",
			RuleType: "script",
			Priority: 25,
			RuleConfig: json.RawMessage(`{
  "script": "def get_tag(transaction, metadata):\n    customer_tier = metadata.get('customer_tier', '')\n    if customer_tier == 'gold' and transaction.produce_rate > 100:\n        return 'GOLD_PREMIUM'\n    return None"
}`),
			Conditions: json.RawMessage(`{"field": "metadata.customer_tier", "operator": "exists"}`),
			IsActive:   true,
		},
		{
			Name:     "Premium Tier Expression",
			RuleType: "cel",
			Priority: 30,
			RuleConfig: json.RawMessage(`{
  "expression": "transaction.product_code.startsWith('PREMIUM') && metadata.customer_tier == 'gold' ? 'GOLD_PREMIUM' : 'STANDARD_PREMIUM'",
  "default_tag": "BASIC"
}`),
			Conditions: json.RawMessage(`{}`),
			IsActive:   true,
		},
	}
}
