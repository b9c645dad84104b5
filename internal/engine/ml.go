package engine

import (
	"encoding/json"

	"github.com/autotag/autotag/internal/models"
)

// MLProcessor is a placeholder for model-backed tagging. A full
// implementation would extract features from the transaction and metadata,
// run the configured model and return the predicted tag; until then it never
// matches.
type MLProcessor struct{}

// NewMLProcessor creates the placeholder ML processor.
func NewMLProcessor() *MLProcessor {
	return &MLProcessor{}
}

func (p *MLProcessor) Process(tx *models.Transaction, metadata map[string]any, config json.RawMessage) (string, error) {
	return "", nil
}
