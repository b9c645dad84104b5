package engine

import (
	"encoding/json"

	"github.com/autotag/autotag/internal/models"
)

// Processor evaluates one rule config against a transaction and returns a tag
// code, or the empty string when the rule does not match. Implementations are
// stateless apart from caches and are shared across goroutines.
type Processor interface {
	Process(tx *models.Transaction, metadata map[string]any, config json.RawMessage) (string, error)
}
