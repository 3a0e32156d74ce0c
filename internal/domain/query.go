package domain

import (
	"encoding/json"
	"time"
)

// SelectionFilter names the backends that should participate in a query.
// An empty Backends list means "all".
type SelectionFilter struct {
	Backends []string `json:"backends,omitempty"`
}

// All reports whether the filter selects every enabled backend.
func (f SelectionFilter) All() bool { return len(f.Backends) == 0 }

// QueryRequest is a single user query submitted to the orchestrator.
type QueryRequest struct {
	Query          string          `json:"query"`
	Selection      SelectionFilter `json:"selection,omitempty"`
	IncludeBackend bool            `json:"include_backend_data"`
}

// Provenance records one backend call made while answering a query.
type Provenance struct {
	Backend string          `json:"backend"`
	Kind    string          `json:"kind"` // "tool" or "resource"
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result"`
}

// Answer is the aggregated result of a query: model-generated text plus the
// provenance of every backend contribution.
type Answer struct {
	ID         string       `json:"id"`
	Response   string       `json:"response"`
	Provenance []Provenance `json:"provenance,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// QueryRecord is a persisted query/answer pair in the history store.
type QueryRecord struct {
	ID         string       `json:"id"`
	Query      string       `json:"query"`
	Response   string       `json:"response"`
	Provenance []Provenance `json:"provenance,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
