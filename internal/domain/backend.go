package domain

import "time"

// HealthState describes the last known liveness of a backend.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Backend describes one configured MCP backend. Instances are built from
// configuration at startup and are immutable for the process lifetime except
// for the health state, which only the health monitor writes.
type Backend struct {
	Name          string
	Description   string
	URL           string
	Transport     string // "streamable-http"
	Enabled       bool
	Timeout       time.Duration
	RetryAttempts int
	HealthPath    string
	BearerToken   string // opaque credential attached as Authorization header

	// Declared capabilities from configuration; the live set comes from
	// enumeration at query time.
	DeclaredTools     []string
	DeclaredResources []string

	// Keyword hints per tool/resource name used for query relevance matching.
	ToolKeywords     map[string][]string
	ResourceKeywords map[string][]string
}

// ToolDescriptor is a callable operation exposed by a backend. The input
// schema is opaque to the gateway; validation happens at the backend.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Backend     string         `json:"backend"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ResourceDescriptor is an addressable data item exposed by a backend.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Backend     string `json:"backend"`
	Description string `json:"description,omitempty"`
}

// BackendStatus is a point-in-time view of a backend for the REST surface.
type BackendStatus struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url"`
	Enabled     bool        `json:"enabled"`
	Health      HealthState `json:"health"`
	Tools       []string    `json:"tools"`
	Resources   []string    `json:"resources"`
	ProbedAt    time.Time   `json:"probed_at,omitempty"`
}
