// Package registry provides functionality for managing versioned flow definitions.
package registry

import (
	"context"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/loader"
)

// FlowRegistry manages flow definitions. Every write stores a new immutable
// version; executions pin the version they were started with.
type FlowRegistry interface {
	// Create stores the first version of a new flow
	Create(ctx context.Context, tenantID string, def *flow.Definition) (*flow.Definition, error)

	// Update stores a new version of an existing flow
	Update(ctx context.Context, tenantID, flowID string, def *flow.Definition) (*flow.Definition, error)

	// Import parses a YAML or JSON document and creates or updates the flow it describes
	Import(ctx context.Context, tenantID string, content []byte) (*flow.Definition, error)

	// Get retrieves the latest version of a flow
	Get(ctx context.Context, tenantID, flowID string) (*flow.Definition, error)

	// GetVersion retrieves a specific version of a flow
	GetVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error)

	// List returns all flows of a tenant
	List(ctx context.Context, tenantID string) ([]FlowInfo, error)

	// Search returns the flows of a tenant matching the filters
	Search(ctx context.Context, tenantID string, filters FlowSearchFilters) ([]FlowInfo, error)

	// ListVersions returns all versions of a flow
	ListVersions(ctx context.Context, tenantID, flowID string) ([]FlowVersionInfo, error)

	// Activate validates a version and makes it the one new executions start with.
	// Version 0 selects the latest version.
	Activate(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error)

	// Deactivate stops new executions of the flow; running ones are unaffected
	Deactivate(ctx context.Context, tenantID, flowID string) error

	// Graph returns the indexed graph of a pinned version
	Graph(ctx context.Context, tenantID, flowID string, version int) (*flow.Graph, error)

	// ActiveGraph returns the graph of the active version
	ActiveGraph(ctx context.Context, tenantID, flowID string) (*flow.Graph, error)
}

// FlowInfo contains metadata about a flow
type FlowInfo struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	LatestVersion int       `json:"latest_version"`
	ActiveVersion int       `json:"active_version,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FlowVersionInfo contains metadata about a specific flow version
type FlowVersionInfo struct {
	FlowID      string    `json:"flow_id"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// FlowSearchFilters defines the filters for searching flows
type FlowSearchFilters struct {
	// Search by name (case-insensitive partial match)
	NameContains string `json:"name_contains,omitempty"`

	// Only return flows with an active version
	ActiveOnly bool `json:"active_only,omitempty"`

	// Filter by update date range
	UpdatedAfter  *time.Time `json:"updated_after,omitempty"`
	UpdatedBefore *time.Time `json:"updated_before,omitempty"`
}

// FlowRegistryOptions contains options for creating a flow registry
type FlowRegistryOptions struct {
	// Loader parses documents passed to Import; defaults to the YAML loader
	Loader loader.FlowLoader

	// GraphCacheTTL bounds how long parsed graphs stay cached; defaults to 30 minutes
	GraphCacheTTL time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}
