// Package storage provides persistence for flow definitions and executions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

var (
	// ErrFlowNotFound is returned when a flow or flow version does not exist
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowVersionExists is returned when a flow version is stored twice
	ErrFlowVersionExists = errors.New("flow version already exists")

	// ErrExecutionNotFound is returned when an execution does not exist
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned when an execution id is reused
	ErrExecutionExists = errors.New("execution already exists")

	// ErrVersionConflict is returned when a compare-and-set write loses a race
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrAwaitingConflict is returned when a second execution would await a
	// reply from the same contact
	ErrAwaitingConflict = errors.New("contact already has an execution awaiting a reply")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetFlowStore returns a store for flow definitions
	GetFlowStore() FlowStore

	// GetExecutionStore returns a store for execution data
	GetExecutionStore() ExecutionStore
}

// FlowMetadata describes a flow across all of its versions
type FlowMetadata struct {
	// TenantID is the tenant that owns the flow
	TenantID string `json:"tenant_id"`

	// FlowID is the ID of the flow
	FlowID string `json:"flow_id"`

	// Name of the flow (latest version)
	Name string `json:"name"`

	// Description of the flow (latest version)
	Description string `json:"description,omitempty"`

	// LatestVersion is the highest stored version
	LatestVersion int `json:"latest_version"`

	// ActiveVersion is the version new executions start with; 0 means inactive
	ActiveVersion int `json:"active_version"`

	// CreatedAt is when the flow was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the flow was last updated
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowStore manages flow definition persistence. Versions are immutable.
type FlowStore interface {
	// SaveFlowVersion persists a new version; the version number must be unused
	SaveFlowVersion(ctx context.Context, def *flow.Definition) error

	// GetFlowVersion retrieves a specific version of a flow
	GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error)

	// ListFlowVersions returns the stored version numbers in ascending order
	ListFlowVersions(ctx context.Context, tenantID, flowID string) ([]int, error)

	// GetFlowMetadata retrieves the metadata of a flow
	GetFlowMetadata(ctx context.Context, tenantID, flowID string) (FlowMetadata, error)

	// SaveFlowMetadata creates or replaces the metadata of a flow
	SaveFlowMetadata(ctx context.Context, meta FlowMetadata) error

	// ListFlows returns the metadata of every flow of a tenant
	ListFlows(ctx context.Context, tenantID string) ([]FlowMetadata, error)
}

// ExecutionStore manages execution persistence.
//
// Writes are compare-and-set on Execution.Version: Update succeeds only when
// the stored version equals exec.Version and then increments it. At most one
// execution per (tenant, contact) may be active and awaiting a reply.
type ExecutionStore interface {
	// Create persists a new execution with Version 1
	Create(ctx context.Context, exec *models.Execution) error

	// Get retrieves an execution
	Get(ctx context.Context, id string) (*models.Execution, error)

	// Update writes exec if the stored version still equals exec.Version
	Update(ctx context.Context, exec *models.Execution) error

	// FindAwaiting returns the execution awaiting a reply from the contact
	FindAwaiting(ctx context.Context, tenantID, contactID string) (*models.Execution, error)

	// FindDue returns active executions whose inactivity deadline is at or
	// before now, earliest first, at most limit of them
	FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)

	// List returns a page of executions matching the filter, newest first
	List(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error)

	// AppendLogs persists audit entries
	AppendLogs(ctx context.Context, logs ...models.ExecutionLog) error

	// GetLogs retrieves the audit entries of an execution in order
	GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
}

// awaitingKey identifies the contact slot guarded by the awaiting invariant
func awaitingKey(tenantID, contactID string) string {
	return tenantID + "#" + contactID
}
