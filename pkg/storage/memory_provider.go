package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	flowStore      *MemoryFlowStore
	executionStore *MemoryExecutionStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		flowStore:      NewMemoryFlowStore(),
		executionStore: NewMemoryExecutionStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// GetFlowStore returns a store for flow definitions
func (p *MemoryProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetExecutionStore returns a store for execution data
func (p *MemoryProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// MemoryFlowStore implements the FlowStore interface using in-memory storage.
// Definitions are kept serialized so callers never share mutable state.
type MemoryFlowStore struct {
	versions map[string]map[int][]byte
	metadata map[string]FlowMetadata
	mu       sync.RWMutex
}

// NewMemoryFlowStore creates a new in-memory flow store
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		versions: make(map[string]map[int][]byte),
		metadata: make(map[string]FlowMetadata),
	}
}

func flowKey(tenantID, flowID string) string {
	return tenantID + "/" + flowID
}

// SaveFlowVersion persists a new version of a flow
func (s *MemoryFlowStore) SaveFlowVersion(ctx context.Context, def *flow.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := flowKey(def.TenantID, def.ID)
	if _, ok := s.versions[key]; !ok {
		s.versions[key] = make(map[int][]byte)
	}
	if _, exists := s.versions[key][def.Version]; exists {
		return ErrFlowVersionExists
	}
	s.versions[key][def.Version] = data
	return nil
}

// GetFlowVersion retrieves a specific version of a flow
func (s *MemoryFlowStore) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error) {
	s.mu.RLock()
	data, ok := s.versions[flowKey(tenantID, flowID)][version]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrFlowNotFound
	}

	var def flow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return &def, nil
}

// ListFlowVersions returns the stored version numbers in ascending order
func (s *MemoryFlowStore) ListFlowVersions(ctx context.Context, tenantID, flowID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[flowKey(tenantID, flowID)]
	if !ok {
		return nil, ErrFlowNotFound
	}
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// GetFlowMetadata retrieves the metadata of a flow
func (s *MemoryFlowStore) GetFlowMetadata(ctx context.Context, tenantID, flowID string) (FlowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[flowKey(tenantID, flowID)]
	if !ok {
		return FlowMetadata{}, ErrFlowNotFound
	}
	return meta, nil
}

// SaveFlowMetadata creates or replaces the metadata of a flow
func (s *MemoryFlowStore) SaveFlowMetadata(ctx context.Context, meta FlowMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata[flowKey(meta.TenantID, meta.FlowID)] = meta
	return nil
}

// ListFlows returns the metadata of every flow of a tenant
func (s *MemoryFlowStore) ListFlows(ctx context.Context, tenantID string) ([]FlowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FlowMetadata
	for _, meta := range s.metadata {
		if meta.TenantID == tenantID {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// MemoryExecutionStore implements the ExecutionStore interface using in-memory storage
type MemoryExecutionStore struct {
	executions map[string]*models.Execution
	awaiting   map[string]string
	logs       map[string][]models.ExecutionLog
	mu         sync.RWMutex
}

// NewMemoryExecutionStore creates a new in-memory execution store
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*models.Execution),
		awaiting:   make(map[string]string),
		logs:       make(map[string][]models.ExecutionLog),
	}
}

// Create persists a new execution with Version 1
func (s *MemoryExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return ErrExecutionExists
	}
	if err := s.claimAwaiting(exec); err != nil {
		return err
	}

	exec.Version = 1
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = time.Now()
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Get retrieves an execution
func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// Update writes exec if the stored version still equals exec.Version
func (s *MemoryExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	if stored.Version != exec.Version {
		return ErrVersionConflict
	}
	if err := s.claimAwaiting(exec); err != nil {
		return err
	}
	if stored.IsAwaiting() && !exec.IsAwaiting() {
		delete(s.awaiting, awaitingKey(stored.TenantID, stored.ContactID))
	}

	exec.Version++
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// claimAwaiting reserves the contact slot for exec when it awaits a reply.
// Callers must hold the write lock.
func (s *MemoryExecutionStore) claimAwaiting(exec *models.Execution) error {
	if !exec.IsAwaiting() {
		return nil
	}
	key := awaitingKey(exec.TenantID, exec.ContactID)
	if owner, taken := s.awaiting[key]; taken && owner != exec.ID {
		return ErrAwaitingConflict
	}
	s.awaiting[key] = exec.ID
	return nil
}

// FindAwaiting returns the execution awaiting a reply from the contact
func (s *MemoryExecutionStore) FindAwaiting(ctx context.Context, tenantID, contactID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.awaiting[awaitingKey(tenantID, contactID)]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	exec, ok := s.executions[id]
	if !ok || !exec.IsAwaiting() {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// FindDue returns active executions past their inactivity deadline
func (s *MemoryExecutionStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Execution
	for _, exec := range s.executions {
		if exec.Status != models.StatusActive || exec.InactivityDeadline == nil {
			continue
		}
		if exec.InactivityDeadline.After(now) {
			continue
		}
		due = append(due, exec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].InactivityDeadline.Before(*due[j].InactivityDeadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Execution, len(due))
	for i, exec := range due {
		out[i] = exec.Clone()
	}
	return out, nil
}

// List returns a page of executions matching the filter, newest first
func (s *MemoryExecutionStore) List(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error) {
	page = page.Normalize()

	s.mu.RLock()
	var matched []*models.Execution
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			matched = append(matched, exec.Clone())
		}
	}
	s.mu.RUnlock()

	return paginate(matched, page), nil
}

// paginate sorts newest first and cuts one page
func paginate(matched []*models.Execution, page models.Pagination) models.ExecutionPage {
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	result := models.ExecutionPage{Total: len(matched), Limit: page.Limit, Offset: page.Offset, Items: []*models.Execution{}}
	if page.Offset >= len(matched) {
		return result
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	result.Items = matched[page.Offset:end]
	return result
}

// AppendLogs persists audit entries
func (s *MemoryExecutionStore) AppendLogs(ctx context.Context, logs ...models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range logs {
		s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	}
	return nil
}

// GetLogs retrieves the audit entries of an execution in order
func (s *MemoryExecutionStore) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.logs[executionID]
	out := make([]models.ExecutionLog, len(logs))
	copy(out, logs)
	return out, nil
}
