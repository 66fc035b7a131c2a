package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/loader"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// Errors returned by the flow registry
var (
	ErrFlowNotFound      = storage.ErrFlowNotFound
	ErrFlowAlreadyExists = errors.New("flow with this id already exists")
	ErrFlowInactive      = errors.New("flow is not active")
)

// DefaultGraphCacheTTL is how long a parsed graph stays cached
const DefaultGraphCacheTTL = 30 * time.Minute

// FlowRegistryService implements the FlowRegistry interface
type FlowRegistryService struct {
	flowStore storage.FlowStore
	loader    loader.FlowLoader
	graphs    *cache.Cache
	now       func() time.Time
}

// NewFlowRegistry creates a new flow registry service
func NewFlowRegistry(flowStore storage.FlowStore, options FlowRegistryOptions) *FlowRegistryService {
	if options.Loader == nil {
		options.Loader = loader.NewYAMLLoader()
	}
	if options.GraphCacheTTL <= 0 {
		options.GraphCacheTTL = DefaultGraphCacheTTL
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &FlowRegistryService{
		flowStore: flowStore,
		loader:    options.Loader,
		graphs:    cache.New(options.GraphCacheTTL, 2*options.GraphCacheTTL),
		now:       options.Now,
	}
}

// Create stores the first version of a new flow
func (r *FlowRegistryService) Create(ctx context.Context, tenantID string, def *flow.Definition) (*flow.Definition, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", flow.ErrInvalidDefinition)
	}
	flowID := def.ID
	if flowID == "" {
		flowID = uuid.New().String()
	}

	_, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowAlreadyExists, flowID)
	}
	if !errors.Is(err, storage.ErrFlowNotFound) {
		return nil, fmt.Errorf("failed to get flow metadata: %w", err)
	}

	now := r.now().UTC()
	meta := storage.FlowMetadata{
		TenantID:  tenantID,
		FlowID:    flowID,
		CreatedAt: now,
	}
	return r.storeVersion(ctx, meta, def, now)
}

// Update stores a new version of an existing flow
func (r *FlowRegistryService) Update(ctx context.Context, tenantID, flowID string, def *flow.Definition) (*flow.Definition, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", flow.ErrInvalidDefinition)
	}
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow metadata: %w", err)
	}
	return r.storeVersion(ctx, meta, def, r.now().UTC())
}

// storeVersion saves def as the next version of the flow described by meta.
// A definition submitted with Active set is validated and activated.
func (r *FlowRegistryService) storeVersion(ctx context.Context, meta storage.FlowMetadata, def *flow.Definition, now time.Time) (*flow.Definition, error) {
	activate := def.Active

	stored := *def
	stored.ID = meta.FlowID
	stored.TenantID = meta.TenantID
	stored.Version = meta.LatestVersion + 1
	stored.Active = false
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if activate {
		if err := stored.Validate(); err != nil {
			return nil, err
		}
	}

	if err := r.flowStore.SaveFlowVersion(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to save flow version: %w", err)
	}

	meta.Name = stored.Name
	meta.Description = stored.Description
	meta.LatestVersion = stored.Version
	meta.UpdatedAt = now
	if activate {
		meta.ActiveVersion = stored.Version
	}
	if err := r.flowStore.SaveFlowMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save flow metadata: %w", err)
	}

	stored.Active = meta.ActiveVersion == stored.Version
	return &stored, nil
}

// Import parses a YAML or JSON document and creates or updates the flow it describes
func (r *FlowRegistryService) Import(ctx context.Context, tenantID string, content []byte) (*flow.Definition, error) {
	def, err := r.loader.Parse(content)
	if err != nil {
		return nil, err
	}
	if def.ID != "" {
		if _, err := r.flowStore.GetFlowMetadata(ctx, tenantID, def.ID); err == nil {
			return r.Update(ctx, tenantID, def.ID, def)
		}
	}
	return r.Create(ctx, tenantID, def)
}

// Get retrieves the latest version of a flow
func (r *FlowRegistryService) Get(ctx context.Context, tenantID, flowID string) (*flow.Definition, error) {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return r.loadVersion(ctx, meta, meta.LatestVersion)
}

// GetVersion retrieves a specific version of a flow
func (r *FlowRegistryService) GetVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error) {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return r.loadVersion(ctx, meta, version)
}

func (r *FlowRegistryService) loadVersion(ctx context.Context, meta storage.FlowMetadata, version int) (*flow.Definition, error) {
	def, err := r.flowStore.GetFlowVersion(ctx, meta.TenantID, meta.FlowID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow version %d: %w", version, err)
	}
	def.Active = meta.ActiveVersion != 0 && meta.ActiveVersion == def.Version
	def.UpdatedAt = meta.UpdatedAt
	return def, nil
}

// List returns all flows of a tenant
func (r *FlowRegistryService) List(ctx context.Context, tenantID string) ([]FlowInfo, error) {
	metadataList, err := r.flowStore.ListFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	infos := make([]FlowInfo, len(metadataList))
	for i, meta := range metadataList {
		infos[i] = toFlowInfo(meta)
	}
	return infos, nil
}

// Search returns the flows of a tenant matching the filters
func (r *FlowRegistryService) Search(ctx context.Context, tenantID string, filters FlowSearchFilters) ([]FlowInfo, error) {
	all, err := r.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(filters.NameContains)
	var matched []FlowInfo
	for _, info := range all {
		if needle != "" && !strings.Contains(strings.ToLower(info.Name), needle) {
			continue
		}
		if filters.ActiveOnly && !info.Active {
			continue
		}
		if filters.UpdatedAfter != nil && info.UpdatedAt.Before(*filters.UpdatedAfter) {
			continue
		}
		if filters.UpdatedBefore != nil && info.UpdatedAt.After(*filters.UpdatedBefore) {
			continue
		}
		matched = append(matched, info)
	}
	return matched, nil
}

func toFlowInfo(meta storage.FlowMetadata) FlowInfo {
	return FlowInfo{
		ID:            meta.FlowID,
		TenantID:      meta.TenantID,
		Name:          meta.Name,
		Description:   meta.Description,
		LatestVersion: meta.LatestVersion,
		ActiveVersion: meta.ActiveVersion,
		Active:        meta.ActiveVersion != 0,
		CreatedAt:     meta.CreatedAt,
		UpdatedAt:     meta.UpdatedAt,
	}
}

// ListVersions returns all versions of a flow
func (r *FlowRegistryService) ListVersions(ctx context.Context, tenantID, flowID string) ([]FlowVersionInfo, error) {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	versions, err := r.flowStore.ListFlowVersions(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow versions: %w", err)
	}

	infos := make([]FlowVersionInfo, 0, len(versions))
	for _, v := range versions {
		def, err := r.flowStore.GetFlowVersion(ctx, tenantID, flowID, v)
		if err != nil {
			return nil, fmt.Errorf("failed to get flow version %d: %w", v, err)
		}
		infos = append(infos, FlowVersionInfo{
			FlowID:      flowID,
			Version:     v,
			Name:        def.Name,
			Description: def.Description,
			Active:      meta.ActiveVersion == v,
			CreatedAt:   def.CreatedAt,
		})
	}
	return infos, nil
}

// Activate validates a version and makes it the one new executions start with
func (r *FlowRegistryService) Activate(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error) {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	if version == 0 {
		version = meta.LatestVersion
	}

	def, err := r.flowStore.GetFlowVersion(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow version %d: %w", version, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	meta.ActiveVersion = version
	meta.UpdatedAt = r.now().UTC()
	if err := r.flowStore.SaveFlowMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save flow metadata: %w", err)
	}

	def.Active = true
	def.UpdatedAt = meta.UpdatedAt
	return def, nil
}

// Deactivate stops new executions of the flow; running ones are unaffected
func (r *FlowRegistryService) Deactivate(ctx context.Context, tenantID, flowID string) error {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return fmt.Errorf("failed to get flow: %w", err)
	}
	if meta.ActiveVersion == 0 {
		return nil
	}
	meta.ActiveVersion = 0
	meta.UpdatedAt = r.now().UTC()
	if err := r.flowStore.SaveFlowMetadata(ctx, meta); err != nil {
		return fmt.Errorf("failed to save flow metadata: %w", err)
	}
	return nil
}

// Graph returns the indexed graph of a pinned version. Versions are immutable,
// so cached graphs never go stale.
func (r *FlowRegistryService) Graph(ctx context.Context, tenantID, flowID string, version int) (*flow.Graph, error) {
	key := fmt.Sprintf("%s/%s/%d", tenantID, flowID, version)
	if cached, found := r.graphs.Get(key); found {
		return cached.(*flow.Graph), nil
	}

	def, err := r.flowStore.GetFlowVersion(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow version %d: %w", version, err)
	}
	graph := flow.NewGraph(def)
	r.graphs.SetDefault(key, graph)
	return graph, nil
}

// ActiveGraph returns the graph of the active version
func (r *FlowRegistryService) ActiveGraph(ctx context.Context, tenantID, flowID string) (*flow.Graph, error) {
	meta, err := r.flowStore.GetFlowMetadata(ctx, tenantID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	if meta.ActiveVersion == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}
	return r.Graph(ctx, tenantID, flowID, meta.ActiveVersion)
}
