package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations
const uniqueViolation = "23505"

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db             *sql.DB
	flowStore      *PostgreSQLFlowStore
	executionStore *PostgreSQLExecutionStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxOpenConns bounds the connection pool; 0 keeps the driver default
	MaxOpenConns int
}

// ConnectionString builds the lib/pq connection string
func (c PostgreSQLProviderConfig) ConnectionString() string {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	// Connect to database
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewPostgreSQLProviderFromDB(db), nil
}

// NewPostgreSQLProviderFromDB wraps an existing connection pool
func NewPostgreSQLProviderFromDB(db *sql.DB) *PostgreSQLProvider {
	return &PostgreSQLProvider{
		db:             db,
		flowStore:      NewPostgreSQLFlowStore(db),
		executionStore: NewPostgreSQLExecutionStore(db),
	}
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	if err := p.flowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize flow store: %w", err)
	}
	if err := p.executionStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize execution store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetFlowStore returns a store for flow definitions
func (p *PostgreSQLProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetExecutionStore returns a store for execution data
func (p *PostgreSQLProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// PostgreSQLFlowStore implements the FlowStore interface using PostgreSQL
type PostgreSQLFlowStore struct {
	db *sql.DB
}

// NewPostgreSQLFlowStore creates a new PostgreSQL flow store
func NewPostgreSQLFlowStore(db *sql.DB) *PostgreSQLFlowStore {
	return &PostgreSQLFlowStore{db: db}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLFlowStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			tenant_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			latest_version INTEGER NOT NULL,
			active_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, flow_id)
		);
		CREATE TABLE IF NOT EXISTS flow_versions (
			tenant_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, flow_id, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create flow tables: %w", err)
	}
	return nil
}

// SaveFlowVersion persists a new version of a flow
func (s *PostgreSQLFlowStore) SaveFlowVersion(ctx context.Context, def *flow.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO flow_versions (tenant_id, flow_id, version, definition, created_at) VALUES ($1, $2, $3, $4, $5)",
		def.TenantID, def.ID, def.Version, string(data), def.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrFlowVersionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert flow version: %w", err)
	}
	return nil
}

// GetFlowVersion retrieves a specific version of a flow
func (s *PostgreSQLFlowStore) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT definition FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND version = $3",
		tenantID, flowID, version,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow version: %w", err)
	}

	var def flow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return &def, nil
}

// ListFlowVersions returns the stored version numbers in ascending order
func (s *PostgreSQLFlowStore) ListFlowVersions(ctx context.Context, tenantID, flowID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 ORDER BY version ASC",
		tenantID, flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan flow version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, ErrFlowNotFound
	}
	return versions, nil
}

// GetFlowMetadata retrieves the metadata of a flow
func (s *PostgreSQLFlowStore) GetFlowMetadata(ctx context.Context, tenantID, flowID string) (FlowMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, flow_id, name, COALESCE(description, ''), latest_version, active_version, created_at, updated_at
		FROM flows WHERE tenant_id = $1 AND flow_id = $2`,
		tenantID, flowID,
	)
	meta, err := scanFlowMetadata(row)
	if err == sql.ErrNoRows {
		return FlowMetadata{}, ErrFlowNotFound
	}
	if err != nil {
		return FlowMetadata{}, fmt.Errorf("failed to get flow metadata: %w", err)
	}
	return meta, nil
}

// SaveFlowMetadata creates or replaces the metadata of a flow
func (s *PostgreSQLFlowStore) SaveFlowMetadata(ctx context.Context, meta FlowMetadata) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (tenant_id, flow_id, name, description, latest_version, active_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, flow_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			latest_version = EXCLUDED.latest_version,
			active_version = EXCLUDED.active_version,
			updated_at = EXCLUDED.updated_at`,
		meta.TenantID, meta.FlowID, meta.Name, meta.Description,
		meta.LatestVersion, meta.ActiveVersion, meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow metadata: %w", err)
	}
	return nil
}

// ListFlows returns the metadata of every flow of a tenant
func (s *PostgreSQLFlowStore) ListFlows(ctx context.Context, tenantID string) ([]FlowMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, flow_id, name, COALESCE(description, ''), latest_version, active_version, created_at, updated_at
		FROM flows WHERE tenant_id = $1 ORDER BY flow_id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var out []FlowMetadata
	for rows.Next() {
		meta, err := scanFlowMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow metadata: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlowMetadata(row rowScanner) (FlowMetadata, error) {
	var meta FlowMetadata
	err := row.Scan(&meta.TenantID, &meta.FlowID, &meta.Name, &meta.Description,
		&meta.LatestVersion, &meta.ActiveVersion, &meta.CreatedAt, &meta.UpdatedAt)
	return meta, err
}

// PostgreSQLExecutionStore implements the ExecutionStore interface using PostgreSQL.
// Executions are stored as a flat row with JSONB variables; a partial unique
// index enforces one awaiting execution per contact.
type PostgreSQLExecutionStore struct {
	db *sql.DB
}

// NewPostgreSQLExecutionStore creates a new PostgreSQL execution store
func NewPostgreSQLExecutionStore(db *sql.DB) *PostgreSQLExecutionStore {
	return &PostgreSQLExecutionStore{db: db}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLExecutionStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			flow_version INTEGER NOT NULL,
			contact_id TEXT NOT NULL,
			ticket_ref TEXT,
			status TEXT NOT NULL,
			status_reason TEXT,
			current_node_id TEXT NOT NULL,
			variables JSONB NOT NULL,
			awaiting JSONB,
			inactivity_status TEXT NOT NULL,
			last_interaction_at TIMESTAMPTZ NOT NULL,
			inactivity_deadline TIMESTAMPTZ,
			inactivity_warnings_sent INTEGER NOT NULL DEFAULT 0,
			last_warning_at TIMESTAMPTZ,
			inactivity_reason TEXT,
			inactivity_override JSONB,
			reengagement_attempts INTEGER NOT NULL DEFAULT 0,
			last_reengagement_success BOOLEAN,
			last_message_id TEXT,
			error_message TEXT,
			step_count INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS executions_tenant_idx ON executions (tenant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS executions_due_idx ON executions (inactivity_deadline) WHERE status = 'active';
		CREATE UNIQUE INDEX IF NOT EXISTS executions_awaiting_contact_idx
			ON executions (tenant_id, contact_id) WHERE status = 'active' AND awaiting IS NOT NULL;
		CREATE TABLE IF NOT EXISTS execution_logs (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			node_id TEXT,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			message TEXT NOT NULL,
			data JSONB
		);
		CREATE INDEX IF NOT EXISTS execution_logs_execution_idx ON execution_logs (execution_id, id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create execution tables: %w", err)
	}
	return nil
}

const executionColumns = `id, tenant_id, flow_id, flow_version, contact_id, ticket_ref, status, status_reason,
	current_node_id, variables, awaiting, inactivity_status, last_interaction_at, inactivity_deadline,
	inactivity_warnings_sent, last_warning_at, inactivity_reason, inactivity_override,
	reengagement_attempts, last_reengagement_success, last_message_id, error_message, step_count,
	version, created_at, updated_at, completed_at`

// executionArgs returns the column values of exec in executionColumns order
func executionArgs(exec *models.Execution) ([]interface{}, error) {
	variables, err := json.Marshal(exec.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	awaiting, err := nullJSON(exec.Awaiting, exec.Awaiting == nil)
	if err != nil {
		return nil, err
	}
	override, err := nullJSON(exec.InactivityOverride, exec.InactivityOverride == nil)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		exec.ID, exec.TenantID, exec.FlowID, exec.FlowVersion, exec.ContactID,
		nullString(exec.TicketRef), string(exec.Status), nullString(exec.StatusReason),
		exec.CurrentNodeID, string(variables), awaiting, string(exec.InactivityStatus),
		exec.LastInteractionAt, nullTime(exec.InactivityDeadline), exec.InactivityWarningsSent,
		nullTime(exec.LastWarningAt), nullString(exec.InactivityReason), override,
		exec.ReengagementAttempts, nullBool(exec.LastReengagementSuccess),
		nullString(exec.LastMessageID), nullString(exec.ErrorMessage), exec.StepCount,
		exec.Version, exec.CreatedAt, exec.UpdatedAt, nullTime(exec.CompletedAt),
	}, nil
}

// Create persists a new execution with Version 1
func (s *PostgreSQLExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	exec.Version = 1
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO executions ("+executionColumns+") VALUES ("+strings.Join(placeholders, ", ")+")",
		args...,
	)
	if err != nil {
		if pqErr := asPQError(err); pqErr != nil && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "executions_pkey" {
				return ErrExecutionExists
			}
			return ErrAwaitingConflict
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get retrieves an execution
func (s *PostgreSQLExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// Update writes exec if the stored version still equals exec.Version
func (s *PostgreSQLExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	expected := exec.Version
	next := *exec
	next.Version = expected + 1
	args, err := executionArgs(&next)
	if err != nil {
		return err
	}

	columns := strings.Split(executionColumns, ",")
	assignments := make([]string, 0, len(columns)-1)
	for i, column := range columns {
		column = strings.TrimSpace(column)
		if column == "id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, i+1))
	}
	args = append(args, expected)
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = $1 AND version = $%d",
		strings.Join(assignments, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAwaitingConflict
		}
		return fmt.Errorf("failed to update execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)", exec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution: %w", err)
		}
		if !exists {
			return ErrExecutionNotFound
		}
		return ErrVersionConflict
	}

	exec.Version = next.Version
	return nil
}

// FindAwaiting returns the execution awaiting a reply from the contact
func (s *PostgreSQLExecutionStore) FindAwaiting(ctx context.Context, tenantID, contactID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE tenant_id = $1 AND contact_id = $2 AND status = 'active' AND awaiting IS NOT NULL",
		tenantID, contactID,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find awaiting execution: %w", err)
	}
	return exec, nil
}

// FindDue returns active executions past their inactivity deadline
func (s *PostgreSQLExecutionStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = models.MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+` FROM executions
		WHERE status = 'active' AND inactivity_deadline IS NOT NULL AND inactivity_deadline <= $1
		ORDER BY inactivity_deadline ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find due executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// List returns a page of executions matching the filter, newest first
func (s *PostgreSQLExecutionStore) List(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error) {
	page = page.Normalize()

	var clauses []string
	var args []interface{}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("tenant_id", filter.TenantID)
	add("flow_id", filter.FlowID)
	add("contact_id", filter.ContactID)
	add("status", string(filter.Status))
	add("inactivity_status", string(filter.InactivityStatus))

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return models.ExecutionPage{}, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM executions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		executionColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return models.ExecutionPage{}, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	items, err := scanExecutions(rows)
	if err != nil {
		return models.ExecutionPage{}, err
	}
	if items == nil {
		items = []*models.Execution{}
	}
	return models.ExecutionPage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// AppendLogs persists audit entries
func (s *PostgreSQLExecutionStore) AppendLogs(ctx context.Context, logs ...models.ExecutionLog) error {
	for _, entry := range logs {
		data, err := nullJSON(entry.Data, entry.Data == nil)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO execution_logs (execution_id, timestamp, node_id, level, event, message, data) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			entry.ExecutionID, entry.Timestamp, nullString(entry.NodeID), entry.Level, entry.Event, entry.Message, data,
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution log: %w", err)
		}
	}
	return nil
}

// GetLogs retrieves the audit entries of an execution in order
func (s *PostgreSQLExecutionStore) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT execution_id, timestamp, COALESCE(node_id, ''), level, event, message, data FROM execution_logs WHERE execution_id = $1 ORDER BY id ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ExecutionLog
	for rows.Next() {
		var entry models.ExecutionLog
		var data []byte
		if err := rows.Scan(&entry.ExecutionID, &entry.Timestamp, &entry.NodeID, &entry.Level, &entry.Event, &entry.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &entry.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution log rows: %w", err)
	}
	return logs, nil
}

func scanExecutions(rows *sql.Rows) ([]*models.Execution, error) {
	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return out, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		exec                                      models.Execution
		status, inactivityStatus                  string
		ticketRef, statusReason, inactivityReason sql.NullString
		lastMessageID, errorMessage               sql.NullString
		variables, awaiting, override             []byte
		deadline, lastWarningAt, completedAt      sql.NullTime
		lastReengagementSuccess                   sql.NullBool
	)
	err := row.Scan(
		&exec.ID, &exec.TenantID, &exec.FlowID, &exec.FlowVersion, &exec.ContactID,
		&ticketRef, &status, &statusReason, &exec.CurrentNodeID, &variables, &awaiting,
		&inactivityStatus, &exec.LastInteractionAt, &deadline, &exec.InactivityWarningsSent,
		&lastWarningAt, &inactivityReason, &override, &exec.ReengagementAttempts,
		&lastReengagementSuccess, &lastMessageID, &errorMessage, &exec.StepCount,
		&exec.Version, &exec.CreatedAt, &exec.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = models.Status(status)
	exec.InactivityStatus = models.InactivityStatus(inactivityStatus)
	exec.TicketRef = ticketRef.String
	exec.StatusReason = statusReason.String
	exec.InactivityReason = inactivityReason.String
	exec.LastMessageID = lastMessageID.String
	exec.ErrorMessage = errorMessage.String
	exec.InactivityDeadline = timePtr(deadline)
	exec.LastWarningAt = timePtr(lastWarningAt)
	exec.CompletedAt = timePtr(completedAt)
	if lastReengagementSuccess.Valid {
		v := lastReengagementSuccess.Bool
		exec.LastReengagementSuccess = &v
	}

	exec.Variables = &models.Variables{}
	if err := json.Unmarshal(variables, exec.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}
	if len(awaiting) > 0 {
		exec.Awaiting = &models.AwaitingInput{}
		if err := json.Unmarshal(awaiting, exec.Awaiting); err != nil {
			return nil, fmt.Errorf("failed to unmarshal awaiting input: %w", err)
		}
	}
	if len(override) > 0 {
		exec.InactivityOverride = &flow.InactivitySettings{}
		if err := json.Unmarshal(override, exec.InactivityOverride); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inactivity override: %w", err)
		}
	}
	return &exec, nil
}

func asPQError(err error) *pq.Error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr := asPQError(err)
	return pqErr != nil && pqErr.Code == uniqueViolation
}

// nullJSON marshals v, or returns SQL NULL when isNil
func nullJSON(v interface{}, isNil bool) (interface{}, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
