package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// Item kinds stored in the DynamoDB tables
const (
	kindFlowMeta    = "meta"
	kindFlowVersion = "version"
	kindExecution   = "execution"
	kindClaim       = "claim"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client         dynamodbiface.DynamoDBAPI
	flowStore      *DynamoDBFlowStore
	executionStore *DynamoDBExecutionStore
	tablePrefix    string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	// Set credentials if provided
	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}

	// Set endpoint for local DynamoDB if provided
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:         client,
		tablePrefix:    tablePrefix,
		flowStore:      NewDynamoDBFlowStore(client, tablePrefix),
		executionStore: NewDynamoDBExecutionStore(client, tablePrefix),
	}
}

// Initialize sets up the storage backend
func (p *DynamoDBProvider) Initialize() error {
	if err := p.flowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize flow store: %w", err)
	}
	if err := p.executionStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize execution store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// DynamoDB client doesn't need to be closed
	return nil
}

// GetFlowStore returns a store for flow definitions
func (p *DynamoDBProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetExecutionStore returns a store for execution data
func (p *DynamoDBProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// ensureTable creates a table with the given string hash key and optional range key
func ensureTable(client dynamodbiface.DynamoDBAPI, tableName, hashKey, rangeKey, rangeType string) error {
	_, err := client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: aws.String("HASH")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}
	if rangeKey != "" {
		input.AttributeDefinitions = append(input.AttributeDefinitions,
			&dynamodb.AttributeDefinition{AttributeName: aws.String(rangeKey), AttributeType: aws.String(rangeType)})
		input.KeySchema = append(input.KeySchema,
			&dynamodb.KeySchemaElement{AttributeName: aws.String(rangeKey), KeyType: aws.String("RANGE")})
	}

	if _, err := client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}
	if err := client.WaitUntilTableExists(&dynamodb.DescribeTableInput{TableName: aws.String(tableName)}); err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

// canceledAt reports whether a transaction was canceled by the condition of item index
func canceledAt(err error, index int) bool {
	var tce *dynamodb.TransactionCanceledException
	if !errors.As(err, &tce) || index >= len(tce.CancellationReasons) {
		return false
	}
	return aws.StringValue(tce.CancellationReasons[index].Code) == "ConditionalCheckFailed"
}

// DynamoDBFlowStore implements the FlowStore interface using DynamoDB.
// Versions and metadata share one table keyed by tenant#flow and version,
// with metadata stored under version 0.
type DynamoDBFlowStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

type dynamoFlowItem struct {
	PK       string `dynamodbav:"pk"`
	SK       int    `dynamodbav:"sk"`
	Kind     string `dynamodbav:"kind"`
	TenantID string `dynamodbav:"tenant_id"`
	Body     string `dynamodbav:"body"`
}

// NewDynamoDBFlowStore creates a new DynamoDB flow store
func NewDynamoDBFlowStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBFlowStore {
	return &DynamoDBFlowStore{
		client:    client,
		tableName: tablePrefix + "flows",
	}
}

// Initialize creates the flows table if it doesn't exist
func (s *DynamoDBFlowStore) Initialize() error {
	return ensureTable(s.client, s.tableName, "pk", "sk", "N")
}

// SaveFlowVersion persists a new version of a flow
func (s *DynamoDBFlowStore) SaveFlowVersion(ctx context.Context, def *flow.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}
	av, err := dynamodbattribute.MarshalMap(dynamoFlowItem{
		PK:       flowKey(def.TenantID, def.ID),
		SK:       def.Version,
		Kind:     kindFlowVersion,
		TenantID: def.TenantID,
		Body:     string(body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flow item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]*string{"#pk": aws.String("pk")},
	})
	if isConditionalCheckFailed(err) {
		return ErrFlowVersionExists
	}
	if err != nil {
		return fmt.Errorf("failed to save flow version: %w", err)
	}
	return nil
}

func (s *DynamoDBFlowStore) getItem(ctx context.Context, tenantID, flowID string, sk int) (*dynamoFlowItem, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(flowKey(tenantID, flowID))},
			"sk": {N: aws.String(strconv.Itoa(sk))},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get flow item: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrFlowNotFound
	}
	var item dynamoFlowItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
	}
	return &item, nil
}

// GetFlowVersion retrieves a specific version of a flow
func (s *DynamoDBFlowStore) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*flow.Definition, error) {
	if version <= 0 {
		return nil, ErrFlowNotFound
	}
	item, err := s.getItem(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, err
	}
	var def flow.Definition
	if err := json.Unmarshal([]byte(item.Body), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return &def, nil
}

// ListFlowVersions returns the stored version numbers in ascending order
func (s *DynamoDBFlowStore) ListFlowVersions(ctx context.Context, tenantID, flowID string) ([]int, error) {
	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		FilterExpression:       aws.String("#kind = :kind"),
		ExpressionAttributeNames: map[string]*string{
			"#pk":   aws.String("pk"),
			"#kind": aws.String("kind"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":pk":   {S: aws.String(flowKey(tenantID, flowID))},
			":kind": {S: aws.String(kindFlowVersion)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query flow versions: %w", err)
	}

	versions := make([]int, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoFlowItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
		}
		versions = append(versions, item.SK)
	}
	if len(versions) == 0 {
		return nil, ErrFlowNotFound
	}
	sort.Ints(versions)
	return versions, nil
}

// GetFlowMetadata retrieves the metadata of a flow
func (s *DynamoDBFlowStore) GetFlowMetadata(ctx context.Context, tenantID, flowID string) (FlowMetadata, error) {
	item, err := s.getItem(ctx, tenantID, flowID, 0)
	if err != nil {
		return FlowMetadata{}, err
	}
	var meta FlowMetadata
	if err := json.Unmarshal([]byte(item.Body), &meta); err != nil {
		return FlowMetadata{}, fmt.Errorf("failed to unmarshal flow metadata: %w", err)
	}
	return meta, nil
}

// SaveFlowMetadata creates or replaces the metadata of a flow
func (s *DynamoDBFlowStore) SaveFlowMetadata(ctx context.Context, meta FlowMetadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal flow metadata: %w", err)
	}
	av, err := dynamodbattribute.MarshalMap(dynamoFlowItem{
		PK:       flowKey(meta.TenantID, meta.FlowID),
		SK:       0,
		Kind:     kindFlowMeta,
		TenantID: meta.TenantID,
		Body:     string(body),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flow item: %w", err)
	}
	if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to save flow metadata: %w", err)
	}
	return nil
}

// ListFlows returns the metadata of every flow of a tenant
func (s *DynamoDBFlowStore) ListFlows(ctx context.Context, tenantID string) ([]FlowMetadata, error) {
	items, err := scanAll(ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#kind = :kind AND #tid = :tid"),
		ExpressionAttributeNames: map[string]*string{
			"#kind": aws.String("kind"),
			"#tid":  aws.String("tenant_id"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":kind": {S: aws.String(kindFlowMeta)},
			":tid":  {S: aws.String(tenantID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flows: %w", err)
	}

	var out []FlowMetadata
	for _, raw := range items {
		var item dynamoFlowItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
		}
		var meta FlowMetadata
		if err := json.Unmarshal([]byte(item.Body), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow metadata: %w", err)
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// scanAll follows LastEvaluatedKey until the scan is exhausted
func scanAll(ctx context.Context, client dynamodbiface.DynamoDBAPI, input *dynamodb.ScanInput) ([]map[string]*dynamodb.AttributeValue, error) {
	var items []map[string]*dynamodb.AttributeValue
	for {
		result, err := client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// DynamoDBExecutionStore implements the ExecutionStore interface using DynamoDB.
// Execution items carry flat attributes for filtering plus the full record as
// JSON; the awaiting invariant is enforced by a claim item per contact written
// in the same transaction as the execution.
type DynamoDBExecutionStore struct {
	client        dynamodbiface.DynamoDBAPI
	execTableName string
	logsTableName string
}

type dynamoExecutionItem struct {
	PK            string `dynamodbav:"pk"`
	Kind          string `dynamodbav:"kind"`
	TenantID      string `dynamodbav:"tenant_id"`
	ContactID     string `dynamodbav:"contact_id"`
	FlowID        string `dynamodbav:"flow_id"`
	Status        string `dynamodbav:"exec_status"`
	RecordVersion int64  `dynamodbav:"record_version"`
	Deadline      int64  `dynamodbav:"deadline,omitempty"`
	Awaiting      bool   `dynamodbav:"awaiting"`
	Body          string `dynamodbav:"body"`
}

type dynamoClaimItem struct {
	PK          string `dynamodbav:"pk"`
	Kind        string `dynamodbav:"kind"`
	ExecutionID string `dynamodbav:"execution_id"`
}

type dynamoLogItem struct {
	ExecutionID string `dynamodbav:"execution_id"`
	Seq         string `dynamodbav:"seq"`
	Body        string `dynamodbav:"body"`
}

// NewDynamoDBExecutionStore creates a new DynamoDB execution store
func NewDynamoDBExecutionStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBExecutionStore {
	return &DynamoDBExecutionStore{
		client:        client,
		execTableName: tablePrefix + "executions",
		logsTableName: tablePrefix + "execution_logs",
	}
}

// Initialize creates the execution tables if they don't exist
func (s *DynamoDBExecutionStore) Initialize() error {
	if err := ensureTable(s.client, s.execTableName, "pk", "", ""); err != nil {
		return err
	}
	return ensureTable(s.client, s.logsTableName, "execution_id", "seq", "S")
}

func claimKey(tenantID, contactID string) string {
	return "awaiting#" + awaitingKey(tenantID, contactID)
}

func (s *DynamoDBExecutionStore) executionItem(exec *models.Execution) (map[string]*dynamodb.AttributeValue, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	item := dynamoExecutionItem{
		PK:            exec.ID,
		Kind:          kindExecution,
		TenantID:      exec.TenantID,
		ContactID:     exec.ContactID,
		FlowID:        exec.FlowID,
		Status:        string(exec.Status),
		RecordVersion: exec.Version,
		Awaiting:      exec.IsAwaiting(),
		Body:          string(body),
	}
	if exec.Status == models.StatusActive && exec.InactivityDeadline != nil {
		item.Deadline = exec.InactivityDeadline.UnixNano()
	}
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution item: %w", err)
	}
	return av, nil
}

func (s *DynamoDBExecutionStore) claimPut(exec *models.Execution) (*dynamodb.TransactWriteItem, error) {
	av, err := dynamodbattribute.MarshalMap(dynamoClaimItem{
		PK:          claimKey(exec.TenantID, exec.ContactID),
		Kind:        kindClaim,
		ExecutionID: exec.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claim: %w", err)
	}
	return &dynamodb.TransactWriteItem{Put: &dynamodb.Put{
		TableName:                aws.String(s.execTableName),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#pk) OR #eid = :eid"),
		ExpressionAttributeNames: map[string]*string{"#pk": aws.String("pk"), "#eid": aws.String("execution_id")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":eid": {S: aws.String(exec.ID)},
		},
	}}, nil
}

// Create persists a new execution with Version 1
func (s *DynamoDBExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	exec.Version = 1
	av, err := s.executionItem(exec)
	if err != nil {
		return err
	}

	items := []*dynamodb.TransactWriteItem{{Put: &dynamodb.Put{
		TableName:                aws.String(s.execTableName),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]*string{"#pk": aws.String("pk")},
	}}}
	if exec.IsAwaiting() {
		claim, err := s.claimPut(exec)
		if err != nil {
			return err
		}
		items = append(items, claim)
	}

	_, err = s.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	switch {
	case err == nil:
		return nil
	case canceledAt(err, 0):
		return ErrExecutionExists
	case canceledAt(err, 1):
		return ErrAwaitingConflict
	default:
		return fmt.Errorf("failed to create execution: %w", err)
	}
}

func (s *DynamoDBExecutionStore) getItem(ctx context.Context, id string) (*dynamoExecutionItem, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.execTableName),
		Key:            map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(id)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrExecutionNotFound
	}
	var item dynamoExecutionItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution item: %w", err)
	}
	if item.Kind != kindExecution {
		return nil, ErrExecutionNotFound
	}
	return &item, nil
}

func decodeExecution(item *dynamoExecutionItem) (*models.Execution, error) {
	var exec models.Execution
	if err := json.Unmarshal([]byte(item.Body), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	exec.Version = item.RecordVersion
	if exec.Variables == nil {
		exec.Variables = &models.Variables{}
	}
	return &exec, nil
}

// Get retrieves an execution
func (s *DynamoDBExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	item, err := s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeExecution(item)
}

// Update writes exec if the stored version still equals exec.Version
func (s *DynamoDBExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	current, err := s.getItem(ctx, exec.ID)
	if err != nil {
		return err
	}
	if current.RecordVersion != exec.Version {
		return ErrVersionConflict
	}

	expected := exec.Version
	next := *exec
	next.Version = expected + 1
	av, err := s.executionItem(&next)
	if err != nil {
		return err
	}

	items := []*dynamodb.TransactWriteItem{{Put: &dynamodb.Put{
		TableName:                aws.String(s.execTableName),
		Item:                     av,
		ConditionExpression:      aws.String("#rv = :expected"),
		ExpressionAttributeNames: map[string]*string{"#rv": aws.String("record_version")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":expected": {N: aws.String(strconv.FormatInt(expected, 10))},
		},
	}}}
	switch {
	case exec.IsAwaiting():
		claim, err := s.claimPut(exec)
		if err != nil {
			return err
		}
		items = append(items, claim)
	case current.Awaiting:
		items = append(items, &dynamodb.TransactWriteItem{Delete: &dynamodb.Delete{
			TableName:                aws.String(s.execTableName),
			Key:                      map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(claimKey(exec.TenantID, exec.ContactID))}},
			ConditionExpression:      aws.String("#eid = :eid"),
			ExpressionAttributeNames: map[string]*string{"#eid": aws.String("execution_id")},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":eid": {S: aws.String(exec.ID)},
			},
		}})
	}

	_, err = s.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	switch {
	case err == nil:
		exec.Version = next.Version
		return nil
	case canceledAt(err, 0):
		return ErrVersionConflict
	case canceledAt(err, 1) && exec.IsAwaiting():
		return ErrAwaitingConflict
	case canceledAt(err, 1):
		return ErrVersionConflict
	default:
		return fmt.Errorf("failed to update execution: %w", err)
	}
}

// FindAwaiting returns the execution awaiting a reply from the contact
func (s *DynamoDBExecutionStore) FindAwaiting(ctx context.Context, tenantID, contactID string) (*models.Execution, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.execTableName),
		Key:            map[string]*dynamodb.AttributeValue{"pk": {S: aws.String(claimKey(tenantID, contactID))}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get awaiting claim: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ErrExecutionNotFound
	}
	var claim dynamoClaimItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &claim); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claim: %w", err)
	}

	exec, err := s.Get(ctx, claim.ExecutionID)
	if err != nil {
		return nil, err
	}
	if !exec.IsAwaiting() {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// FindDue returns active executions past their inactivity deadline
func (s *DynamoDBExecutionStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	items, err := scanAll(ctx, s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.execTableName),
		FilterExpression: aws.String("#kind = :kind AND #st = :active AND #dl <= :now"),
		ExpressionAttributeNames: map[string]*string{
			"#kind": aws.String("kind"),
			"#st":   aws.String("exec_status"),
			"#dl":   aws.String("deadline"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":kind":   {S: aws.String(kindExecution)},
			":active": {S: aws.String(string(models.StatusActive))},
			":now":    {N: aws.String(strconv.FormatInt(now.UnixNano(), 10))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan due executions: %w", err)
	}

	due, err := decodeExecutionItems(items)
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].InactivityDeadline.Before(*due[j].InactivityDeadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// List returns a page of executions matching the filter, newest first
func (s *DynamoDBExecutionStore) List(ctx context.Context, filter models.ExecutionFilter, page models.Pagination) (models.ExecutionPage, error) {
	page = page.Normalize()

	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.execTableName),
		FilterExpression:         aws.String("#kind = :kind"),
		ExpressionAttributeNames: map[string]*string{"#kind": aws.String("kind")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":kind": {S: aws.String(kindExecution)},
		},
	}
	if filter.TenantID != "" {
		input.FilterExpression = aws.String("#kind = :kind AND #tid = :tid")
		input.ExpressionAttributeNames["#tid"] = aws.String("tenant_id")
		input.ExpressionAttributeValues[":tid"] = &dynamodb.AttributeValue{S: aws.String(filter.TenantID)}
	}

	items, err := scanAll(ctx, s.client, input)
	if err != nil {
		return models.ExecutionPage{}, fmt.Errorf("failed to scan executions: %w", err)
	}
	all, err := decodeExecutionItems(items)
	if err != nil {
		return models.ExecutionPage{}, err
	}

	var matched []*models.Execution
	for _, exec := range all {
		if filter.Matches(exec) {
			matched = append(matched, exec)
		}
	}
	return paginate(matched, page), nil
}

func decodeExecutionItems(items []map[string]*dynamodb.AttributeValue) ([]*models.Execution, error) {
	out := make([]*models.Execution, 0, len(items))
	for _, raw := range items {
		var item dynamoExecutionItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution item: %w", err)
		}
		exec, err := decodeExecution(&item)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// AppendLogs persists audit entries
func (s *DynamoDBExecutionStore) AppendLogs(ctx context.Context, logs ...models.ExecutionLog) error {
	for _, entry := range logs {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		av, err := dynamodbattribute.MarshalMap(dynamoLogItem{
			ExecutionID: entry.ExecutionID,
			Seq:         fmt.Sprintf("%020d#%s", entry.Timestamp.UnixNano(), uuid.NewString()),
			Body:        string(body),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal log item: %w", err)
		}
		if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.logsTableName),
			Item:      av,
		}); err != nil {
			return fmt.Errorf("failed to save log entry: %w", err)
		}
	}
	return nil
}

// GetLogs retrieves the audit entries of an execution in order
func (s *DynamoDBExecutionStore) GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.logsTableName),
		KeyConditionExpression:   aws.String("#eid = :eid"),
		ExpressionAttributeNames: map[string]*string{"#eid": aws.String("execution_id")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":eid": {S: aws.String(executionID)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	logs := make([]models.ExecutionLog, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoLogItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log item: %w", err)
		}
		var entry models.ExecutionLog
		if err := json.Unmarshal([]byte(item.Body), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, nil
}
