package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// MockDynamoDBAPI implements the subset of dynamodbiface.DynamoDBAPI used by
// the DynamoDB stores, including condition expressions and transactions
type MockDynamoDBAPI struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.Mutex
	tables map[string]*MockTable
}

// MockTable represents a DynamoDB table in memory
type MockTable struct {
	Name      string
	KeySchema []*dynamodb.KeySchemaElement
	Items     map[string]map[string]*dynamodb.AttributeValue
}

// NewMockDynamoDBAPI creates a new mock DynamoDB client
func NewMockDynamoDBAPI() *MockDynamoDBAPI {
	return &MockDynamoDBAPI{tables: make(map[string]*MockTable)}
}

func (m *MockDynamoDBAPI) CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.StringValue(input.TableName)
	if _, exists := m.tables[name]; exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table already exists: "+name, nil)
	}
	m.tables[name] = &MockTable{
		Name:      name,
		KeySchema: input.KeySchema,
		Items:     make(map[string]map[string]*dynamodb.AttributeValue),
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *MockDynamoDBAPI) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, exists := m.tables[aws.StringValue(input.TableName)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{
		TableName:   aws.String(table.Name),
		TableStatus: aws.String("ACTIVE"),
		KeySchema:   table.KeySchema,
	}}, nil
}

func (m *MockDynamoDBAPI) WaitUntilTableExists(input *dynamodb.DescribeTableInput) error {
	return nil
}

func (m *MockDynamoDBAPI) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	key := table.key(input.Item)
	if !evalCondition(aws.StringValue(input.ConditionExpression), table.Items[key], input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	table.Items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MockDynamoDBAPI) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: table.Items[table.key(input.Key)]}, nil
}

func (m *MockDynamoDBAPI) QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	var items []map[string]*dynamodb.AttributeValue
	for _, item := range table.Items {
		if !evalCondition(aws.StringValue(input.KeyConditionExpression), item, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			continue
		}
		if !evalCondition(aws.StringValue(input.FilterExpression), item, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			continue
		}
		items = append(items, item)
	}

	if len(table.KeySchema) > 1 {
		rangeKey := aws.StringValue(table.KeySchema[1].AttributeName)
		sort.Slice(items, func(i, j int) bool {
			return compareValues(items[i][rangeKey], items[j][rangeKey]) < 0
		})
		if input.ScanIndexForward != nil && !*input.ScanIndexForward {
			for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	return &dynamodb.QueryOutput{Items: items, Count: aws.Int64(int64(len(items)))}, nil
}

func (m *MockDynamoDBAPI) ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	var items []map[string]*dynamodb.AttributeValue
	for _, item := range table.Items {
		if evalCondition(aws.StringValue(input.FilterExpression), item, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			items = append(items, item)
		}
	}
	return &dynamodb.ScanOutput{Items: items, Count: aws.Int64(int64(len(items)))}, nil
}

func (m *MockDynamoDBAPI) TransactWriteItemsWithContext(ctx aws.Context, input *dynamodb.TransactWriteItemsInput, opts ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type write struct {
		table *MockTable
		key   string
		item  map[string]*dynamodb.AttributeValue
	}
	var writes []write
	reasons := make([]*dynamodb.CancellationReason, len(input.TransactItems))
	failed := false

	for i, op := range input.TransactItems {
		reasons[i] = &dynamodb.CancellationReason{Code: aws.String("None")}
		var (
			tableName *string
			key       map[string]*dynamodb.AttributeValue
			item      map[string]*dynamodb.AttributeValue
			cond      *string
			names     map[string]*string
			values    map[string]*dynamodb.AttributeValue
		)
		switch {
		case op.Put != nil:
			tableName, key, item = op.Put.TableName, op.Put.Item, op.Put.Item
			cond, names, values = op.Put.ConditionExpression, op.Put.ExpressionAttributeNames, op.Put.ExpressionAttributeValues
		case op.Delete != nil:
			tableName, key = op.Delete.TableName, op.Delete.Key
			cond, names, values = op.Delete.ConditionExpression, op.Delete.ExpressionAttributeNames, op.Delete.ExpressionAttributeValues
		default:
			return nil, fmt.Errorf("unsupported transact item")
		}

		table, err := m.table(tableName)
		if err != nil {
			return nil, err
		}
		k := table.key(key)
		if !evalCondition(aws.StringValue(cond), table.Items[k], names, values) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
			continue
		}
		writes = append(writes, write{table: table, key: k, item: item})
	}

	if failed {
		return nil, &dynamodb.TransactionCanceledException{
			Message_:            aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		if w.item == nil {
			delete(w.table.Items, w.key)
		} else {
			w.table.Items[w.key] = w.item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *MockDynamoDBAPI) table(name *string) (*MockTable, error) {
	table, ok := m.tables[aws.StringValue(name)]
	if !ok {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}
	return table, nil
}

func (t *MockTable) key(item map[string]*dynamodb.AttributeValue) string {
	parts := make([]string, 0, len(t.KeySchema))
	for _, element := range t.KeySchema {
		parts = append(parts, attributeString(item[aws.StringValue(element.AttributeName)]))
	}
	return strings.Join(parts, "|")
}

func attributeString(av *dynamodb.AttributeValue) string {
	switch {
	case av == nil:
		return ""
	case av.S != nil:
		return *av.S
	case av.N != nil:
		return *av.N
	case av.BOOL != nil:
		return strconv.FormatBool(*av.BOOL)
	}
	return ""
}

func compareValues(a, b *dynamodb.AttributeValue) int {
	if a != nil && b != nil && a.N != nil && b.N != nil {
		x, _ := strconv.ParseFloat(*a.N, 64)
		y, _ := strconv.ParseFloat(*b.N, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(attributeString(a), attributeString(b))
}

// evalCondition supports the expression subset used by the stores:
// atoms joined by AND/OR (AND binds tighter), where an atom is
// attribute_exists(#n), attribute_not_exists(#n) or "#n <op> :v".
func evalCondition(expr string, item map[string]*dynamodb.AttributeValue, names map[string]*string, values map[string]*dynamodb.AttributeValue) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	resolve := func(name string) string {
		if strings.HasPrefix(name, "#") {
			return aws.StringValue(names[name])
		}
		return name
	}

	for _, disjunct := range strings.Split(expr, " OR ") {
		all := true
		for _, atom := range strings.Split(disjunct, " AND ") {
			if !evalAtom(strings.TrimSpace(atom), item, resolve, values) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func evalAtom(atom string, item map[string]*dynamodb.AttributeValue, resolve func(string) string, values map[string]*dynamodb.AttributeValue) bool {
	if strings.HasPrefix(atom, "attribute_not_exists(") {
		name := resolve(strings.TrimSuffix(strings.TrimPrefix(atom, "attribute_not_exists("), ")"))
		return item == nil || item[name] == nil
	}
	if strings.HasPrefix(atom, "attribute_exists(") {
		name := resolve(strings.TrimSuffix(strings.TrimPrefix(atom, "attribute_exists("), ")"))
		return item != nil && item[name] != nil
	}

	fields := strings.Fields(atom)
	if len(fields) != 3 || item == nil {
		return false
	}
	actual := item[resolve(fields[0])]
	expected := values[fields[2]]
	if actual == nil || expected == nil {
		return false
	}
	cmp := compareValues(actual, expected)
	switch fields[1] {
	case "=":
		return cmp == 0
	case "<>":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}
