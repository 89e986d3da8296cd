package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/loykin/idlestop/internal/store"
)

// Attribute names. They match the table layout operators already provision.
const (
	attrInstanceID = "InstanceId"
	attrIdleCount  = "IdleCount"
)

// API is the subset of the DynamoDB client used by Table.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type item struct {
	InstanceID  string    `dynamodbav:"InstanceId"`
	IdleCount   int       `dynamodbav:"IdleCount"`
	LastUpdated time.Time `dynamodbav:"LastUpdated"`
}

// Table implements store.Store on a DynamoDB table keyed by InstanceId.
// The table itself is provisioned outside this program.
type Table struct {
	api  API
	name string
}

func New(api API, table string) (*Table, error) {
	if api == nil {
		return nil, errors.New("nil dynamodb client")
	}
	if !store.ValidDynamoTable(table) {
		return nil, fmt.Errorf("invalid dynamodb table name %q", table)
	}
	return &Table{api: api, name: table}, nil
}

// EnsureSchema only verifies that the table exists. Roles limited to
// GetItem/PutItem cannot describe the table; that is logged and tolerated so
// the first read reports real storage problems instead.
func (t *Table) EnsureSchema(ctx context.Context) error {
	_, err := t.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		slog.Warn("Cannot describe state table, skipping check", "table", t.name, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("describe table %s: %w", t.name, err)
	}
	return nil
}

func (t *Table) Close() error { return nil }

func (t *Table) Get(ctx context.Context, instanceID string) (store.Record, error) {
	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            key(instanceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Record{}, err
	}
	if len(out.Item) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return store.Record{}, fmt.Errorf("decode item %s: %w", instanceID, err)
	}
	return store.Record{InstanceID: it.InstanceID, IdleCount: it.IdleCount, LastUpdated: it.LastUpdated.UTC()}, nil
}

func (t *Table) Put(ctx context.Context, rec store.Record) error {
	av, err := t.marshal(rec.InstanceID, rec.IdleCount)
	if err != nil {
		return err
	}
	_, err = t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      av,
	})
	return err
}

func (t *Table) CompareAndSwap(ctx context.Context, instanceID string, prev *store.Record, next int) error {
	av, err := t.marshal(instanceID, next)
	if err != nil {
		return err
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      av,
	}
	if prev == nil {
		in.ConditionExpression = aws.String("attribute_not_exists(#id)")
		in.ExpressionAttributeNames = map[string]string{"#id": attrInstanceID}
	} else {
		in.ConditionExpression = aws.String("#c = :prev")
		in.ExpressionAttributeNames = map[string]string{"#c": attrIdleCount}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(prev.IdleCount)},
		}
	}
	_, err = t.api.PutItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return store.ErrConflict
	}
	return err
}

func (t *Table) marshal(instanceID string, count int) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item{InstanceID: instanceID, IdleCount: count, LastUpdated: store.Now()})
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", instanceID, err)
	}
	return av, nil
}

func key(instanceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrInstanceID: &types.AttributeValueMemberS{Value: instanceID},
	}
}
