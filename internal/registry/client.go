// Package registry is a thin typed client for the instance and graph
// registry tables. It holds no state; callers decide retry policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Error wraps a failed registry call with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("registry: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrTerminalState is returned when a health-status write is rejected
// because the instance has already begun terminating.
var ErrTerminalState = errors.New("registry: instance is in a terminal state")

// DynamoDBAPI is the subset of the DynamoDB client used here.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

const instanceIndexName = "instance_id-index"

type Client struct {
	db            DynamoDBAPI
	instanceTable string
	graphTable    string
}

func NewClient(db DynamoDBAPI, instanceTable, graphTable string) *Client {
	return &Client{db: db, instanceTable: instanceTable, graphTable: graphTable}
}

// GetInstance fetches the registry row for the given instance, or nil when
// no row exists.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.instanceTable),
		Key: map[string]types.AttributeValue{
			"instance_id": &types.AttributeValueMemberS{Value: instanceID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &Error{Op: "GetInstance", Err: err}
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec InstanceRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, &Error{Op: "GetInstance", Err: err}
	}
	return &rec, nil
}

// PutInstanceStatus records a health verdict. The conditional write enforces
// the one-way lifecycle: once the row says terminating or terminated the
// write fails with ErrTerminalState and callers treat it as a no-op.
func (c *Client) PutInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus, at time.Time) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.instanceTable),
		Key: map[string]types.AttributeValue{
			"instance_id": &types.AttributeValueMemberS{Value: instanceID},
		},
		UpdateExpression:    aws.String("SET #s = :status, last_health_check = :ts"),
		ConditionExpression: aws.String("attribute_not_exists(#s) OR NOT (#s IN (:terminating, :terminated))"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":      &types.AttributeValueMemberS{Value: string(status)},
			":ts":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", at.Unix())},
			":terminating": &types.AttributeValueMemberS{Value: string(StatusTerminating)},
			":terminated":  &types.AttributeValueMemberS{Value: string(StatusTerminated)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrTerminalState
		}
		return &Error{Op: "PutInstanceStatus", Err: err}
	}
	return nil
}

// MarkTerminating flips the instance into the terminating state and stamps
// terminating_at exactly once.
func (c *Client) MarkTerminating(ctx context.Context, instanceID string, at time.Time) error {
	return c.markTerminal(ctx, "MarkTerminating", instanceID, StatusTerminating, "terminating_at", at)
}

// MarkTerminated records the terminal state after the container is stopped.
func (c *Client) MarkTerminated(ctx context.Context, instanceID string, at time.Time) error {
	return c.markTerminal(ctx, "MarkTerminated", instanceID, StatusTerminated, "terminated_at", at)
}

func (c *Client) markTerminal(ctx context.Context, op, instanceID string, status InstanceStatus, tsField string, at time.Time) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.instanceTable),
		Key: map[string]types.AttributeValue{
			"instance_id": &types.AttributeValueMemberS{Value: instanceID},
		},
		// if_not_exists keeps the timestamp from the first write when the
		// step is re-run.
		UpdateExpression: aws.String("SET #s = :status, #ts = if_not_exists(#ts, :at)"),
		ExpressionAttributeNames: map[string]string{
			"#s":  "status",
			"#ts": tsField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":at":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", at.Unix())},
		},
	})
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

// QueryDatabasesByInstance lists the active graphs currently hosted on the
// given instance, following the instance_id secondary index.
func (c *Client) QueryDatabasesByInstance(ctx context.Context, instanceID string) ([]DatabaseRecord, error) {
	var records []DatabaseRecord
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.graphTable),
			IndexName:              aws.String(instanceIndexName),
			KeyConditionExpression: aws.String("instance_id = :i"),
			FilterExpression:       aws.String("#s = :active"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":i":      &types.AttributeValueMemberS{Value: instanceID},
				":active": &types.AttributeValueMemberS{Value: DatabaseStatusActive},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, &Error{Op: "QueryDatabasesByInstance", Err: err}
		}
		var page []DatabaseRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, &Error{Op: "QueryDatabasesByInstance", Err: err}
		}
		records = append(records, page...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

// MarkDatabaseForMigration flags one graph for pickup by the allocation
// layer. The allocation layer is the only writer that clears the flag.
func (c *Client) MarkDatabaseForMigration(ctx context.Context, graphID, sourceInstance, backendType string) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.graphTable),
		Key: map[string]types.AttributeValue{
			"graph_id": &types.AttributeValueMemberS{Value: graphID},
		},
		UpdateExpression: aws.String("SET migration_required = :r, migration_source = :s, backend_type = :b"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberBOOL{Value: true},
			":s": &types.AttributeValueMemberS{Value: sourceInstance},
			":b": &types.AttributeValueMemberS{Value: backendType},
		},
	})
	if err != nil {
		return &Error{Op: "MarkDatabaseForMigration", Err: err}
	}
	return nil
}
