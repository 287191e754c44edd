package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/master"
)

type DynamoDBBackend struct {
	client      *dynamodb.Client
	tableName   string
	clusterName string
	nodeID      string
	logger      *zap.Logger
}

func NewDynamoDBBackend(client *dynamodb.Client, tableName, clusterName, nodeID string, logger *zap.Logger) *DynamoDBBackend {
	return &DynamoDBBackend{
		client:      client,
		tableName:   tableName,
		clusterName: clusterName,
		nodeID:      nodeID,
		logger:      logger,
	}
}

// TODO: Table should probably be created out-of-band, not on startup?
func (d *DynamoDBBackend) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.logger.Info("table already exists, skipping creation", zap.String("table", d.tableName))
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	return nil
}

const leaseRangeKey = "lease"
const stateRangeKey = "state"
const metadataRangeKey = "metadata"
const nodeHeartbeatsRangeKey = "node-heartbeats"

func nodeHeartbeatRangeKey(nodeID string) string {
	return nodeHeartbeatsRangeKey + "/" + nodeID
}

// dynamoItem is the single item shape of the table. Lease items use Holder,
// RVN and DurationMs; every other item keeps JSON in Value.
type dynamoItem struct {
	ClusterName string `dynamodbav:"cluster_name"`
	Key         string `dynamodbav:"key"`
	Value       string `dynamodbav:"value,omitempty"`
	Version     int64  `dynamodbav:"version"`
	Holder      string `dynamodbav:"holder,omitempty"`
	RVN         string `dynamodbav:"rvn,omitempty"`
	DurationMs  int64  `dynamodbav:"duration_ms,omitempty"`
}

func (d *DynamoDBBackend) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
		"key":          &types.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoDBBackend) getItem(ctx context.Context, key string) (*dynamoItem, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from DynamoDB: %w", key, err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s item: %w", key, err)
	}
	return &item, nil
}

func (d *DynamoDBBackend) putJSON(ctx context.Context, key string, version int64, v any) error {
	valueBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	value, err := attributevalue.MarshalMap(dynamoItem{
		ClusterName: d.clusterName,
		Key:         key,
		Value:       string(valueBytes),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s item: %w", key, err)
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}); err != nil {
		return fmt.Errorf("failed to write %s to DynamoDB: %w", key, err)
	}
	return nil
}

func (d *DynamoDBBackend) CompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, next election.Lease) (bool, error) {
	value, err := attributevalue.MarshalMap(dynamoItem{
		ClusterName: d.clusterName,
		Key:         leaseRangeKey,
		Holder:      next.Holder,
		RVN:         next.RevisionVersionNumber.String(),
		DurationMs:  next.Duration.Milliseconds(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}
	if prevRVN != nil {
		putItemInput.ConditionExpression = aws.String("rvn = :prev_rvn")
		putItemInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev_rvn": &types.AttributeValueMemberS{Value: prevRVN.String()},
		}
	} else {
		putItemInput.ConditionExpression = aws.String("attribute_not_exists(rvn)")
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write lease: %w", err)
	}

	return true, nil
}

func (d *DynamoDBBackend) FetchLease(ctx context.Context) (*election.Lease, error) {
	item, err := d.getItem(ctx, leaseRangeKey)
	if err != nil || item == nil {
		return nil, err
	}

	rvn, err := uuid.Parse(item.RVN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RVN: %w", err)
	}
	lease := election.Lease{
		Holder:                item.Holder,
		RevisionVersionNumber: rvn,
		Duration:              time.Duration(item.DurationMs) * time.Millisecond,
	}
	if lease.Holder == "" || lease.Duration <= 0 {
		return nil, fmt.Errorf("incomplete lease data: %+v", lease)
	}
	return &lease, nil
}

// Publish writes next in a transaction that also checks the lease is held
// by the local node.
func (d *DynamoDBBackend) Publish(ctx context.Context, prev, next *cluster.State) error {
	stateBytes, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}
	value, err := attributevalue.MarshalMap(dynamoItem{
		ClusterName: d.clusterName,
		Key:         stateRangeKey,
		Value:       string(stateBytes),
		Version:     next.Version(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state item: %w", err)
	}

	put := &types.Put{
		TableName:                aws.String(d.tableName),
		Item:                     value,
		ConditionExpression:      aws.String("attribute_not_exists(#version)"),
		ExpressionAttributeNames: map[string]string{"#version": "version"},
	}
	if prev.Version() != 0 {
		put.ConditionExpression = aws.String("#version = :prev_version")
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev_version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", prev.Version())},
		}
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(d.tableName),
					Key:                 d.itemKey(leaseRangeKey),
					ConditionExpression: aws.String("#holder = :me"),
					ExpressionAttributeNames: map[string]string{
						"#holder": "holder",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":me": &types.AttributeValueMemberS{Value: d.nodeID},
					},
				},
			},
			{Put: put},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			var reasons []string
			for _, reason := range canceled.CancellationReasons {
				reasons = append(reasons, aws.ToString(reason.Code))
			}
			return fmt.Errorf("%w: publication of version [%d] canceled [%s]",
				master.ErrNotMaster, next.Version(), strings.Join(reasons, ","))
		}
		return fmt.Errorf("failed to write cluster state: %w", err)
	}

	return nil
}

func (d *DynamoDBBackend) FetchPublishedState(ctx context.Context) (*cluster.State, error) {
	return d.fetchState(ctx, stateRangeKey)
}

func (d *DynamoDBBackend) ResetPublishedState(ctx context.Context, state *cluster.State) error {
	return d.putJSON(ctx, stateRangeKey, state.Version(), state)
}

func (d *DynamoDBBackend) WriteMetadata(ctx context.Context, state *cluster.State) error {
	return d.putJSON(ctx, metadataRangeKey, state.Version(), state)
}

func (d *DynamoDBBackend) Recover(ctx context.Context) (*cluster.State, error) {
	return d.fetchState(ctx, metadataRangeKey)
}

func (d *DynamoDBBackend) fetchState(ctx context.Context, key string) (*cluster.State, error) {
	item, err := d.getItem(ctx, key)
	if err != nil || item == nil {
		return nil, err
	}

	var state cluster.State
	if err := json.Unmarshal([]byte(item.Value), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &state, nil
}

func (d *DynamoDBBackend) WriteNodeHeartbeat(ctx context.Context, heartbeat NodeHeartbeat) error {
	return d.putJSON(ctx, nodeHeartbeatRangeKey(heartbeat.Node.ID), 0, heartbeat)
}

func (d *DynamoDBBackend) RemoveNodeHeartbeat(ctx context.Context, nodeID string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(nodeHeartbeatRangeKey(nodeID)),
	}); err != nil {
		return fmt.Errorf("failed to delete node heartbeat from DynamoDB: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) FetchNodeHeartbeats(ctx context.Context) ([]NodeHeartbeat, error) {
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("cluster_name = :cluster_name AND begins_with(#key, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#key": "key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
			":prefix":       &types.AttributeValueMemberS{Value: nodeHeartbeatsRangeKey + "/"},
		},
		ConsistentRead: aws.Bool(true),
	})

	var heartbeats []NodeHeartbeat
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query node heartbeats from DynamoDB: %w", err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node heartbeat items: %w", err)
		}
		for _, item := range items {
			nodeID := strings.TrimPrefix(item.Key, nodeHeartbeatsRangeKey+"/")
			var heartbeat NodeHeartbeat
			if err := json.Unmarshal([]byte(item.Value), &heartbeat); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node heartbeat for %s: %w", nodeID, err)
			}
			if nodeID != heartbeat.Node.ID {
				return nil, fmt.Errorf("node heartbeat id mismatch: expected %s, got %s", nodeID, heartbeat.Node.ID)
			}
			heartbeats = append(heartbeats, heartbeat)
		}
	}
	return heartbeats, nil
}
