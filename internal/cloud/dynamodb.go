package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of the DynamoDB client the archive uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// EventArchive keeps every emergency event in a DynamoDB table keyed by
// eventId, with a clusterId-createdAt index for per-cluster history.
type EventArchive struct {
	svc   DynamoAPI
	table string
}

func NewEventArchive(cfg aws.Config, table string) *EventArchive {
	return NewEventArchiveWithClient(dynamodb.NewFromConfig(cfg), table)
}

func NewEventArchiveWithClient(svc DynamoAPI, table string) *EventArchive {
	return &EventArchive{svc: svc, table: table}
}

// EventItem is the DynamoDB shape of an emergency event.
type EventItem struct {
	EventID         int64          `dynamodbav:"eventId"`
	ClusterID       string         `dynamodbav:"clusterId"`
	CreatedAt       int64          `dynamodbav:"createdAt"`
	Type            string         `dynamodbav:"type"`
	Status          string         `dynamodbav:"status"`
	Details         map[string]any `dynamodbav:"details,omitempty"`
	AffectedDevices []string       `dynamodbav:"affectedDevices"`
	CoordinatorID   string         `dynamodbav:"coordinatorId,omitempty"`
	LogIndex        int            `dynamodbav:"logIndex"`
	Committed       bool           `dynamodbav:"committed"`
	ResolvedAt      int64          `dynamodbav:"resolvedAt,omitempty"`
}

func toItem(e domain.EmergencyEvent) EventItem {
	item := EventItem{
		EventID:         e.ID,
		ClusterID:       e.ClusterID,
		CreatedAt:       e.CreatedAt.UnixMilli(),
		Type:            e.Type,
		Status:          string(e.Status),
		Details:         e.Details,
		AffectedDevices: e.AffectedDevices,
		CoordinatorID:   e.CoordinatorID,
		LogIndex:        e.LogIndex,
		Committed:       e.Committed,
	}
	if e.ResolvedAt != nil {
		item.ResolvedAt = e.ResolvedAt.UnixMilli()
	}
	return item
}

func (it EventItem) event() domain.EmergencyEvent {
	e := domain.EmergencyEvent{
		ID:              it.EventID,
		ClusterID:       it.ClusterID,
		Type:            it.Type,
		Status:          domain.EventStatus(it.Status),
		Details:         it.Details,
		CreatedAt:       time.UnixMilli(it.CreatedAt),
		AffectedDevices: it.AffectedDevices,
		CoordinatorID:   it.CoordinatorID,
		LogIndex:        it.LogIndex,
		Committed:       it.Committed,
	}
	if it.ResolvedAt != 0 {
		t := time.UnixMilli(it.ResolvedAt)
		e.ResolvedAt = &t
	}
	return e
}

// RecordEmergency writes the latest state of an event.
func (a *EventArchive) RecordEmergency(ctx context.Context, e domain.EmergencyEvent) error {
	item, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = a.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put event %d in DynamoDB: %w", e.ID, err)
	}
	return nil
}

// ClusterEvents returns a cluster's events, newest first.
func (a *EventArchive) ClusterEvents(ctx context.Context, clusterID string, since time.Time) ([]domain.EmergencyEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(a.table),
		IndexName:              aws.String("clusterId-createdAt-index"),
		KeyConditionExpression: aws.String("clusterId = :cid AND createdAt >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":   &types.AttributeValueMemberS{Value: clusterID},
			":since": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", since.UnixMilli())},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var out []domain.EmergencyEvent
	for {
		result, err := a.svc.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		var items []EventItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events: %w", err)
		}
		for _, it := range items {
			out = append(out, it.event())
		}
		if len(result.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}
