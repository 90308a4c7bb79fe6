package cloud

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type fakeDynamo struct {
	items []map[string]types.AttributeValue
	pages [][]map[string]types.AttributeValue
	query []*dynamodb.QueryInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.query = append(f.query, in)
	page := len(f.query) - 1
	out := &dynamodb.QueryOutput{Items: f.pages[page]}
	if page < len(f.pages)-1 {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"eventId": &types.AttributeValueMemberN{Value: "1"}}
	}
	return out, nil
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testEvent() domain.EmergencyEvent {
	return domain.EmergencyEvent{
		ID:              3,
		ClusterID:       "cluster-warehouse-a",
		Type:            "fire",
		Status:          domain.EventActive,
		Details:         map[string]any{"zone": "aisle-4"},
		CreatedAt:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		AffectedDevices: []string{"device-001", "device-002"},
		CoordinatorID:   "device-001",
		LogIndex:        0,
		Committed:       true,
	}
}

func TestSNSNotifierPublishesEmergency(t *testing.T) {
	fake := &fakeSNS{}
	n := NewSNSNotifierWithClient(fake, "arn:aws:sns:us-east-1:123:fleet", zerolog.Nop())

	require.NoError(t, n.RecordEmergency(context.Background(), testEvent()))
	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:123:fleet", aws.ToString(in.TopicArn))
	assert.Equal(t, "Fleet Emergency #3: fire in cluster-warehouse-a", aws.ToString(in.Subject))
	assert.Contains(t, aws.ToString(in.Message), "Affected devices: device-001, device-002")
	assert.Contains(t, aws.ToString(in.Message), "zone: aisle-4")
	assert.Equal(t, "active", aws.ToString(in.MessageAttributes["status"].StringValue))

	fake.err = errors.New("throttled")
	assert.ErrorContains(t, n.RecordEmergency(context.Background(), testEvent()), "throttled")
}

func TestFormatResolvedEmergency(t *testing.T) {
	e := testEvent()
	e.Status = domain.EventResolved
	at := e.CreatedAt.Add(time.Hour)
	e.ResolvedAt = &at

	subject, body := FormatEmergency(e)
	assert.Equal(t, "Fleet Emergency #3 resolved: fire in cluster-warehouse-a", subject)
	assert.Contains(t, body, "Resolved: 2025-03-01T13:00:00Z")
}

func TestEventArchiveRoundTrip(t *testing.T) {
	fake := &fakeDynamo{}
	archive := NewEventArchiveWithClient(fake, "EmergencyEvents")
	ctx := context.Background()

	e := testEvent()
	require.NoError(t, archive.RecordEmergency(ctx, e))
	require.Len(t, fake.items, 1)

	var item EventItem
	require.NoError(t, attributevalue.UnmarshalMap(fake.items[0], &item))
	assert.Equal(t, int64(3), item.EventID)
	assert.Equal(t, e.CreatedAt.UnixMilli(), item.CreatedAt)
	assert.Zero(t, item.ResolvedAt)

	resolved := e.Clone()
	at := e.CreatedAt.Add(time.Minute)
	resolved.Status = domain.EventResolved
	resolved.ResolvedAt = &at
	require.NoError(t, archive.RecordEmergency(ctx, resolved))

	fake.pages = [][]map[string]types.AttributeValue{{fake.items[1]}, {fake.items[0]}}
	events, err := archive.ClusterEvents(ctx, "cluster-warehouse-a", e.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, fake.query, 2)
	assert.NotNil(t, fake.query[1].ExclusiveStartKey)

	assert.Equal(t, domain.EventResolved, events[0].Status)
	require.NotNil(t, events[0].ResolvedAt)
	assert.True(t, events[0].ResolvedAt.Equal(at))
	assert.Equal(t, "aisle-4", events[0].Details["zone"])
	assert.Equal(t, []string{"device-001", "device-002"}, events[1].AffectedDevices)
	assert.Nil(t, events[1].ResolvedAt)
}

func TestReportArchiveUpload(t *testing.T) {
	fake := &fakeS3{}
	archive := NewReportArchiveWithClient(fake, "fleet-reports", "")
	at := time.Date(2025, 3, 1, 9, 30, 5, 0, time.FixedZone("EST", -5*3600))

	key, err := archive.UploadReport(context.Background(), map[string]int{"total_devices": 10}, at)
	require.NoError(t, err)
	assert.Equal(t, "reports/analytics/2025/03/01/143005.json", key)

	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "fleet-reports", aws.ToString(fake.inputs[0].Bucket))
	assert.Equal(t, "application/json", aws.ToString(fake.inputs[0].ContentType))
	assert.JSONEq(t, `{"total_devices": 10}`, string(fake.bodies[0]))
}
