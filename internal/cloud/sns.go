package cloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"
)

// SNSPublisher is the part of the SNS client the notifier uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes emergency events to an SNS topic.
type SNSNotifier struct {
	svc      SNSPublisher
	topicArn string
	log      zerolog.Logger
}

func NewSNSNotifier(cfg aws.Config, topicArn string, logger zerolog.Logger) *SNSNotifier {
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn, logger)
}

func NewSNSNotifierWithClient(svc SNSPublisher, topicArn string, logger zerolog.Logger) *SNSNotifier {
	return &SNSNotifier{svc: svc, topicArn: topicArn, log: logger.With().Str("component", "sns").Logger()}
}

// SendAlert publishes one message to the topic.
func (n *SNSNotifier) SendAlert(ctx context.Context, subject, message string, attrs map[string]string) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			input.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		}
	}

	result, err := n.svc.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	n.log.Debug().Str("message_id", aws.ToString(result.MessageId)).Msg("alert sent")
	return nil
}

// RecordEmergency notifies subscribers that an emergency was raised or
// resolved.
func (n *SNSNotifier) RecordEmergency(ctx context.Context, e domain.EmergencyEvent) error {
	subject, message := FormatEmergency(e)
	return n.SendAlert(ctx, subject, message, map[string]string{
		"cluster_id": e.ClusterID,
		"status":     string(e.Status),
		"type":       e.Type,
	})
}

// FormatEmergency renders the subject and body of an emergency notification.
func FormatEmergency(e domain.EmergencyEvent) (string, string) {
	var b strings.Builder
	subject := fmt.Sprintf("Fleet Emergency #%d: %s in %s", e.ID, e.Type, e.ClusterID)
	if e.Status == domain.EventResolved {
		subject = fmt.Sprintf("Fleet Emergency #%d resolved: %s in %s", e.ID, e.Type, e.ClusterID)
	}

	fmt.Fprintf(&b, "Emergency Coordination\n\n")
	fmt.Fprintf(&b, "Cluster: %s\n", e.ClusterID)
	fmt.Fprintf(&b, "Type: %s\n", e.Type)
	fmt.Fprintf(&b, "Status: %s\n", e.Status)
	fmt.Fprintf(&b, "Affected devices: %s\n", strings.Join(e.AffectedDevices, ", "))
	if e.CoordinatorID != "" {
		fmt.Fprintf(&b, "Coordinator: %s (log index %d)\n", e.CoordinatorID, e.LogIndex)
	}
	fmt.Fprintf(&b, "Committed: %t\n", e.Committed)
	fmt.Fprintf(&b, "Raised: %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.ResolvedAt != nil {
		fmt.Fprintf(&b, "Resolved: %s\n", e.ResolvedAt.Format(time.RFC3339))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, e.Details[k])
		}
	}
	return subject, b.String()
}
