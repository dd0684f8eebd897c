// Package alerts publishes operational alerts that need a human, such as
// consistency gaps and missing operator allowances.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational notification.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// Publisher delivers alerts.
type Publisher interface {
	Publish(ctx context.Context, alert Alert) error
}

// SNSAPI is the part of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes alerts as JSON messages to one topic.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSClient builds the SNS client from a resolved AWS config.
func NewSNSClient(cfg aws.Config) *sns.Client {
	return sns.NewFromConfig(cfg)
}

func NewSNSPublisher(client SNSAPI, topicARN string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *SNSPublisher) Publish(ctx context.Context, alert Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Kind)
	if len(subject) > 100 {
		subject = subject[:100]
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {DataType: aws.String("String"), StringValue: aws.String(string(alert.Severity))},
			"kind":     {DataType: aws.String("String"), StringValue: aws.String(alert.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Info("Alert published",
		zap.String("kind", alert.Kind),
		zap.String("subject", alert.Subject),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// LogPublisher only logs alerts. Used when no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, alert Alert) error {
	p.logger.Warn("Operational alert",
		zap.String("kind", alert.Kind),
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", alert.Subject),
		zap.String("message", alert.Message),
		zap.Any("details", alert.Details))
	return nil
}
