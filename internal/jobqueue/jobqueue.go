// Package jobqueue hands work to the deployment job queue. The identity
// service emits exactly one job type into it: identity.verified.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// TypeIdentityVerified is emitted once a user's identity is established.
const TypeIdentityVerified = "identity.verified"

// Job is the JSON document published to the queue.
type Job struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher sends jobs to the queue.
type Publisher interface {
	PublishJob(ctx context.Context, job Job) error
}

// snsAPI is the slice of *sns.Client we use; tests substitute a mock.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes jobs to an SNS topic.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
}

// NewSNSPublisher loads the default AWS credential chain. When endpointURL
// is set (LocalStack), all traffic goes to that endpoint instead of AWS.
func NewSNSPublisher(ctx context.Context, region, endpointURL, topicARN string) (*SNSPublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("jobqueue: loading AWS config: %w", err)
	}

	var clientOpts []func(*sns.Options)
	if endpointURL != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}

	return &SNSPublisher{
		client:   sns.NewFromConfig(awsCfg, clientOpts...),
		topicARN: topicARN,
	}, nil
}

func (p *SNSPublisher) PublishJob(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: encoding job: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("jobqueue: publishing %s job: %w", job.Type, err)
	}
	return nil
}

// LogPublisher stands in when no topic is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishJob(ctx context.Context, job Job) error {
	p.logger.InfoContext(ctx, "job not published (no queue configured)",
		slog.String("type", job.Type),
		slog.String("userId", job.UserID),
	)
	return nil
}
