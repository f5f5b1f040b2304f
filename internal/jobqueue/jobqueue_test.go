package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSNS struct {
	mock.Mock
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sns.PublishOutput)
	return out, args.Error(1)
}

func TestSNSPublisher_PublishJob(t *testing.T) {
	client := new(mockSNS)
	p := &SNSPublisher{client: client, topicARN: "arn:aws:sns:us-east-1:000000000000:jobs"}

	job := Job{Type: TypeIdentityVerified, UserID: "u1", Email: "ada@example.com", OccurredAt: time.Unix(1700000000, 0).UTC()}

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		if aws.ToString(in.TopicArn) != p.topicARN {
			return false
		}
		var got Job
		if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &got); err != nil {
			return false
		}
		attr, ok := in.MessageAttributes["type"]
		return ok && aws.ToString(attr.StringValue) == TypeIdentityVerified && got.UserID == "u1" && got.Email == "ada@example.com"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-1")}, nil).Once()

	require.NoError(t, p.PublishJob(context.Background(), job))
	client.AssertExpectations(t)
}

func TestSNSPublisher_PropagatesError(t *testing.T) {
	client := new(mockSNS)
	p := &SNSPublisher{client: client, topicARN: "arn"}

	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := p.PublishJob(context.Background(), Job{Type: TypeIdentityVerified})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestNewSNSPublisher_WithEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	p, err := NewSNSPublisher(context.Background(), "us-east-1", "http://localhost:4566", "arn")
	require.NoError(t, err)
	assert.NotNil(t, p.client)
}
