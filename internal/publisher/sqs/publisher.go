// Package sqs publishes outbox payloads to an AWS SQS queue
package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.outboxrelay.tech/internal/publisher"
)

// SQSClientAPI defines the SQS operations the publisher needs (for testing)
type SQSClientAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds SQS publisher settings
type Config struct {
	Name     string
	Types    []string
	QueueURL string
	Region   string

	// MessageGroupID is required for FIFO queues
	MessageGroupID string

	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
}

// Publisher sends each payload as one SQS message
type Publisher struct {
	publisher.Base
	sqs    SQSClientAPI
	config Config
}

// New creates a publisher with an SQS client built from cfg
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue url is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.CustomEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a publisher over an existing client
func NewWithClient(client SQSClientAPI, cfg Config) *Publisher {
	return &Publisher{
		Base:   publisher.NewBase(cfg.Name, cfg.Types),
		sqs:    client,
		config: cfg,
	}
}

// Publish sends payload to the queue
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.config.QueueURL),
		MessageBody: aws.String(payload),
	}
	if p.config.MessageGroupID != "" {
		sum := sha256.Sum256([]byte(payload))
		input.MessageGroupId = aws.String(p.config.MessageGroupID)
		input.MessageDeduplicationId = aws.String(hex.EncodeToString(sum[:]))
	}

	_, err := p.sqs.SendMessage(ctx, input)
	if err != nil {
		err = fmt.Errorf("sqs: send to %s: %w", p.config.QueueURL, err)
	}
	return p.Record(err)
}

// Ping verifies the queue is reachable
func (p *Publisher) Ping(ctx context.Context) error {
	_, err := p.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close is a no-op; the SDK client holds no connections that need releasing
func (p *Publisher) Close() error {
	return nil
}
