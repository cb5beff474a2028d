package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
)

// snsAPI is the subset of the SNS client used for platform endpoints.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig holds settings for native app delivery.
type SNSConfig struct {
	Region string
}

// SNSSender delivers to native app devices registered as SNS platform
// endpoints. The subscription endpoint holds the endpoint ARN.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

// NewSNSSender creates a sender backed by the default AWS credential chain.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes msg to the endpoint ARN. Disabled or deleted endpoints map
// to ErrGone.
func (s *SNSSender) Send(ctx context.Context, sub *db.Subscription, msg *Message) error {
	if sub.Endpoint == "" {
		return ErrNoKeys
	}

	body, err := platformMessage(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(sub.Endpoint),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var notFound *types.NotFoundException
		if errors.As(err, &disabled) || errors.As(err, &notFound) {
			return fmt.Errorf("%w: %v", ErrGone, err)
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("native push delivered via SNS",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsProvider(provider string) bool {
	return provider == db.ProviderSNS
}

// platformMessage builds the per-platform JSON envelope SNS expects when
// MessageStructure is "json".
func platformMessage(msg *Message) (string, error) {
	data := map[string]string{
		"url":      msg.URL,
		"template": msg.TemplateKey,
	}

	fcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body, "tag": msg.Tag},
		"data":         data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal FCM payload: %w", err)
	}

	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert":     map[string]string{"title": msg.Title, "body": msg.Body},
			"thread-id": msg.Tag,
		},
		"url":      msg.URL,
		"template": msg.TemplateKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal APNS payload: %w", err)
	}

	envelope, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(fcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal SNS envelope: %w", err)
	}
	return string(envelope), nil
}
