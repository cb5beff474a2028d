// Package mailer sends the game's transactional emails.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/metrics"
)

// Email is one outgoing message. HTML is optional; Body is always sent as
// the plain text part.
type Email struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	Body    string `json:"body" validate:"required"`
	HTML    string `json:"html,omitempty"`
}

// InvalidEmailError lists the fields that failed validation.
type InvalidEmailError struct {
	Fields []string
}

func (e *InvalidEmailError) Error() string {
	return "invalid email: " + strings.Join(e.Fields, ", ")
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

// Validate checks the required fields and the recipient format.
func (e *Email) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &InvalidEmailError{Fields: fields}
}

// Mailer delivers an email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, email *Email) (string, error)
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// SESMailer sends through Amazon SES.
type SESMailer struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

func NewSESMailer(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESMailer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESMailer{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send validates email and sends it via AWS SES
func (m *SESMailer) Send(ctx context.Context, email *Email) (string, error) {
	if err := email.Validate(); err != nil {
		return "", err
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(email.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if email.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(email.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(email.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		metrics.RecordEmail("failed")
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	metrics.RecordEmail("sent")
	m.logger.Info("email sent via SES",
		zap.String("to", email.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

// LogMailer logs emails instead of sending them (for development)
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, email *Email) (string, error) {
	if err := email.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.logger.Info("logging email (development mode)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.String("message_id", id),
	)
	metrics.RecordEmail("logged")
	return id, nil
}
