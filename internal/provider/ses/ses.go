// Package ses implements a Provider that forwards messages via AWS SES v2
// raw sends.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/provider"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SESProvider forwards messages via the AWS SES v2 API.
type SESProvider struct {
	sender string
	client SendEmailAPI
	retry  provider.Retrier
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
		retry:  provider.NewRetrier("SES API request"),
	}
}

// Forward re-sends the captured message to req.Target as a raw MIME
// message. The From header is replaced by the verified sender.
func (s *SESProvider) Forward(ctx context.Context, req *email.ForwardRequest) error {
	input, err := buildRawInput(s.sender, req)
	if err != nil {
		return err
	}

	return s.retry.Do(ctx, func(attempt int) error {
		_, err := s.client.SendEmail(ctx, input)
		if err != nil {
			slog.Warn("SES API error",
				"attempt", attempt,
				"target", req.Target,
				"error", err,
			)
		}
		return err
	})
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildRawInput creates a raw SendEmailInput addressed to the target only.
func buildRawInput(sender string, req *email.ForwardRequest) (*sesv2.SendEmailInput, error) {
	raw, err := provider.Rewrite(req, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{req.Target},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if sender != "" {
		input.FromEmailAddress = aws.String(sender)
	}
	return input, nil
}
