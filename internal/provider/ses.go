package provider

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
)

// SESAPI is the part of the SES v2 client the provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESProvider sends through AWS SES. It is the alternative system provider.
type SESProvider struct {
	api  SESAPI
	from string

	sent   atomic.Int64
	failed atomic.Int64
}

// NewSES builds an SES provider from configuration. Static keys are used
// when present, otherwise the default AWS credential chain.
func NewSES(ctx context.Context, cfg config.SESConfig) (*SESProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), cfg.From), nil
}

// NewSESWithClient wraps an existing SES client.
func NewSESWithClient(api SESAPI, from string) *SESProvider {
	return &SESProvider{api: api, from: from}
}

func (p *SESProvider) Kind() domain.ProviderKind { return domain.ProviderSES }

func (p *SESProvider) Send(ctx context.Context, m *domain.Message, opts SendOptions) DeliveryResult {
	from := senderAddress(opts, p.from, m.From)
	if from == "" {
		p.failed.Add(1)
		return failed(p.Kind(), m, fmt.Errorf("%w: ses sender address missing", ErrNotConfigured))
	}

	body := &types.Body{}
	if m.HTML != "" {
		body.Html = &types.Content{Data: aws.String(m.HTML), Charset: aws.String("UTF-8")}
	}
	if m.Text != "" {
		body.Text = &types.Content{Data: aws.String(m.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: m.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(m.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("message_id"), Value: aws.String(tagValue(m.ID))},
		},
	}
	if m.Correlation.CoachID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name: aws.String("coach_id"), Value: aws.String(tagValue(m.Correlation.CoachID)),
		})
	}

	out, err := p.api.SendEmail(ctx, input)
	if err != nil {
		p.failed.Add(1)
		return failed(p.Kind(), m, fmt.Errorf("ses send: %w", err))
	}
	p.sent.Add(1)
	providerID := aws.ToString(out.MessageId)
	log.Printf("[SES] Sent %s (id: %s)", m.ID, providerID)
	return sent(p.Kind(), m, providerID)
}

func (p *SESProvider) SendBulk(ctx context.Context, msgs []*domain.Message, opts SendOptions) []DeliveryResult {
	return sendAll(ctx, msgs, func(ctx context.Context, m *domain.Message) DeliveryResult {
		return p.Send(ctx, m, opts)
	})
}

// Health reports whether SES sending is enabled for the account.
func (p *SESProvider) Health(ctx context.Context) Health {
	h := Health{Provider: p.Kind(), Sent: p.sent.Load(), Failed: p.failed.Load(), CheckedAt: time.Now().UTC()}
	out, err := p.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Healthy = out.SendingEnabled
	h.Detail = "enforcement " + aws.ToString(out.EnforcementStatus)
	return h
}

// tagValue keeps only the characters SES accepts in tag values.
func tagValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
