package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/provider"
)

type fakeSES struct {
	input   *sesv2.SendEmailInput
	sendErr error
	enabled bool
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0001")}, nil
}

func (f *fakeSES) GetAccount(context.Context, *sesv2.GetAccountInput, ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	return &sesv2.GetAccountOutput{SendingEnabled: f.enabled, EnforcementStatus: aws.String("HEALTHY")}, nil
}

func TestSESSend(t *testing.T) {
	api := &fakeSES{}
	p := provider.NewSESWithClient(api, "noreply@example.com")

	res := p.Send(context.Background(), testMessage("3f1c-msg"), provider.SendOptions{})

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "ses-0001", res.ProviderMessageID)
	assert.Equal(t, domain.ProviderSES, res.Provider)
	require.NotNil(t, api.input)
	assert.Equal(t, "noreply@example.com", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"lead@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "Welcome", aws.ToString(api.input.Content.Simple.Subject.Data))
	require.NotEmpty(t, api.input.EmailTags)
	assert.Equal(t, "message_id", aws.ToString(api.input.EmailTags[0].Name))
	assert.Equal(t, "3f1c-msg", aws.ToString(api.input.EmailTags[0].Value))
}

func TestSESSendFailure(t *testing.T) {
	p := provider.NewSESWithClient(&fakeSES{sendErr: errors.New("throttled")}, "noreply@example.com")

	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{})

	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "throttled")
	assert.EqualValues(t, 1, p.Health(context.Background()).Failed)
}

func TestSESNoSender(t *testing.T) {
	p := provider.NewSESWithClient(&fakeSES{}, "")
	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{})
	assert.ErrorIs(t, res.Err, provider.ErrNotConfigured)
}

func TestSESHealth(t *testing.T) {
	p := provider.NewSESWithClient(&fakeSES{enabled: true}, "noreply@example.com")
	h := p.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, domain.ProviderSES, h.Provider)
}
