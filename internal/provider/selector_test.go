package provider_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/provider"
	"github.com/nlc-ai/mailflow/internal/repository/memory"
	"github.com/nlc-ai/mailflow/internal/service/account"
)

func newSelector(t *testing.T, accounts ...domain.EmailAccount) (*provider.Selector, *memory.AccountStore) {
	t.Helper()
	store := memory.NewAccountStore()
	for _, a := range accounts {
		store.PutAccount(a)
	}
	system := provider.NewMailgun(config.MailgunConfig{APIKey: "k", Domain: "mg.example.com"}, http.DefaultClient)
	tokens := provider.NewTokenManager(store, config.OAuthConfig{}, config.MicrosoftConfig{})
	reg := provider.NewRegistry(system, tokens, http.DefaultClient)
	return provider.NewSelector(reg, account.NewService(store)), store
}

func TestSelectPolicy(t *testing.T) {
	future := time.Now().Add(time.Hour)
	gmail := mailboxAccount("acct-gmail", domain.ProviderGmail, "tok", future)
	outlook := mailboxAccount("acct-outlook", domain.ProviderOutlook, "tok", future)
	outlook.IsPrimary = false
	broken := mailboxAccount("acct-broken", domain.ProviderOutlook, "", future)
	broken.CoachID = "coach-2"
	broken.SyncEnabled = false

	sel, store := newSelector(t, gmail, outlook, broken)
	store.PutThread(domain.EmailThread{ID: "th-outlook", AccountID: "acct-outlook", CoachID: "coach-1", ProviderThreadID: "conv-1"})
	store.PutThread(domain.EmailThread{ID: "th-broken", AccountID: "acct-broken", CoachID: "coach-2"})

	tests := []struct {
		name     string
		corr     domain.Correlation
		fallback bool
		kind     domain.ProviderKind
		account  string
		allowed  bool
		reauth   bool
	}{
		{
			name:    "thread reply uses the thread's account over the primary",
			corr:    domain.Correlation{CoachID: "coach-1", EmailThreadID: "th-outlook"},
			kind:    domain.ProviderOutlook,
			account: "acct-outlook",
		},
		{
			name:     "thread reply never falls back",
			corr:     domain.Correlation{CoachID: "coach-1", EmailThreadID: "th-outlook"},
			fallback: true,
			kind:     domain.ProviderOutlook,
			account:  "acct-outlook",
		},
		{
			name:   "thread reply on an account needing re-auth fails",
			corr:   domain.Correlation{CoachID: "coach-2", EmailThreadID: "th-broken"},
			reauth: true,
		},
		{
			name:     "coach primary with fallback",
			corr:     domain.Correlation{CoachID: "coach-1"},
			fallback: true,
			kind:     domain.ProviderGmail,
			account:  "acct-gmail",
			allowed:  true,
		},
		{
			name:    "missing thread falls through to the primary",
			corr:    domain.Correlation{CoachID: "coach-1", EmailThreadID: "th-gone"},
			kind:    domain.ProviderGmail,
			account: "acct-gmail",
		},
		{
			name: "coach without a usable primary uses the system provider",
			corr: domain.Correlation{CoachID: "coach-2"},
			kind: domain.ProviderMailgun,
		},
		{
			name: "no coach uses the system provider",
			kind: domain.ProviderMailgun,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMessage("msg-1")
			m.Correlation = tt.corr
			m.FallbackToSystem = tt.fallback

			s, err := sel.Select(context.Background(), m)
			if tt.reauth {
				assert.ErrorIs(t, err, provider.ErrReauthRequired)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Provider.Kind())
			assert.Equal(t, tt.allowed, s.FallbackAllowed)
			if tt.account == "" {
				assert.Nil(t, s.Account)
			} else {
				require.NotNil(t, s.Account)
				assert.Equal(t, tt.account, s.Account.ID)
			}
		})
	}
}

func TestSelectThreadSetsSendOptions(t *testing.T) {
	sel, store := newSelector(t, mailboxAccount("acct-1", domain.ProviderGmail, "tok", time.Now().Add(time.Hour)))
	store.PutThread(domain.EmailThread{ID: "th-1", AccountID: "acct-1", ProviderThreadID: "gmail-thread", LastProviderMessageID: "<a@b>"})

	m := testMessage("msg-1")
	m.Correlation.EmailThreadID = "th-1"
	s, err := sel.Select(context.Background(), m)
	require.NoError(t, err)
	require.NotNil(t, s.Options().Thread)
	assert.Equal(t, "gmail-thread", s.Options().Thread.ProviderThreadID)
}
