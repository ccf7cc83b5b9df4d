package provider

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/service/account"
)

// AccountResolver finds the mailbox a message should be sent from.
type AccountResolver interface {
	PrimaryUsable(ctx context.Context, coachID string) (*domain.EmailAccount, error)
	ThreadAccount(ctx context.Context, threadID string) (*domain.EmailThread, *domain.EmailAccount, error)
}

// Selection is the provider chosen for one message.
type Selection struct {
	Provider Provider
	Account  *domain.EmailAccount
	Thread   *domain.EmailThread
	// FallbackAllowed reports whether a failed mailbox send may be retried
	// through the system provider.
	FallbackAllowed bool
}

// Options returns the send options implied by the selection.
func (s Selection) Options() SendOptions {
	return SendOptions{Thread: s.Thread}
}

// Selector applies the provider selection policy:
//  1. a thread reply goes out from the thread's mailbox, never elsewhere;
//  2. otherwise the coach's primary usable mailbox;
//  3. otherwise the system provider.
type Selector struct {
	registry *Registry
	accounts AccountResolver
}

// NewSelector creates a selector.
func NewSelector(registry *Registry, accounts AccountResolver) *Selector {
	return &Selector{registry: registry, accounts: accounts}
}

// Select picks the provider for m. A thread reply whose mailbox needs
// re-authentication returns ErrReauthRequired.
func (s *Selector) Select(ctx context.Context, m *domain.Message) (Selection, error) {
	if m.IsThreadReply() {
		thread, acct, err := s.accounts.ThreadAccount(ctx, m.Correlation.EmailThreadID)
		switch {
		case errors.Is(err, account.ErrThreadNotFound):
			log.Printf("[Selector] Thread %s for message %s not found, sending as new conversation", m.Correlation.EmailThreadID, m.ID)
		case errors.Is(err, account.ErrNotFound):
			return Selection{}, fmt.Errorf("%w: thread %s has no connected account", ErrReauthRequired, thread.ID)
		case err != nil:
			return Selection{}, fmt.Errorf("resolve thread account: %w", err)
		default:
			if !acct.Usable() {
				return Selection{}, fmt.Errorf("%w: account %s", ErrReauthRequired, acct.ID)
			}
			p, err := s.registry.ForAccount(acct)
			if err != nil {
				return Selection{}, err
			}
			return Selection{Provider: p, Account: acct, Thread: thread}, nil
		}
	}

	acct, err := s.accounts.PrimaryUsable(ctx, m.Correlation.CoachID)
	if err != nil {
		return Selection{}, fmt.Errorf("resolve primary account: %w", err)
	}
	if acct != nil {
		p, err := s.registry.ForAccount(acct)
		if err == nil {
			return Selection{Provider: p, Account: acct, FallbackAllowed: m.FallbackToSystem}, nil
		}
		log.Printf("[Selector] Primary account %s unusable for %s: %v", acct.ID, m.ID, err)
	}
	return s.System(), nil
}

// System returns a selection of the system provider.
func (s *Selector) System() Selection {
	return Selection{Provider: s.registry.System()}
}
