package provider_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/provider"
)

func testMessage(id string) *domain.Message {
	return &domain.Message{
		ID:          id,
		To:          []string{"lead@example.com"},
		Subject:     "Welcome",
		HTML:        "<p>Hi</p>",
		Text:        "Hi",
		Correlation: domain.Correlation{CoachID: "coach-1", EmailSequenceID: "seq-1"},
	}
}

func newMailgun(t *testing.T, handler http.HandlerFunc) *provider.MailgunProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return provider.NewMailgun(config.MailgunConfig{
		APIKey:  "key-test",
		Domain:  "mg.example.com",
		From:    "Coach <coach@mg.example.com>",
		BaseURL: srv.URL,
	}, srv.Client())
}

func TestMailgunSend(t *testing.T) {
	var form map[string]string
	p := newMailgun(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mg.example.com/messages", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "key-test", pass)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"<20240101.abc@mg.example.com>","message":"Queued. Thank you."}`)
	})

	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{
		Thread: &domain.EmailThread{LastProviderMessageID: "prev@mail"},
	})

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "20240101.abc@mg.example.com", res.ProviderMessageID)
	assert.Equal(t, domain.ProviderMailgun, res.Provider)
	assert.Equal(t, "msg-1", form["v:message_id"])
	assert.Equal(t, "coach-1", form["v:coach_id"])
	assert.Equal(t, "Coach <coach@mg.example.com>", form["from"])
	assert.Equal(t, "lead@example.com", form["to"])
	assert.Equal(t, "<prev@mail>", form["h:In-Reply-To"])
}

func TestMailgunSendFromOverride(t *testing.T) {
	var from string
	p := newMailgun(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		from = r.PostForm.Get("from")
		fmt.Fprint(w, `{"id":"<x@mg>"}`)
	})

	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{From: "other@example.com"})
	require.True(t, res.OK())
	assert.Equal(t, "other@example.com", from)
}

func TestMailgunSendError(t *testing.T) {
	p := newMailgun(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"to parameter is not a valid address"}`)
	})

	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{})
	assert.False(t, res.OK())
	assert.Equal(t, domain.MessageFailed, res.Status)
	assert.Contains(t, res.Error, "400")
	require.Error(t, res.Err)
}

func TestMailgunSendServerErrorIsNotResent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	p := provider.NewMailgun(config.MailgunConfig{
		APIKey:  "key-test",
		Domain:  "mg.example.com",
		From:    "Coach <coach@mg.example.com>",
		BaseURL: srv.URL,
	}, nil)

	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{})

	assert.False(t, res.OK())
	assert.EqualValues(t, 1, calls.Load(), "the message may already be queued, so the worker decides on a retry")
}

func TestMailgunNotConfigured(t *testing.T) {
	p := provider.NewMailgun(config.MailgunConfig{}, http.DefaultClient)
	res := p.Send(context.Background(), testMessage("msg-1"), provider.SendOptions{})
	assert.ErrorIs(t, res.Err, provider.ErrNotConfigured)
}

func TestMailgunSendBulkSettlesAll(t *testing.T) {
	var calls atomic.Int32
	p := newMailgun(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("v:message_id") == "msg-2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"id":"<%s@mg>"}`, r.PostForm.Get("v:message_id"))
	})

	msgs := []*domain.Message{testMessage("msg-1"), testMessage("msg-2"), testMessage("msg-3")}
	results := p.SendBulk(context.Background(), msgs, provider.SendOptions{})

	require.Len(t, results, 3)
	assert.EqualValues(t, 3, calls.Load())
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.Equal(t, "msg-3@mg", results[2].ProviderMessageID)

	h := p.Health(context.Background())
	assert.EqualValues(t, 2, h.Sent)
	assert.EqualValues(t, 1, h.Failed)
}

func TestMailgunHealth(t *testing.T) {
	tests := []struct {
		name    string
		state   string
		healthy bool
	}{
		{"active domain", "active", true},
		{"unverified domain", "unverified", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMailgun(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v3/domains/mg.example.com", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]any{"domain": map[string]string{"state": tt.state}})
			})
			h := p.Health(context.Background())
			assert.Equal(t, tt.healthy, h.Healthy)
			assert.Contains(t, h.Detail, tt.state)
		})
	}
}
