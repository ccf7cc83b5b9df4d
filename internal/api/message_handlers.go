package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
	"github.com/nlc-ai/mailflow/internal/service/message"
)

// CreateMessageRequest is the body of POST /messages.
type CreateMessageRequest struct {
	From             string            `json:"from"`
	To               []string          `json:"to" validate:"required,min=1,dive,required"`
	Subject          string            `json:"subject"`
	Text             string            `json:"text"`
	HTML             string            `json:"html"`
	ScheduledFor     *time.Time        `json:"scheduled_for"`
	TemplateID       string            `json:"template_id"`
	TemplateKey      string            `json:"template_key"`
	Variables        map[string]any    `json:"variables"`
	LeadID           string            `json:"lead_id"`
	ClientID         string            `json:"client_id"`
	CoachID          string            `json:"coach_id"`
	ThreadID         string            `json:"thread_id"`
	SequenceID       string            `json:"sequence_id"`
	FallbackToSystem *bool             `json:"fallback_to_system"`
	Context          map[string]string `json:"context"`
}

// CorrelationRequest is the body of the bulk sequence controls. At least one
// id is required.
type CorrelationRequest struct {
	SequenceID string `json:"sequence_id"`
	LeadID     string `json:"lead_id"`
	ClientID   string `json:"client_id"`
	CoachID    string `json:"coach_id"`
	ThreadID   string `json:"thread_id"`
}

func (c CorrelationRequest) filter() message.CorrelationFilter {
	return message.CorrelationFilter{
		LeadID:          c.LeadID,
		ClientID:        c.ClientID,
		CoachID:         c.CoachID,
		EmailThreadID:   c.ThreadID,
		EmailSequenceID: c.SequenceID,
	}
}

// RetryFailedRequest is the body of POST /messages/retry-failed.
type RetryFailedRequest struct {
	CoachID string `json:"coach_id"`
	Limit   int    `json:"limit" validate:"gte=0,lte=1000"`
}

// EmergencyPauseRequest is the optional body of the emergency pause.
type EmergencyPauseRequest struct {
	Reason string `json:"reason"`
}

// CreateMessage queues a message. Immediate messages are attempted before
// the response is written.
//
//	POST /api/v1/messages
func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if !httputil.DecodeValid(w, r, &req) {
		return
	}

	fallback := true
	if req.FallbackToSystem != nil {
		fallback = *req.FallbackToSystem
	}

	result, err := h.messages.Create(r.Context(), message.CreateInput{
		From:         req.From,
		To:           req.To,
		Subject:      req.Subject,
		Text:         req.Text,
		HTML:         req.HTML,
		ScheduledFor: req.ScheduledFor,
		TemplateID:   req.TemplateID,
		TemplateKey:  req.TemplateKey,
		Variables:    req.Variables,
		Correlation: domain.Correlation{
			LeadID:          req.LeadID,
			ClientID:        req.ClientID,
			CoachID:         req.CoachID,
			EmailThreadID:   req.ThreadID,
			EmailSequenceID: req.SequenceID,
		},
		FallbackToSystem: fallback,
		Context:          req.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, result)
}

// GetMessage returns one message with its analytics.
//
//	GET /api/v1/messages/{id}
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.messages.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, m)
}

// PauseMessages pauses scheduled messages matching the correlation ids.
//
//	POST /api/v1/messages/pause
func (h *Handlers) PauseMessages(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.messages.Pause)
}

// ResumeMessages reschedules paused messages matching the correlation ids.
//
//	POST /api/v1/messages/resume
func (h *Handlers) ResumeMessages(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.messages.Resume)
}

// CancelMessages cancels unsent messages matching the correlation ids.
//
//	POST /api/v1/messages/cancel
func (h *Handlers) CancelMessages(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.messages.Cancel)
}

func (h *Handlers) bulk(w http.ResponseWriter, r *http.Request,
	op func(context.Context, message.CorrelationFilter) (int, error)) {
	var req CorrelationRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	n, err := op(r.Context(), req.filter())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"count": n})
}

// RetryFailed re-queues failed messages as fresh scheduled copies.
//
//	POST /api/v1/messages/retry-failed
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if !httputil.DecodeValid(w, r, &req) {
		return
	}
	n, err := h.messages.RetryFailed(r.Context(), req.CoachID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"retried_count": n})
}

// EmergencyPause pauses every scheduled message of a coach. The body is
// optional.
//
//	POST /api/v1/coaches/{coachID}/emergency-pause
func (h *Handlers) EmergencyPause(w http.ResponseWriter, r *http.Request) {
	var req EmergencyPauseRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.messages.EmergencyPause(r.Context(), chi.URLParam(r, "coachID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"count": n})
}
