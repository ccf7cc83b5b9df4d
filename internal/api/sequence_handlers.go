package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
)

// ExecuteSequenceRequest is the body of POST /sequences/{id}/execute.
type ExecuteSequenceRequest struct {
	TargetKind domain.ContactKind `json:"target_kind" validate:"required,oneof=lead client coach"`
	TargetID   string             `json:"target_id" validate:"required"`
	// StartDate defaults to now.
	StartDate *time.Time     `json:"start_date"`
	Variables map[string]any `json:"variables"`
}

// CreateSequence validates and stores a sequence.
//
//	POST /api/v1/sequences
func (h *Handlers) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req sequence.CreateInput
	if !httputil.DecodeValid(w, r, &req) {
		return
	}
	seq, err := h.sequences.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, seq)
}

// GetSequence returns a sequence with its steps.
//
//	GET /api/v1/sequences/{id}
func (h *Handlers) GetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.sequences.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, seq)
}

// UpdateSequence changes the given fields of a sequence. New steps are
// validated before anything is stored.
//
//	PUT /api/v1/sequences/{id}
func (h *Handlers) UpdateSequence(w http.ResponseWriter, r *http.Request) {
	var req sequence.UpdateInput
	if !httputil.Decode(w, r, &req) {
		return
	}
	seq, err := h.sequences.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, seq)
}

// ExecuteSequence materializes the sequence steps for one contact.
//
//	POST /api/v1/sequences/{id}/execute
func (h *Handlers) ExecuteSequence(w http.ResponseWriter, r *http.Request) {
	var req ExecuteSequenceRequest
	if !httputil.DecodeValid(w, r, &req) {
		return
	}
	start := h.now()
	if req.StartDate != nil {
		start = *req.StartDate
	}
	result, err := h.sequences.Execute(r.Context(), chi.URLParam(r, "id"),
		sequence.Target{Kind: req.TargetKind, ID: req.TargetID}, start, req.Variables)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, result)
}
