package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nlc-ai/mailflow/internal/domain"
	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
)

// SetPrimaryAccount makes a connected mailbox the coach's sender. Tokens
// are never serialized.
//
//	POST /api/v1/accounts/{id}/primary
func (h *Handlers) SetPrimaryAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.SetPrimary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, acct)
}

// AddSuppressionRequest is the body of POST /suppressions.
type AddSuppressionRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ListSuppressions pages through the suppression list.
//
//	GET /api/v1/suppressions?reason=&limit=&offset=
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, total, err := h.suppressions.List(r.Context(), suppression.ListFilter{
		Reason: q.Get("reason"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Suppression{}
	}
	httputil.OK(w, map[string]any{"suppressions": entries, "total": total})
}

// AddSuppression suppresses an address by hand.
//
//	POST /api/v1/suppressions
func (h *Handlers) AddSuppression(w http.ResponseWriter, r *http.Request) {
	var req AddSuppressionRequest
	if !httputil.DecodeValid(w, r, &req) {
		return
	}
	if err := h.suppressions.Suppress(r.Context(), req.Email, domain.ReasonManual, domain.SourceManual, ""); err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"email": domain.NormalizeEmail(req.Email)})
}

// RemoveSuppression lifts a suppression.
//
//	DELETE /api/v1/suppressions/{email}
func (h *Handlers) RemoveSuppression(w http.ResponseWriter, r *http.Request) {
	if err := h.suppressions.Remove(r.Context(), chi.URLParam(r, "email")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}
