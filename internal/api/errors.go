package api

import (
	"errors"
	"net/http"

	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
	"github.com/nlc-ai/mailflow/internal/service/account"
	"github.com/nlc-ai/mailflow/internal/service/contact"
	"github.com/nlc-ai/mailflow/internal/service/message"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

// writeError maps service sentinels onto status codes. Anything unmapped is
// logged and reported as a 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrInvalidInput),
		errors.Is(err, message.ErrEmptyCorrelation),
		errors.Is(err, sequence.ErrInvalidSteps),
		errors.Is(err, sequence.ErrInvalidInput),
		errors.Is(err, template.ErrInvalidTemplate):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, message.ErrNotFound),
		errors.Is(err, template.ErrNotFound),
		errors.Is(err, sequence.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, contact.ErrNotFound),
		errors.Is(err, suppression.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, message.ErrInvalidTransition),
		errors.Is(err, sequence.ErrInactive),
		errors.Is(err, account.ErrNotUsable):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
