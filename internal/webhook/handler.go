package webhook

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nlc-ai/mailflow/internal/pkg/httputil"
)

// maxPayloadBytes caps webhook bodies to keep a hostile sender from
// exhausting memory.
const maxPayloadBytes = 5 << 20

// Handler exposes the ingestor over HTTP.
type Handler struct {
	ingestor *Ingestor
}

func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// Routes mounts the provider webhook endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/mailgun", h.HandleMailgun)
	return r
}

// HandleMailgun accepts one payload or an array of payloads. The response
// reports per-event outcomes; it is 401 only when nothing in the body
// carried a valid signature.
func (h *Handler) HandleMailgun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httputil.BadRequest(w, "could not read body")
		return
	}

	payloads, malformed, err := ParsePayloads(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if h.ingestor.verifier.Enabled() && !anySigned(h.ingestor.verifier, payloads) {
		log.Printf("[Webhook] Rejected %d Mailgun events with invalid signatures", len(payloads)+malformed)
		httputil.Unauthorized(w, ErrInvalidSignature.Error())
		return
	}

	res := h.ingestor.Ingest(r.Context(), payloads)
	res.Received += malformed
	res.Failed += malformed
	if res.Failed > 0 {
		log.Printf("[Webhook] Mailgun batch: %d processed, %d failed, %d duplicates",
			res.Processed, res.Failed, res.Duplicates)
	}
	httputil.OK(w, res)
}

func anySigned(v *Verifier, payloads []Payload) bool {
	for i := range payloads {
		if err := v.Verify(payloads[i].Signature); !errors.Is(err, ErrInvalidSignature) {
			return true
		}
	}
	return false
}
