package intake

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/quota"
	"github.com/textguide/gateway/internal/gateway/registry"
	"github.com/textguide/gateway/internal/logging"
)

const requestBodyLimit = 256 * 1024

type inboundRequest struct {
	From       string `json:"from"`
	Body       string `json:"body"`
	MessageRef string `json:"message_ref"`
}

type decisionResponse struct {
	Allowed   bool         `json:"allowed"`
	Unlimited bool         `json:"unlimited"`
	Remaining int          `json:"remaining"`
	Limit     int          `json:"limit"`
	Period    string       `json:"period"`
	ResetsAt  time.Time    `json:"resets_at"`
	Reason    quota.Reason `json:"reason"`
}

type inboundResponse struct {
	Action        Action            `json:"action"`
	Identity      string            `json:"identity"`
	Command       string            `json:"command,omitempty"`
	InboundID     string            `json:"inbound_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Decision      *decisionResponse `json:"decision,omitempty"`
}

type completionRequest struct {
	Model       string `json:"model"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
	Content     string `json:"content"`
}

type completionResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Generation    registry.GenerationCost `json:"generation"`
	TransportRef  string                  `json:"transport_ref,omitempty"`
}

type transportRefRequest struct {
	TransportRef string `json:"transport_ref"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleInbound accepts an inbound text and reports what to do with it.
func HandleInbound(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req inboundRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := engine.HandleInbound(r.Context(), Inbound{From: req.From, Body: req.Body, TransportRef: req.MessageRef})
		if err != nil && res.Action != ActionCommand {
			writeError(w, r, "handle_inbound", err)
			return
		}

		resp := inboundResponse{
			Action:        res.Action,
			Identity:      res.Identity,
			Command:       string(res.Command),
			InboundID:     res.InboundID,
			CorrelationID: res.CorrelationID,
		}
		if d := res.Decision; d != nil {
			resp.Decision = &decisionResponse{
				Allowed:   d.Allowed,
				Unlimited: d.Unlimited,
				Remaining: d.Remaining,
				Limit:     d.Limit,
				Period:    d.Period,
				ResetsAt:  d.ResetsAt,
				Reason:    d.Reason,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleCompletion records the generated reply for an admitted text and sends it.
func HandleCompletion(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.PathValue("correlation_id"))
		var req completionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		d, err := engine.CompleteReply(r.Context(), id, Completion{
			Model:       req.Model,
			InputUnits:  req.InputUnits,
			OutputUnits: req.OutputUnits,
			Content:     req.Content,
		})
		if err != nil {
			writeError(w, r, "complete_reply", err)
			return
		}
		writeJSON(w, http.StatusOK, completionResponse{CorrelationID: id, Generation: d.Generation, TransportRef: d.TransportRef})
	}
}

// HandleAttachTransportRef links a carrier reference to a message sent by
// the caller instead of the gateway.
func HandleAttachTransportRef(tracker *costs.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.PathValue("correlation_id"))
		var req transportRefRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := tracker.AttachTransportRef(r.Context(), id, req.TransportRef); err != nil {
			writeError(w, r, "attach_transport_ref", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleGetMessage returns a tracked message with both cost components.
func HandleGetMessage(tracker *costs.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, err := tracker.Message(r.Context(), strings.TrimSpace(r.PathValue("correlation_id")))
		if err != nil {
			writeError(w, r, "get_message", err)
			return
		}
		if m == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "message not found"})
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, internalerrors.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, internalerrors.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, internalerrors.ErrRecipientUnsubscribed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "recipient unsubscribed"})
	default:
		logging.FromContext(r.Context()).Error().Err(err).Str("op", op).Msg("Intake request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.intake: encode response")
	}
}
