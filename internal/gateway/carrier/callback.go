package carrier

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/textguide/gateway/internal/gateway/registry"
	twclient "github.com/twilio/twilio-go/client"
)

const (
	callbackBodyLimit = 64 * 1024
	signatureHeader   = "X-Twilio-Signature"
)

// CallbackHandler receives carrier delivery status callbacks and merges
// their status and price into the tracked message.
type CallbackHandler struct {
	tracker   *costs.Tracker
	validator *twclient.RequestValidator
	publicURL string
}

type callbackResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewCallbackHandler creates the handler. When authToken is non-empty every
// request must carry a valid carrier signature computed over publicURL plus
// the request URI.
func NewCallbackHandler(tracker *costs.Tracker, authToken, publicURL string) *CallbackHandler {
	h := &CallbackHandler{tracker: tracker, publicURL: strings.TrimRight(publicURL, "/")}
	if strings.TrimSpace(authToken) != "" {
		v := twclient.NewRequestValidator(authToken)
		h.validator = &v
	}
	return h
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, callbackResponse{Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, callbackBodyLimit)
	if err := r.ParseForm(); err != nil {
		gwmetrics.CarrierCallbacksTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, callbackResponse{Error: "invalid form body"})
		return
	}

	if h.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		if !h.validator.Validate(h.publicURL+r.URL.RequestURI(), params, r.Header.Get(signatureHeader)) {
			log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected carrier callback with invalid signature")
			gwmetrics.CarrierCallbacksTotal.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusForbidden, callbackResponse{Error: "invalid signature"})
			return
		}
	}

	correlationID := strings.TrimSpace(r.URL.Query().Get(notify.CorrelationParam))
	if correlationID == "" {
		correlationID = strings.TrimSpace(r.PostForm.Get(notify.CorrelationParam))
	}
	transportRef := strings.TrimSpace(r.PostForm.Get("MessageSid"))
	if transportRef == "" {
		transportRef = strings.TrimSpace(r.PostForm.Get("SmsSid"))
	}
	status := r.PostForm.Get("MessageStatus")
	if status == "" {
		status = r.PostForm.Get("SmsStatus")
	}
	if correlationID == "" && transportRef == "" {
		gwmetrics.CarrierCallbacksTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, callbackResponse{Error: "message reference required"})
		return
	}

	amount, err := parsePrice(r.PostForm.Get("Price"))
	if err != nil {
		// Keep the status; the sweeper can price the message later.
		log.Warn().Err(err).Str("transport_ref", transportRef).Msg("Ignoring unparseable carrier price")
		amount = nil
	}

	result, err := h.tracker.RecordTransportCost(r.Context(), costs.TransportReport{
		CorrelationID: correlationID,
		TransportRef:  transportRef,
		Status:        status,
		Amount:        amount,
		Currency:      r.PostForm.Get("PriceUnit"),
	})
	if err != nil {
		log.Error().Err(err).
			Str("correlation_id", correlationID).
			Str("transport_ref", transportRef).
			Msg("Carrier callback processing failed")
		writeJSON(w, http.StatusInternalServerError, callbackResponse{Error: "processing failed"})
		return
	}

	gwmetrics.CarrierCallbacksTotal.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome == registry.MergeApplied && amount == nil {
		log.Debug().Str("transport_ref", transportRef).Str("status", status).Msg("Carrier status recorded, price pending")
	}
	writeJSON(w, http.StatusOK, callbackResponse{Received: true, Outcome: string(result.Outcome)})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.carrier: encode response")
	}
}
