package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/auditlog"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const overrideBodyLimit = 16 * 1024

type accountResponse struct {
	Account *registry.Account             `json:"account"`
	Audit   []*registry.EntitlementAudit `json:"audit"`
}

type overrideRequest struct {
	IsPaidSubscriber bool         `json:"is_paid_subscriber"`
	PlanCap          registry.Cap `json:"plan_cap"`
	Actor            string       `json:"actor"`
	Reason           string       `json:"reason"`
}

// HandleGetAccount returns an account with its entitlement audit trail.
func HandleGetAccount(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		identity := identityFromPath(r)

		acct, err := reg.GetAccount(r.Context(), identity)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if acct == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		audit, err := reg.ListEntitlementAudit(r.Context(), identity)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if audit == nil {
			audit = []*registry.EntitlementAudit{}
		}
		writeJSON(w, http.StatusOK, accountResponse{Account: acct, Audit: audit})
	}
}

// HandleOverrideEntitlement sets paid status and plan cap by hand. An actor
// and a reason are required; the change is logged and written to the audit
// trail together with the before and after state.
func HandleOverrideEntitlement(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		identity := identityFromPath(r)

		var req overrideRequest
		r.Body = http.MaxBytesReader(w, r.Body, overrideBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
			return
		}

		entry := auditlog.Entry(r, req.Actor, req.Reason)
		if entry.ActorID == "" || entry.Reason == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "actor and reason are required"})
			return
		}

		acct, err := reg.OverrideEntitlement(r.Context(), identity, req.IsPaidSubscriber, req.PlanCap, entry)
		if err != nil {
			if errors.Is(err, internalerrors.ErrInvalidInput) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			log.Error().Err(err).Str("identity", phone.Mask(identity)).Msg("Entitlement override failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		log.Info().
			Str("identity", phone.Mask(identity)).
			Str("actor", entry.ActorID).
			Str("reason", entry.Reason).
			Str("client_ip", entry.ClientIP).
			Bool("paid", acct.IsPaidSubscriber).
			Str("plan_cap", acct.PlanCap.String()).
			Msg("Entitlement overridden by operator")
		writeJSON(w, http.StatusOK, acct)
	}
}

// identityFromPath normalises phone identities so /admin/accounts/4155550100
// and /admin/accounts/+14155550100 name the same account.
func identityFromPath(r *http.Request) string {
	raw := strings.TrimSpace(r.PathValue("identity"))
	if n, ok := phone.Normalize(raw); ok {
		return n
	}
	return raw
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = strings.TrimSpace(token)
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.admin: encode response")
	}
}
