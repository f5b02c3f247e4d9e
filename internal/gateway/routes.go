package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/textguide/gateway/internal/gateway/admin"
	"github.com/textguide/gateway/internal/gateway/carrier"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/intake"
	"github.com/textguide/gateway/internal/gateway/keywords"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/textguide/gateway/internal/gateway/quota"
	"github.com/textguide/gateway/internal/gateway/registry"
	gwstripe "github.com/textguide/gateway/internal/gateway/stripe"
)

const (
	stripeWebhookPath = "/api/stripe/webhook"
	carrierStatusPath = "/api/carrier/status"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Registry *registry.Registry
	Machine  *gwstripe.Machine
	Engine   *intake.Engine
	Tracker  *costs.Tracker
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	tracker := deps.Tracker
	if tracker == nil {
		tracker = costs.NewTracker(deps.Registry, nil)
	}
	machine := deps.Machine
	if machine == nil {
		machine = gwstripe.NewMachine(deps.Registry, gwstripe.MachineConfig{})
	}
	engine := deps.Engine
	if engine == nil {
		notifier := notify.NewNotifier(deps.Registry, tracker, nil, notify.Config{
			Product:   deps.Config.ProductName,
			BaseURL:   deps.Config.BaseURL,
			FreeLimit: deps.Config.FreeMonthlyLimit,
		})
		engine = intake.NewEngine(deps.Registry,
			quota.NewEnforcer(deps.Registry, nil, deps.Config.FreeMonthlyLimit),
			keywords.NewProcessor(deps.Registry, machine),
			tracker, notifier)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Registry, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle(stripeWebhookPath, webhookLimiter.Middleware(gwstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, machine)))

	// Carrier status callbacks (signature-authenticated when enabled)
	callbackToken := ""
	if deps.Config.ValidateCarrierSignature {
		callbackToken = deps.Config.TwilioAuthToken
	}
	callbackLimiter := NewRateLimiter(600, time.Minute)
	mux.Handle(carrierStatusPath, callbackLimiter.Middleware(carrier.NewCallbackHandler(tracker, callbackToken, deps.Config.PublicURL)))

	// Intake API for the reply generator (key-authenticated)
	mux.Handle("/v1/inbound", adminAuth(intake.HandleInbound(engine)))
	mux.Handle("/v1/messages/{correlation_id}", adminAuth(intake.HandleGetMessage(tracker)))
	mux.Handle("/v1/messages/{correlation_id}/completion", adminAuth(intake.HandleCompletion(engine)))
	mux.Handle("/v1/messages/{correlation_id}/transport-ref", adminAuth(intake.HandleAttachTransportRef(tracker)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/accounts/{identity}", adminAuth(admin.HandleGetAccount(deps.Registry)))
	mux.Handle("/admin/accounts/{identity}/entitlement", adminAuth(admin.HandleOverrideEntitlement(deps.Registry)))
}
