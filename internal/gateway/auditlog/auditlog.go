// Package auditlog extracts who did what from an admin request.
package auditlog

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/textguide/gateway/internal/gateway/registry"
)

var actorHeaders = []string{"X-Actor-ID", "X-Actor-Id", "X-Operator"}

// ClientIP returns the originating address of r. The first valid entry of
// X-Forwarded-For wins, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := cleanIP(first); ip != "" {
			return ip
		}
	}
	if ip := cleanIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	peer := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}

func cleanIP(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return ""
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// Actor returns the operator named by the request headers.
func Actor(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, h := range actorHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

// Path returns the request path recorded with an audit entry.
func Path(r *http.Request) string {
	if r == nil || r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// Entry builds the audit record for an entitlement change made through r.
// actor overrides the header-supplied operator when non-empty.
func Entry(r *http.Request, actor, reason string) registry.EntitlementAudit {
	if strings.TrimSpace(actor) == "" {
		actor = Actor(r)
	}
	return registry.EntitlementAudit{
		ActorID:     strings.TrimSpace(actor),
		Reason:      strings.TrimSpace(reason),
		ClientIP:    ClientIP(r),
		RequestPath: Path(r),
	}
}
