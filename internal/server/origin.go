package server

import (
	"net/http"
	"net/url"
	"strings"
)

const wildcardOrigin = "*"

// originPolicy decides which browser origins may call the API. Listed origins
// and the serving origin itself may send the viewer's session. The wildcard
// lets any origin connect, but never with credentials.
type originPolicy struct {
	anyOrigin bool
	listed    map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{listed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case wildcardOrigin:
			policy.anyOrigin = true
		default:
			policy.listed[strings.ToLower(origin)] = struct{}{}
		}
	}
	return policy
}

// credentialed reports whether a request may act as the signed-in viewer.
// Requests without an Origin header are not browser cross-site requests.
func (p originPolicy) credentialed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return p.lists(origin) || sameOrigin(r, origin)
}

func (p originPolicy) lists(origin string) bool {
	_, ok := p.listed[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

// accepts reports whether a request from its origin may be served at all.
func (p originPolicy) accepts(r *http.Request) bool {
	return p.anyOrigin || p.credentialed(r)
}

func sameOrigin(r *http.Request, origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
