package fdbus

import (
	"golang.org/x/time/rate"
)

// RequestRateLimitConfig throttles inbound Request/SidebandRequest traffic
// per session, grounded on
// _examples/adred-codev-ws_poc/ws/internal/shared/limits/connection_rate_limiter.go's
// token-bucket approach to connection-attempt throttling, retargeted here
// from "connections per IP" to "requests per session" (spec §4.5's request
// dispatch path is the natural point to reject an abusive peer before a
// handler ever runs).
type RequestRateLimitConfig struct {
	Rate  float64 // sustained requests/sec allowed per session
	Burst int     // max burst above the sustained rate
}

// newSessionLimiter builds the per-session token bucket. Called once, at
// session registration, so every session pays the cost of its own peer
// rather than contending on a shared limiter.
func newSessionLimiter(cfg RequestRateLimitConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
}
