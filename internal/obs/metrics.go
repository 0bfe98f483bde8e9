// Package obs exposes Prometheus metrics for the authentication core.
// Counters are package-level so the service layer can increment them
// without threading a registry through every constructor.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoginAttempts counts login outcomes. Labels: outcome is one of
	// "success", "invalid_credentials", "error".
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Total number of login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// TokenVerifications counts bearer verification results. Labels: result
	// is one of "ok", "rejected", "session_revoked", "unavailable".
	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_verifications_total",
			Help: "Total number of access token verifications by result.",
		},
		[]string{"result"},
	)

	// RefreshRotations counts refresh attempts. Labels: result is one of
	// "ok", "rejected", "reuse_detected", "session_revoked", "unavailable".
	RefreshRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Total number of refresh token rotations by result.",
		},
		[]string{"result"},
	)

	// SessionsSwept counts sessions evicted by the background sweeper.
	SessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_sessions_swept_total",
			Help: "Total number of expired sessions removed by the sweeper.",
		},
	)
)

// Init registers all metrics with the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(LoginAttempts, TokenVerifications, RefreshRotations, SessionsSwept)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
