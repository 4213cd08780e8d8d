// Package metrics exposes Prometheus collectors for the relay server,
// scraped from the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cloakroom_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	connectionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	disconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakroom_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Session metrics
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakroom_registrations_total",
		Help: "Registration attempts by outcome (ok, username_taken, reclaimed)",
	}, []string{"outcome"})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cloakroom_rooms_active",
		Help: "Current number of active rooms",
	})

	joinRequestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cloakroom_join_requests_pending",
		Help: "Current number of unresolved join requests",
	})

	joinRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloakroom_join_requests_total",
		Help: "Join request resolutions by outcome (approved, denied, orphaned, expired)",
	}, []string{"outcome"})

	// Relay metrics
	messagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_messages_relayed_total",
		Help: "Total encrypted messages fanned out to room members",
	})

	relayDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_relay_drops_total",
		Help: "Per-member deliveries dropped because the send buffer was full",
	})

	eventsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_events_rate_limited_total",
		Help: "Inbound events dropped by the per-connection event limiter",
	})

	uploadTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloakroom_upload_tokens_issued_total",
		Help: "Short-lived upload tokens issued to registered members",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

func ConnectionFailed() {
	connectionsFailed.Inc()
}

func RegistrationOutcome(outcome string) {
	registrationsTotal.WithLabelValues(outcome).Inc()
}

func SetRoomsActive(n int) {
	roomsActive.Set(float64(n))
}

func SetJoinRequestsPending(n int) {
	joinRequestsPending.Set(float64(n))
}

func JoinRequestResolved(outcome string) {
	joinRequestsTotal.WithLabelValues(outcome).Inc()
}

func MessageRelayed() {
	messagesRelayed.Inc()
}

func RelayDropped() {
	relayDrops.Inc()
}

func EventRateLimited() {
	eventsRateLimited.Inc()
}

func UploadTokenIssued() {
	uploadTokensIssued.Inc()
}
