// Package metrics provides Prometheus instrumentation for the distributed
// mutex protocol: a concrete mutex.Metrics implementation plus a gin
// handler for the /metrics endpoint.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	grantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmutex_grants_total",
			Help: "Total number of times a mutex instance's request was granted",
		},
		[]string{"mutex"},
	)

	denialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmutex_denials_total",
			Help: "Total number of times a mutex instance's request was denied or cancelled",
		},
		[]string{"mutex"},
	)

	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmutex_releases_total",
			Help: "Total number of times a mutex instance released the lock",
		},
		[]string{"mutex"},
	)

	holderLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmutex_holder_lost_total",
			Help: "Total number of times a held-remotely instance lost its holder",
		},
		[]string{"mutex"},
	)

	tiebreakResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmutex_tiebreak_resolutions_total",
			Help: "Total simultaneous-request tiebreak resolutions, labeled by outcome",
		},
		[]string{"mutex", "outcome"},
	)

	peerCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmutex_peer_count",
			Help: "Current number of peers in a mutex instance's peer table",
		},
		[]string{"mutex"},
	)

	requestingEpisodesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmutex_requesting_episodes_in_flight",
			Help: "1 if a mutex instance currently has an outstanding request, else 0",
		},
		[]string{"mutex"},
	)
)

// Prometheus implements mutex.Metrics by recording to the package-level
// collectors above, registered once with promauto at package init.
type Prometheus struct{}

func (Prometheus) IncGrant(mutexName string)      { grantsTotal.WithLabelValues(mutexName).Inc() }
func (Prometheus) IncDenial(mutexName string)     { denialsTotal.WithLabelValues(mutexName).Inc() }
func (Prometheus) IncRelease(mutexName string)    { releasesTotal.WithLabelValues(mutexName).Inc() }
func (Prometheus) IncHolderLost(mutexName string) { holderLostTotal.WithLabelValues(mutexName).Inc() }

func (Prometheus) IncTiebreak(mutexName string, won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	tiebreakResolutionsTotal.WithLabelValues(mutexName, outcome).Inc()
}

func (Prometheus) SetPeerCount(mutexName string, n int) {
	peerCount.WithLabelValues(mutexName).Set(float64(n))
}

func (Prometheus) SetRequesting(mutexName string, inFlight bool) {
	v := 0.0
	if inFlight {
		v = 1.0
	}
	requestingEpisodesInFlight.WithLabelValues(mutexName).Set(v)
}

// RegisterEndpoint mounts the Prometheus scrape handler on a gin router.
func RegisterEndpoint(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}
