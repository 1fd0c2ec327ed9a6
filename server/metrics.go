package main

/******************************************************************************
 *
 *  Description :
 *
 *    Runtime metrics exposed at /metrics
 *
 *****************************************************************************/

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vertex_live_sessions",
		Help: "Number of active client sessions.",
	})
	communitiesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vertex_communities_loaded",
		Help: "Number of community actors running.",
	})
	messagesRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vertex_messages_routed_total",
		Help: "Messages persisted and fanned out.",
	})
	tokensSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vertex_tokens_swept_total",
		Help: "Expired login tokens removed by the sweep loop.",
	})
)

func init() {
	prometheus.MustRegister(liveSessions, communitiesLoaded, messagesRouted, tokensSwept)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
