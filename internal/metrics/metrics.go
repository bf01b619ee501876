// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuctionsActive tracks the number of live auction sessions.
	AuctionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_auctions_active",
		Help: "Number of auction sessions currently registered",
	})

	// AuctionsCompleted counts auctions that reached the completed status.
	AuctionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctiond_auctions_completed_total",
		Help: "Total auctions that reached the completed status",
	})

	// ClientsConnected tracks live websocket connections across all auctions.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_clients_connected",
		Help: "Number of connected websocket clients",
	})

	// BidsTotal counts bid attempts by outcome (accepted or rejected).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_bids_total",
		Help: "Total bid attempts by outcome",
	}, []string{"outcome"})

	// BroadcastDrops counts clients ejected because their outbound queue
	// overflowed or their connection failed mid-broadcast.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctiond_broadcast_drops_total",
		Help: "Clients ejected during broadcast fan-out",
	})

	// InvitesSent counts Discord invitation DMs by outcome.
	InvitesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_invites_sent_total",
		Help: "Discord invite messages by outcome",
	}, []string{"outcome"})
)
