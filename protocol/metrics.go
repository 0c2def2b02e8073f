package protocol

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ss-govern/govern/common"
)

const electionSubsystem = "election"

var (
	electionRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: electionSubsystem,
		Name:      "rounds_total",
		Help:      "Total number of voting rounds started",
	})

	currentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: electionSubsystem,
		Name:      "current_round",
		Help:      "Round of the vote this node currently holds",
	})

	// Value is the NodeRole of this node.
	nodeRole = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: electionSubsystem,
		Name:      "role",
		Help:      "Role of this node (0 undecided, 1 controller, 2 candidate, 3 standby)",
	})

	// Labels: reason
	discardedVotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: electionSubsystem,
		Name:      "discarded_votes_total",
		Help:      "Total number of received votes that were not counted",
	}, []string{"reason"})
)

func init() {
	common.Registry.MustRegister(electionRounds, currentRound, nodeRole, discardedVotes)
}

func SetRoleMetric(role NodeRole) {
	nodeRole.Set(float64(role))
}
