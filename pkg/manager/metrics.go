package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shardCreatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xobj_shard_creates_total",
			Help: "Total number of shards inserted into the directory",
		},
	)
	shardSealsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xobj_shard_seals_total",
			Help: "Total number of shards sealed",
		},
	)
	commitReplayTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xobj_commit_replay_total",
			Help: "Total number of log entries redelivered during replay",
		},
	)
	integrityFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xobj_commit_integrity_failures_total",
			Help: "Total number of commit-time integrity check failures",
		},
		[]string{"stage"},
	)
)
