package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sprintloop_context_cache_hits_total",
		Help: "Context cache lookups served from memory",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sprintloop_context_cache_misses_total",
		Help: "Context cache lookups that required a rebuild",
	})

	cacheSets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sprintloop_context_cache_sets_total",
		Help: "Context payloads stored in the cache",
	})
)

func recordHit()  { cacheHits.Inc() }
func recordMiss() { cacheMisses.Inc() }
func recordSet()  { cacheSets.Inc() }
