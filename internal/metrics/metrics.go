package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_jobs_total",
			Help: "Training jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "selftune_jobs_submitted_total",
			Help: "Training jobs accepted by the queue",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "selftune_queue_depth",
			Help: "Jobs waiting in the training queue",
		},
	)

	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "selftune_training_duration_seconds",
			Help:    "Wall time of trainer runs",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
	)

	MemoryPressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "selftune_memory_pressure_level",
			Help: "Current memory pressure (0 normal, 1 warning, 2 critical)",
		},
	)

	MemoryPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selftune_memory_percent",
			Help: "Last sampled memory utilisation",
		},
		[]string{"kind"},
	)

	CleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_cleanups_total",
			Help: "Cleanup runs by mode",
		},
		[]string{"mode"},
	)

	TopicsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_topics_processed_total",
			Help: "Topics handled by the learning loop by outcome",
		},
		[]string{"outcome"},
	)

	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_fetch_errors_total",
			Help: "Content fetch failures",
		},
		[]string{"kind"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_cache_hits_total",
			Help: "Content cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_cache_misses_total",
			Help: "Content cache misses",
		},
		[]string{"cache_type"},
	)

	KnowledgeLearned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftune_knowledge_learned_total",
			Help: "Learn attempts by result",
		},
		[]string{"result"},
	)

	KnowledgeEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "selftune_knowledge_entries",
			Help: "Entries in the knowledge store at the last stats snapshot",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(JobsTotal)
		prometheus.MustRegister(JobsSubmitted)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(TrainingDuration)
		prometheus.MustRegister(MemoryPressure)
		prometheus.MustRegister(MemoryPercent)
		prometheus.MustRegister(CleanupsTotal)
		prometheus.MustRegister(TopicsProcessed)
		prometheus.MustRegister(FetchErrors)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(KnowledgeLearned)
		prometheus.MustRegister(KnowledgeEntries)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
