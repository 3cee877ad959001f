package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_turns_total",
			Help: "Inbound messages by final orchestration state",
		},
		[]string{"outcome"},
	)

	IntentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_intent_total",
			Help: "Classified inbound messages by intent",
		},
		[]string{"intent", "respond"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluebase_generation_duration_seconds",
			Help:    "Response generation duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"branch", "outcome"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluebase_confidence_score",
			Help:    "Confidence of sent answers",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"branch"},
	)

	RateLimitDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cluebase_rate_limit_denials_total",
			Help: "Messages refused by the per-user rate limiter",
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_feedback_total",
			Help: "Feedback recorded on answers",
		},
		[]string{"origin", "helpful"},
	)

	SessionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cluebase_sessions_closed_total",
			Help: "Sessions closed by the inactivity sweep",
		},
	)

	DuplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cluebase_duplicate_events_total",
			Help: "Redelivered platform events that were dropped",
		},
	)

	QueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_queue_dropped_total",
			Help: "Side-channel jobs dropped because the queue was full",
		},
		[]string{"queue"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluebase_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(TurnsTotal)
	prometheus.MustRegister(IntentTotal)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(RateLimitDenials)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(SessionsClosed)
	prometheus.MustRegister(DuplicateEvents)
	prometheus.MustRegister(QueueDropped)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
