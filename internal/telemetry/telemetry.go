package telemetry

import (
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ike1112/rag-project/config"
)

// Prometheus collectors, served by the HTTP server on /metrics.
var (
	ChatTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_chat_turns_total",
		Help: "Chat turns answered across all sessions.",
	})
	ChatTurnErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_chat_turn_errors_total",
		Help: "Chat turns that ended in an error.",
	})
	IngestedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_ingested_documents_total",
		Help: "Documents successfully ingested.",
	})
	IngestedUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_ingested_units_total",
		Help: "Embedded units written to the vector store.",
	})
	EmbeddingTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_embedding_tokens_total",
		Help: "Prompt tokens consumed by embedding calls.",
	})
	RetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_retrieval_duration_seconds",
		Help:    "Latency of embedding plus vector search per query.",
		Buckets: prometheus.DefBuckets,
	})
	RerankDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_rerank_duration_seconds",
		Help:    "Latency of the cross-encoder rerank call.",
		Buckets: prometheus.DefBuckets,
	})
	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_generation_duration_seconds",
		Help:    "Latency of answer generation per turn.",
		Buckets: prometheus.DefBuckets,
	})
	EvalQuestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_eval_questions_total",
		Help: "Evaluation questions processed, labelled by outcome.",
	}, []string{"outcome"})
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_llm_requests_total",
		Help: "LLM calls by operation (chat, condense, judge, dataset, embedding).",
	}, []string{"operation"})
)

// Telemetry tracks spend per model and operation. Metrics above cover
// rates; this covers money.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	costTracker *CostTracker
}

// CostTracker tracks costs across models and operations
type CostTracker struct {
	mu sync.RWMutex

	ModelCosts     map[string]float64 // model -> cost
	OperationCosts map[string]float64 // operation -> cost

	TotalCost   float64
	TotalTokens int64
}

// CostSummary is a point-in-time copy safe to serialize.
type CostSummary struct {
	ModelCosts     map[string]float64 `json:"model_costs"`
	OperationCosts map[string]float64 `json:"operation_costs"`
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
}

// New creates a new telemetry instance
func New(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
	}
}

// RecordLLMUsage attributes one LLM call to a model and operation.
func (t *Telemetry) RecordLLMUsage(operation, model string, inputTokens, outputTokens int64, cost float64) {
	LLMRequests.WithLabelValues(operation).Inc()
	if !t.config.CostTracking {
		return
	}

	t.costTracker.mu.Lock()
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.OperationCosts[operation] += cost
	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += inputTokens + outputTokens
	t.costTracker.mu.Unlock()

	if t.config.Enabled {
		t.logger.Printf("LLM usage: op=%s model=%s tokens=%d/%d cost=$%.6f", operation, model, inputTokens, outputTokens, cost)
	}
}

// Costs returns a snapshot of accumulated spend.
func (t *Telemetry) Costs() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()

	summary := CostSummary{
		ModelCosts:     make(map[string]float64, len(t.costTracker.ModelCosts)),
		OperationCosts: make(map[string]float64, len(t.costTracker.OperationCosts)),
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}
	return summary
}
