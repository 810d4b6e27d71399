package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// Embedder is the slice of the provider registry ingestion needs.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error)
	Routing() config.LLMRoutingConfig
	CostOf(model string, inputTokens, outputTokens int64) float64
}

// ChunkWriter persists embedded units.
type ChunkWriter interface {
	UpsertChunks(ctx context.Context, recs []store.ChunkRecord) error
}

// Ingestor runs the split-embed-persist pipeline for one document at a
// time. Any failure aborts the whole document; there are no partial
// retries.
type Ingestor struct {
	writer    ChunkWriter
	embedder  Embedder
	telemetry *telemetry.Telemetry
	cfg       config.IngestConfig
	retrieval config.RetrievalConfig
	logger    *log.Logger
}

func New(writer ChunkWriter, embedder Embedder, tel *telemetry.Telemetry, cfg config.IngestConfig, retrieval config.RetrievalConfig) *Ingestor {
	return &Ingestor{
		writer:    writer,
		embedder:  embedder,
		telemetry: tel,
		cfg:       cfg,
		retrieval: retrieval,
		logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Document is raw input text plus whatever source details the caller
// wants preserved on every unit.
type Document struct {
	Name     string
	Text     string
	Metadata map[string]interface{}
}

// Result reports what one ingestion wrote.
type Result struct {
	Document string `json:"document"`
	Strategy string `json:"strategy"`
	Units    int    `json:"units"`
	Tokens   int64  `json:"tokens"`
}

// IngestText splits, embeds and persists one document into the
// session's namespace.
func (ing *Ingestor) IngestText(ctx context.Context, namespace, strategy string, doc Document) (Result, error) {
	res := Result{Document: doc.Name, Strategy: strategy}
	if namespace == "" {
		return res, fmt.Errorf("namespace required")
	}
	if strings.TrimSpace(doc.Text) == "" {
		return res, fmt.Errorf("document %s has no text", doc.Name)
	}

	units, err := UnitsFor(strategy, doc.Text, ing.cfg)
	if err != nil {
		return res, err
	}
	if len(units) == 0 {
		return res, fmt.Errorf("document %s produced no units", doc.Name)
	}

	model := ing.embedder.Routing().Embedding
	batchSize := ing.retrieval.WriterBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	recs := make([]store.ChunkRecord, 0, len(units))
	for off := 0; off < len(units); off += batchSize {
		hi := off + batchSize
		if hi > len(units) {
			hi = len(units)
		}
		texts := make([]string, 0, hi-off)
		for _, u := range units[off:hi] {
			texts = append(texts, u.Text)
		}

		vectors, tokens, err := ing.embedder.Embed(ctx, model, texts)
		if err != nil {
			return res, fmt.Errorf("embed batch at %d: %w", off, err)
		}
		if len(vectors) != len(texts) {
			return res, fmt.Errorf("embed batch at %d: got %d vectors for %d texts", off, len(vectors), len(texts))
		}
		res.Tokens += tokens

		for j, vec := range vectors {
			if want := ing.retrieval.EmbeddingDimensions; want > 0 && len(vec) != want {
				return res, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), want)
			}
			ordinal := off + j
			meta := map[string]interface{}{"strategy": strategy}
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			recs = append(recs, store.ChunkRecord{
				ID:        UnitID(namespace, doc.Name, ordinal),
				Namespace: namespace,
				Document:  doc.Name,
				Ordinal:   ordinal,
				Text:      units[ordinal].Text,
				Window:    units[ordinal].Window,
				Vector:    vec,
				Metadata:  meta,
			})
		}
	}

	if err := ing.writer.UpsertChunks(ctx, recs); err != nil {
		return res, fmt.Errorf("persist chunks: %w", err)
	}
	res.Units = len(recs)

	telemetry.IngestedDocuments.Inc()
	telemetry.IngestedUnits.Add(float64(res.Units))
	telemetry.EmbeddingTokens.Add(float64(res.Tokens))
	if ing.telemetry != nil {
		ing.telemetry.RecordLLMUsage("embedding", model, res.Tokens, 0, ing.embedder.CostOf(model, res.Tokens, 0))
	}
	ing.logger.Printf("ingested %q into %s: %d units via %s", doc.Name, namespace, res.Units, strategy)
	return res, nil
}
