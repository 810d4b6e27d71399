package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/store"
)

type stubEmbedder struct {
	dims    int
	batches [][]string
	fail    bool
}

func (s *stubEmbedder) Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error) {
	if s.fail {
		return nil, 0, fmt.Errorf("embedding backend down")
	}
	s.batches = append(s.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, s.dims)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, int64(len(texts) * 3), nil
}

func (s *stubEmbedder) Routing() config.LLMRoutingConfig {
	return config.LLMRoutingConfig{Embedding: "text-embedding-3-small"}
}

func (s *stubEmbedder) CostOf(model string, in, out int64) float64 { return 0 }

type stubWriter struct {
	recs []store.ChunkRecord
	fail bool
}

func (s *stubWriter) UpsertChunks(ctx context.Context, recs []store.ChunkRecord) error {
	if s.fail {
		return fmt.Errorf("db down")
	}
	s.recs = append(s.recs, recs...)
	return nil
}

func testIngestor(w *stubWriter, e *stubEmbedder, batch int) *Ingestor {
	cfg := config.IngestConfig{ChunkSize: 40, ChunkOverlap: 10, WindowSize: 1}
	ret := config.RetrievalConfig{EmbeddingDimensions: 3, WriterBatchSize: batch}
	return New(w, e, nil, cfg, ret)
}

func TestIngestTextStandard(t *testing.T) {
	w := &stubWriter{}
	e := &stubEmbedder{dims: 3}
	ing := testIngestor(w, e, 2)

	text := strings.Repeat("alpha beta gamma delta ", 8)
	res, err := ing.IngestText(context.Background(), "ns-1", StrategyStandard, Document{Name: "notes.txt", Text: text})
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Units != len(w.recs) || res.Units == 0 {
		t.Fatalf("unexpected unit count: res=%d stored=%d", res.Units, len(w.recs))
	}
	if len(e.batches) < 2 {
		t.Fatalf("expected batched embedding calls, got %d", len(e.batches))
	}
	for _, b := range e.batches {
		if len(b) > 2 {
			t.Fatalf("batch exceeded writer batch size: %d", len(b))
		}
	}
	for i, rec := range w.recs {
		if rec.Namespace != "ns-1" {
			t.Fatalf("record %d wrong namespace: %s", i, rec.Namespace)
		}
		if rec.Window != "" {
			t.Fatalf("standard strategy must not set window text")
		}
		if rec.Metadata["strategy"] != StrategyStandard {
			t.Fatalf("metadata missing strategy: %+v", rec.Metadata)
		}
		if rec.Ordinal != i {
			t.Fatalf("ordinals must be sequential: got %d at %d", rec.Ordinal, i)
		}
	}
}

func TestIngestTextSentenceWindow(t *testing.T) {
	w := &stubWriter{}
	e := &stubEmbedder{dims: 3}
	ing := testIngestor(w, e, 10)

	res, err := ing.IngestText(context.Background(), "ns-2", StrategySentenceWindow, Document{
		Name: "facts.txt",
		Text: "The sky is blue. Water is wet. Fire is hot.",
	})
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.Units != 3 {
		t.Fatalf("expected 3 units, got %d", res.Units)
	}
	if w.recs[0].Text != "The sky is blue." {
		t.Fatalf("unit text should be a single sentence: %q", w.recs[0].Text)
	}
	if !strings.Contains(w.recs[0].Window, "Water is wet.") {
		t.Fatalf("window should include neighbours: %q", w.recs[0].Window)
	}
}

func TestIngestReusesIDsAcrossRuns(t *testing.T) {
	w := &stubWriter{}
	e := &stubEmbedder{dims: 3}
	ing := testIngestor(w, e, 10)

	doc := Document{Name: "facts.txt", Text: "The sky is blue. Water is wet."}
	if _, err := ing.IngestText(context.Background(), "ns-3", StrategySentenceWindow, doc); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	first := append([]store.ChunkRecord(nil), w.recs...)
	w.recs = nil
	if _, err := ing.IngestText(context.Background(), "ns-3", StrategySentenceWindow, doc); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	for i := range first {
		if first[i].ID != w.recs[i].ID {
			t.Fatalf("re-ingest changed id: %s vs %s", first[i].ID, w.recs[i].ID)
		}
	}
}

func TestIngestHaltsOnEmbedFailure(t *testing.T) {
	w := &stubWriter{}
	e := &stubEmbedder{dims: 3, fail: true}
	ing := testIngestor(w, e, 10)

	_, err := ing.IngestText(context.Background(), "ns-1", StrategyStandard, Document{Name: "x", Text: "some text here"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(w.recs) != 0 {
		t.Fatalf("nothing should be written after an embedding failure")
	}
}

func TestIngestRejectsDimensionMismatch(t *testing.T) {
	w := &stubWriter{}
	e := &stubEmbedder{dims: 2}
	ing := testIngestor(w, e, 10)

	_, err := ing.IngestText(context.Background(), "ns-1", StrategyStandard, Document{Name: "x", Text: "some text here"})
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Fatalf("expected dimension error, got %v", err)
	}
}

func TestIngestRejectsEmptyText(t *testing.T) {
	ing := testIngestor(&stubWriter{}, &stubEmbedder{dims: 3}, 10)
	if _, err := ing.IngestText(context.Background(), "ns-1", StrategyStandard, Document{Name: "x", Text: "   "}); err == nil {
		t.Fatalf("expected error for empty text")
	}
}
