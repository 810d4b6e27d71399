package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/ingest"
	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/rerank"
	"github.com/ike1112/rag-project/internal/store"
)

type chatCall struct {
	model    string
	messages []provider.Message
}

type stubLLM struct {
	chatCalls  []chatCall
	chatOut    []string
	embedTexts []string
	streamOut  []string
	chatErr    error
	embedFn    func(text string) []float32
}

func (s *stubLLM) Routing() config.LLMRoutingConfig {
	return config.LLMRoutingConfig{
		Chat:      "chat-model",
		Condense:  "condense-model",
		Embedding: "embed-model",
	}
}

func (s *stubLLM) Chat(ctx context.Context, model string, messages []provider.Message) (string, int64, int64, error) {
	if s.chatErr != nil {
		return "", 0, 0, s.chatErr
	}
	s.chatCalls = append(s.chatCalls, chatCall{model: model, messages: messages})
	if len(s.chatOut) == 0 {
		return "stub answer", 10, 5, nil
	}
	out := s.chatOut[0]
	s.chatOut = s.chatOut[1:]
	return out, 10, 5, nil
}

func (s *stubLLM) ChatStream(ctx context.Context, model string, messages []provider.Message, fn func(delta string) error) error {
	s.chatCalls = append(s.chatCalls, chatCall{model: model, messages: messages})
	for _, delta := range s.streamOut {
		if err := fn(delta); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubLLM) Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error) {
	s.embedTexts = append(s.embedTexts, texts...)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if s.embedFn != nil {
			out[i] = s.embedFn(text)
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, int64(len(texts) * 3), nil
}

func (s *stubLLM) CostOf(model string, inputTokens, outputTokens int64) float64 { return 0 }

type stubRetriever struct {
	results       []store.ChunkSearchResult
	chunks        []store.ChunkRecord
	lastNamespace string
	lastTopK      int
}

func (s *stubRetriever) SearchChunks(ctx context.Context, namespace string, vector []float32, topK int) ([]store.ChunkSearchResult, error) {
	s.lastNamespace = namespace
	s.lastTopK = topK
	return s.results, nil
}

func (s *stubRetriever) ChunksInNamespace(ctx context.Context, namespace string) ([]store.ChunkRecord, error) {
	return s.chunks, nil
}

type stubReranker struct {
	lastQuery string
	lastDocs  []string
	ranked    []rerank.Result
}

func (s *stubReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	s.lastQuery = query
	s.lastDocs = documents
	return s.ranked, nil
}

func testSession(strategy string) store.SessionRecord {
	return store.SessionRecord{
		ID:        "sess-1",
		UserID:    "user-1",
		Title:     "test session",
		Namespace: "ns-1",
		Strategy:  strategy,
	}
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		EmbeddingDimensions: 3,
		TopK:                10,
		Rerank:              config.RerankConfig{TopN: 3},
	}
}

func newTestEngine(t *testing.T, sess store.SessionRecord, llm *stubLLM, ret *stubRetriever, rr Reranker, cfg config.RetrievalConfig) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), sess, ret, llm, rr, NewMemoryHistory(), nil, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestAskFirstTurnSkipsCondense(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"The sky is blue."}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "a#000", Document: "sky.pdf", Text: "The sky appears blue due to Rayleigh scattering.", Distance: 0.1},
	}}
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, testRetrievalConfig())

	ans, err := e.Ask(context.Background(), "Why is the sky blue?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "The sky is blue." {
		t.Fatalf("answer = %q", ans.Text)
	}
	if len(llm.chatCalls) != 1 {
		t.Fatalf("expected 1 chat call on first turn, got %d", len(llm.chatCalls))
	}
	if llm.chatCalls[0].model != "chat-model" {
		t.Fatalf("chat model = %q", llm.chatCalls[0].model)
	}
	prompt := llm.chatCalls[0].messages[len(llm.chatCalls[0].messages)-1].Content
	if !strings.Contains(prompt, "Context information is below.") {
		t.Fatalf("prompt missing context frame: %q", prompt)
	}
	if !strings.Contains(prompt, "Rayleigh scattering") {
		t.Fatalf("prompt missing retrieved text: %q", prompt)
	}
	if !strings.Contains(prompt, "Query: Why is the sky blue?") {
		t.Fatalf("prompt missing query: %q", prompt)
	}
	if strings.Contains(prompt, "Use markdown formatting") {
		t.Fatal("standard session should not use the sentence-window prompt")
	}
	if ret.lastNamespace != "ns-1" {
		t.Fatalf("searched namespace %q, want ns-1", ret.lastNamespace)
	}
	if ret.lastTopK != 10 {
		t.Fatalf("topK = %d, want 10", ret.lastTopK)
	}
}

func TestAskFollowUpCondensesBeforeRetrieval(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"What is the boiling point of water?", "100 degrees Celsius."}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "b#000", Document: "water.pdf", Text: "Water boils at 100C at sea level.", Distance: 0.2},
	}}
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, testRetrievalConfig())

	ctx := context.Background()
	if err := e.history.Append(ctx, "sess-1",
		Turn{Role: "user", Content: "Tell me about water."},
		Turn{Role: "assistant", Content: "Water is H2O."},
	); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if _, err := e.Ask(ctx, "And its boiling point?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(llm.chatCalls) != 2 {
		t.Fatalf("expected condense + answer calls, got %d", len(llm.chatCalls))
	}
	if llm.chatCalls[0].model != "condense-model" {
		t.Fatalf("first call model = %q, want condense-model", llm.chatCalls[0].model)
	}
	condensePrompt := llm.chatCalls[0].messages[0].Content
	if !strings.Contains(condensePrompt, "Standalone question:") {
		t.Fatalf("condense prompt malformed: %q", condensePrompt)
	}
	if !strings.Contains(condensePrompt, "Tell me about water.") {
		t.Fatalf("condense prompt missing history: %q", condensePrompt)
	}
	if len(llm.embedTexts) != 1 || llm.embedTexts[0] != "What is the boiling point of water?" {
		t.Fatalf("retrieval used %v, want the condensed question", llm.embedTexts)
	}
	// The answer call carries prior turns plus the filled prompt.
	answerMsgs := llm.chatCalls[1].messages
	if len(answerMsgs) != 3 {
		t.Fatalf("answer messages = %d, want 3", len(answerMsgs))
	}
	final := answerMsgs[2].Content
	if !strings.Contains(final, "Query: And its boiling point?") {
		t.Fatalf("final prompt should carry the raw question: %q", final)
	}
}

func TestSentenceWindowReplacesTextBeforePrompting(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"ok"}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{
			ID:       "c#004",
			Document: "physics.pdf",
			Text:     "Light scatters.",
			Window:   "Sunlight enters the atmosphere. Light scatters. Blue wavelengths scatter most.",
			Distance: 0.1,
		},
	}}
	e := newTestEngine(t, testSession("sentence_window"), llm, ret, nil, testRetrievalConfig())

	ans, err := e.Ask(context.Background(), "Why blue?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	prompt := llm.chatCalls[0].messages[0].Content
	if !strings.Contains(prompt, "Sunlight enters the atmosphere.") {
		t.Fatalf("prompt should carry the window, got %q", prompt)
	}
	if !strings.Contains(prompt, "Use markdown formatting") {
		t.Fatalf("sentence-window prompt missing rules: %q", prompt)
	}
	if len(ans.Contexts) != 1 || !strings.Contains(ans.Contexts[0], "Blue wavelengths") {
		t.Fatalf("contexts should be windows, got %v", ans.Contexts)
	}
}

func TestRerankerScoresWindowsNotSentences(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"ok"}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "d#000", Document: "a.pdf", Text: "First sentence.", Window: "First window text.", Distance: 0.1},
		{ID: "d#001", Document: "a.pdf", Text: "Second sentence.", Window: "Second window text.", Distance: 0.2},
		{ID: "d#002", Document: "a.pdf", Text: "Third sentence.", Window: "Third window text.", Distance: 0.3},
	}}
	rr := &stubReranker{ranked: []rerank.Result{{Index: 2, Score: 0.9}, {Index: 0, Score: 0.4}}}
	cfg := testRetrievalConfig()
	cfg.Rerank.Enabled = true
	cfg.Rerank.TopN = 2
	e := newTestEngine(t, testSession("sentence_window"), llm, ret, rr, cfg)

	ans, err := e.Ask(context.Background(), "which?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	// Window replacement happens before the reranker sees the passages.
	if len(rr.lastDocs) != 3 || rr.lastDocs[0] != "First window text." {
		t.Fatalf("reranker saw %v, want windows", rr.lastDocs)
	}
	if len(ans.Contexts) != 2 {
		t.Fatalf("contexts = %d, want rerank top 2", len(ans.Contexts))
	}
	if ans.Contexts[0] != "Third window text." || ans.Contexts[1] != "First window text." {
		t.Fatalf("contexts out of rerank order: %v", ans.Contexts)
	}
	if ans.Sources[0].Score != 0.9 {
		t.Fatalf("source score = %v, want reranker score", ans.Sources[0].Score)
	}
	prompt := llm.chatCalls[0].messages[0].Content
	if strings.Contains(prompt, "Second window text.") {
		t.Fatalf("pruned passage leaked into prompt: %q", prompt)
	}
}

func TestResetClearsHistoryButKeepsRetrieval(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"first", "second"}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "e#000", Document: "doc.pdf", Text: "Some indexed text.", Distance: 0.1},
	}}
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, testRetrievalConfig())

	ctx := context.Background()
	if _, err := e.Ask(ctx, "one?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := e.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	turns, err := e.history.Turns(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("history after reset = %d turns, want 0", len(turns))
	}

	ans, err := e.Ask(ctx, "two?")
	if err != nil {
		t.Fatalf("Ask after reset: %v", err)
	}
	if ans.Text != "second" {
		t.Fatalf("answer = %q", ans.Text)
	}
	// No history means no condense call either.
	if len(llm.chatCalls) != 2 {
		t.Fatalf("chat calls = %d, want 2 answer calls", len(llm.chatCalls))
	}
}

func TestStreamAssemblesAnswerAndRecordsHistory(t *testing.T) {
	llm := &stubLLM{streamOut: []string{"The ", "sky ", "is ", "blue."}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "f#000", Document: "sky.pdf", Text: "Sky facts.", Distance: 0.1},
	}}
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, testRetrievalConfig())

	var got []string
	ans, err := e.Stream(context.Background(), "why?", func(delta string) error {
		got = append(got, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if ans.Text != "The sky is blue." {
		t.Fatalf("assembled answer = %q", ans.Text)
	}
	if len(got) != 4 {
		t.Fatalf("deltas delivered = %d, want 4", len(got))
	}
	turns, err := e.history.Turns(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 || turns[1].Content != "The sky is blue." {
		t.Fatalf("history after stream = %+v", turns)
	}
}

func TestHybridFusesKeywordHits(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"ok"}}
	ret := &stubRetriever{
		results: []store.ChunkSearchResult{
			{ID: "g#000", Document: "doc.pdf", Text: "Vector match about oceans.", Distance: 0.1},
		},
		chunks: []store.ChunkRecord{
			{ID: "g#000", Namespace: "ns-1", Document: "doc.pdf", Ordinal: 0, Text: "Vector match about oceans."},
			{ID: "g#001", Namespace: "ns-1", Document: "doc.pdf", Ordinal: 1, Text: "Keyword match about volcanoes."},
		},
	}
	cfg := testRetrievalConfig()
	cfg.Hybrid = true
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, cfg)

	ans, err := e.Ask(context.Background(), "volcanoes")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	var found bool
	for _, c := range ans.Contexts {
		if strings.Contains(c, "volcanoes") {
			found = true
		}
	}
	if !found {
		t.Fatalf("keyword-only hit missing from fused contexts: %v", ans.Contexts)
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	llm := &stubLLM{}
	ret := &stubRetriever{}
	e := newTestEngine(t, testSession("standard"), llm, ret, nil, testRetrievalConfig())
	if _, err := e.Ask(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty question")
	}
	if len(llm.chatCalls) != 0 {
		t.Fatal("no model calls should happen for an empty question")
	}
}

func TestRegistryCachesAndRebuilds(t *testing.T) {
	llm := &stubLLM{}
	ret := &stubRetriever{}
	reg := NewRegistry(Deps{
		Retriever: ret,
		LLM:       llm,
		History:   NewMemoryHistory(),
		Retrieval: testRetrievalConfig(),
	})

	ctx := context.Background()
	sess := testSession("standard")
	e1, err := reg.Get(ctx, sess)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	e2, err := reg.Get(ctx, sess)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if e1 != e2 {
		t.Fatal("Get should return the cached engine")
	}

	e3, err := reg.Rebuild(ctx, sess)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if e3 == e1 {
		t.Fatal("Rebuild should construct a fresh engine")
	}

	reg.Remove(sess.ID)
	e4, err := reg.Get(ctx, sess)
	if err != nil {
		t.Fatalf("Get after remove: %v", err)
	}
	if e4 == e3 {
		t.Fatal("Remove should evict the cached engine")
	}
}

func TestRegistryRebuildPreservesHistory(t *testing.T) {
	llm := &stubLLM{chatOut: []string{"first answer", "condensed", "second answer"}}
	ret := &stubRetriever{results: []store.ChunkSearchResult{
		{ID: "h#000", Document: "doc.pdf", Text: "Indexed text.", Distance: 0.1},
	}}
	hist := NewMemoryHistory()
	reg := NewRegistry(Deps{
		Retriever: ret,
		LLM:       llm,
		History:   hist,
		Retrieval: testRetrievalConfig(),
	})

	ctx := context.Background()
	sess := testSession("standard")
	e1, err := reg.Get(ctx, sess)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := e1.Ask(ctx, "one?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	e2, err := reg.Rebuild(ctx, sess)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, err := e2.Ask(ctx, "two?"); err != nil {
		t.Fatalf("Ask after rebuild: %v", err)
	}
	turns, err := hist.Turns(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("history across rebuild = %d turns, want 4", len(turns))
	}
	// The second turn condensed against the preserved history.
	if len(llm.chatCalls) != 3 {
		t.Fatalf("chat calls = %d, want answer + condense + answer", len(llm.chatCalls))
	}
}

func TestMemoryHistoryIsolatesSessions(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := h.Append(ctx, "a", Turn{Role: "user", Content: fmt.Sprintf("q%d", i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := h.Append(ctx, "b", Turn{Role: "user", Content: "other"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turnsA, _ := h.Turns(ctx, "a")
	turnsB, _ := h.Turns(ctx, "b")
	if len(turnsA) != 3 || len(turnsB) != 1 {
		t.Fatalf("turns a=%d b=%d", len(turnsA), len(turnsB))
	}
	if err := h.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	turnsA, _ = h.Turns(ctx, "a")
	turnsB, _ = h.Turns(ctx, "b")
	if len(turnsA) != 0 || len(turnsB) != 1 {
		t.Fatalf("after clear a=%d b=%d", len(turnsA), len(turnsB))
	}
}

// fakeVectorStore is an in-memory stand-in for the pgvector store,
// shared between the ingestor and the engine in end-to-end tests.
type fakeVectorStore struct {
	recs []store.ChunkRecord
}

func (f *fakeVectorStore) UpsertChunks(ctx context.Context, recs []store.ChunkRecord) error {
	f.recs = append(f.recs, recs...)
	return nil
}

func (f *fakeVectorStore) SearchChunks(ctx context.Context, namespace string, vector []float32, topK int) ([]store.ChunkSearchResult, error) {
	var out []store.ChunkSearchResult
	for _, r := range f.recs {
		if r.Namespace != namespace {
			continue
		}
		var dot float64
		for i := range vector {
			if i < len(r.Vector) {
				dot += float64(vector[i]) * float64(r.Vector[i])
			}
		}
		out = append(out, store.ChunkSearchResult{
			ID:       r.ID,
			Document: r.Document,
			Ordinal:  r.Ordinal,
			Text:     r.Text,
			Window:   r.Window,
			Metadata: r.Metadata,
			Distance: 1 - dot,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeVectorStore) ChunksInNamespace(ctx context.Context, namespace string) ([]store.ChunkRecord, error) {
	var out []store.ChunkRecord
	for _, r := range f.recs {
		if r.Namespace == namespace {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestIngestThenAskEndToEnd(t *testing.T) {
	llm := &stubLLM{
		chatOut: []string{"blue"},
		embedFn: func(text string) []float32 {
			if strings.Contains(strings.ToLower(text), "sky") {
				return []float32{1, 0, 0}
			}
			return []float32{0, 1, 0}
		},
	}
	fake := &fakeVectorStore{}
	retrieval := testRetrievalConfig()
	ingestor := ingest.New(fake, llm, nil, config.IngestConfig{ChunkSize: 200, WindowSize: 3}, retrieval)

	ctx := context.Background()
	_, err := ingestor.IngestText(ctx, "ns-1", "standard", ingest.Document{Name: "sky.txt", Text: "The sky is blue because of Rayleigh scattering."})
	if err != nil {
		t.Fatalf("ingest sky: %v", err)
	}
	_, err = ingestor.IngestText(ctx, "ns-2", "standard", ingest.Document{Name: "grass.txt", Text: "Grass is green because of chlorophyll."})
	if err != nil {
		t.Fatalf("ingest grass: %v", err)
	}

	e := newTestEngineWithStore(t, testSession("standard"), llm, fake, retrieval)
	ans, err := e.Ask(ctx, "What color is the sky?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "blue" {
		t.Fatalf("answer = %q", ans.Text)
	}

	prompt := llm.chatCalls[0].messages[0].Content
	if !strings.Contains(prompt, "The sky is blue because of Rayleigh scattering.") {
		t.Fatalf("prompt missing ingested text: %q", prompt)
	}
	if strings.Contains(prompt, "Grass") {
		t.Fatalf("prompt leaked another namespace: %q", prompt)
	}
	if len(ans.Sources) == 0 || ans.Sources[0].Document != "sky.txt" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
}

func newTestEngineWithStore(t *testing.T, sess store.SessionRecord, llm *stubLLM, ret Retriever, cfg config.RetrievalConfig) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), sess, ret, llm, nil, NewMemoryHistory(), nil, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}
