package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/index"
	"github.com/ike1112/rag-project/internal/ingest"
	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/rerank"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// Prompt sent on every answering turn. {context_str} and {query_str} are
// filled per turn; retrieved chunks are joined with blank lines.
const answerPromptStandard = `Context information is below.
---------------------
{context_str}
---------------------
Given the context information above I want you to think step by step to answer the query in a crisp manner, in case you don't know the answer say 'I don't know!'.
Query: {query_str}
Answer: `

// Sentence-window sessions retrieve wider passages, so the prompt also
// asks for formatted output.
const answerPromptSentenceWindow = `Context information is below.
---------------------
{context_str}
---------------------
Given the context information above I want you to think step by step to answer the query in a crisp manner, in case you don't know the answer say 'I don't know!'.
Rules:
1. Use markdown formatting (e.g. **bolding** for key terms).
2. Keep the tone professional but easy to understand.
3. If you don't know the answer, say 'I don't know!'.
Query: {query_str}
Answer: `

// Rewrites a follow-up into a standalone question before retrieval.
const condensePrompt = `Given the following conversation between a user and an assistant and a follow up question from the user, rephrase the follow up question to be a standalone question that captures all relevant context.

Chat History:
{chat_history}
Follow Up Question: {question}
Standalone question: `

// Retriever is the slice of the store the engine needs.
type Retriever interface {
	SearchChunks(ctx context.Context, namespace string, vector []float32, topK int) ([]store.ChunkSearchResult, error)
	ChunksInNamespace(ctx context.Context, namespace string) ([]store.ChunkRecord, error)
}

// LLM is the slice of the provider registry the engine needs.
type LLM interface {
	Chat(ctx context.Context, model string, messages []provider.Message) (string, int64, int64, error)
	ChatStream(ctx context.Context, model string, messages []provider.Message, fn func(delta string) error) error
	Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error)
	Routing() config.LLMRoutingConfig
	CostOf(model string, inputTokens, outputTokens int64) float64
}

// Reranker reorders candidate passages by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error)
}

// Source describes where part of an answer came from.
type Source struct {
	Document string  `json:"document"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// Answer is one completed chat turn.
type Answer struct {
	Text     string   `json:"text"`
	Contexts []string `json:"contexts"`
	Sources  []Source `json:"sources"`
}

// Engine answers questions against one session's documents. It condenses
// follow-ups into standalone queries, retrieves from the session's
// namespace, optionally reranks, and prompts the chat model with the
// surviving passages.
type Engine struct {
	session   store.SessionRecord
	retriever Retriever
	llm       LLM
	reranker  Reranker
	history   History
	keyword   *index.Keyword
	cfg       config.RetrievalConfig
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewEngine builds an engine for one session. With hybrid retrieval
// enabled it loads the session's chunks into an in-memory keyword index,
// so engines must be rebuilt after ingestion.
func NewEngine(ctx context.Context, sess store.SessionRecord, retriever Retriever, llm LLM, reranker Reranker, history History, tel *telemetry.Telemetry, cfg config.RetrievalConfig) (*Engine, error) {
	e := &Engine{
		session:   sess,
		retriever: retriever,
		llm:       llm,
		reranker:  reranker,
		history:   history,
		cfg:       cfg,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
	if cfg.Hybrid {
		kw, err := index.NewKeyword()
		if err != nil {
			return nil, fmt.Errorf("keyword index: %w", err)
		}
		chunks, err := retriever.ChunksInNamespace(ctx, sess.Namespace)
		if err != nil {
			return nil, fmt.Errorf("load chunks for keyword index: %w", err)
		}
		if err := kw.AddAll(chunks); err != nil {
			return nil, fmt.Errorf("index chunks: %w", err)
		}
		e.keyword = kw
	}
	return e, nil
}

// Session returns the session this engine answers for.
func (e *Engine) Session() store.SessionRecord { return e.session }

// Reset clears the conversation. Indexed documents stay queryable.
func (e *Engine) Reset(ctx context.Context) error {
	return e.history.Clear(ctx, e.session.ID)
}

// Ask answers one question and records the turn in history.
func (e *Engine) Ask(ctx context.Context, question string) (Answer, error) {
	msgs, contexts, sources, err := e.prepare(ctx, question)
	if err != nil {
		telemetry.ChatTurnErrors.Inc()
		return Answer{}, err
	}
	routing := e.llm.Routing()
	start := time.Now()
	text, inTokens, outTokens, err := e.llm.Chat(ctx, routing.Chat, msgs)
	if err != nil {
		telemetry.ChatTurnErrors.Inc()
		return Answer{}, fmt.Errorf("chat completion: %w", err)
	}
	telemetry.GenerationDuration.Observe(time.Since(start).Seconds())
	e.recordTurn(ctx, question, text, routing.Chat, inTokens, outTokens)
	return Answer{Text: text, Contexts: contexts, Sources: sources}, nil
}

// Stream answers one question, delivering tokens through fn as they
// arrive. The full turn is recorded in history once the stream ends.
func (e *Engine) Stream(ctx context.Context, question string, fn func(delta string) error) (Answer, error) {
	msgs, contexts, sources, err := e.prepare(ctx, question)
	if err != nil {
		telemetry.ChatTurnErrors.Inc()
		return Answer{}, err
	}
	routing := e.llm.Routing()
	start := time.Now()
	var full strings.Builder
	err = e.llm.ChatStream(ctx, routing.Chat, msgs, func(delta string) error {
		full.WriteString(delta)
		return fn(delta)
	})
	if err != nil {
		telemetry.ChatTurnErrors.Inc()
		return Answer{}, fmt.Errorf("chat stream: %w", err)
	}
	telemetry.GenerationDuration.Observe(time.Since(start).Seconds())
	e.recordTurn(ctx, question, full.String(), routing.Chat, 0, 0)
	return Answer{Text: full.String(), Contexts: contexts, Sources: sources}, nil
}

// prepare runs the retrieval half of a turn: condense, embed, search,
// window replacement, rerank, and prompt assembly.
func (e *Engine) prepare(ctx context.Context, question string) ([]provider.Message, []string, []Source, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil, nil, fmt.Errorf("question is empty")
	}

	turns, err := e.history.Turns(ctx, e.session.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load history: %w", err)
	}

	query, err := e.condense(ctx, turns, question)
	if err != nil {
		return nil, nil, nil, err
	}

	hits, err := e.retrieve(ctx, query)
	if err != nil {
		return nil, nil, nil, err
	}

	contexts, sources := e.selectPassages(hits)
	if e.cfg.Rerank.Enabled && e.reranker != nil && len(contexts) > 0 {
		contexts, sources, err = e.rerankPassages(ctx, query, contexts, sources)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	prompt := e.fillPrompt(contexts, question)
	msgs := make([]provider.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, provider.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: prompt})
	return msgs, contexts, sources, nil
}

// condense rewrites a follow-up into a standalone query. The first turn
// has no history to fold in, so it skips the extra model call.
func (e *Engine) condense(ctx context.Context, turns []Turn, question string) (string, error) {
	if len(turns) == 0 {
		return question, nil
	}
	var hist strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&hist, "%s: %s\n", t.Role, t.Content)
	}
	prompt := strings.ReplaceAll(condensePrompt, "{chat_history}", hist.String())
	prompt = strings.ReplaceAll(prompt, "{question}", question)

	routing := e.llm.Routing()
	out, inTokens, outTokens, err := e.llm.Chat(ctx, routing.Condense, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", fmt.Errorf("condense question: %w", err)
	}
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage("condense", routing.Condense, inTokens, outTokens, e.llm.CostOf(routing.Condense, inTokens, outTokens))
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question, nil
	}
	return out, nil
}

// retrieve embeds the query and searches the session namespace, fusing
// in keyword hits when hybrid retrieval is on.
func (e *Engine) retrieve(ctx context.Context, query string) ([]index.Hit, error) {
	start := time.Now()
	routing := e.llm.Routing()
	vectors, tokens, err := e.llm.Embed(ctx, routing.Embedding, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors, want 1", len(vectors))
	}
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage("embedding", routing.Embedding, tokens, 0, e.llm.CostOf(routing.Embedding, tokens, 0))
	}

	results, err := e.retriever.SearchChunks(ctx, e.session.Namespace, vectors[0], e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := index.FromSearchResults(results)

	if e.keyword != nil && e.keyword.Len() > 0 {
		kwHits, err := e.keyword.Search(query, e.cfg.TopK)
		if err != nil {
			e.logger.Printf("keyword search failed, using vector hits only: %v", err)
		} else {
			hits = index.FuseRRF(hits, kwHits, e.cfg.TopK)
		}
	}
	telemetry.RetrievalDuration.Observe(time.Since(start).Seconds())
	return hits, nil
}

// selectPassages picks the text the model will see. Sentence-window
// sessions swap each sentence for its surrounding window here, before
// any reranking, so the reranker scores what the model will read.
func (e *Engine) selectPassages(hits []index.Hit) ([]string, []Source) {
	contexts := make([]string, 0, len(hits))
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		text := h.Text
		if e.session.Strategy == ingest.StrategySentenceWindow && h.Window != "" {
			text = h.Window
		}
		contexts = append(contexts, text)
		sources = append(sources, Source{Document: h.Document, Snippet: snippet(h.Text), Score: h.Score})
	}
	return contexts, sources
}

func (e *Engine) rerankPassages(ctx context.Context, query string, contexts []string, sources []Source) ([]string, []Source, error) {
	start := time.Now()
	ranked, err := e.reranker.Rerank(ctx, query, contexts, e.cfg.Rerank.TopN)
	if err != nil {
		return nil, nil, fmt.Errorf("rerank: %w", err)
	}
	telemetry.RerankDuration.Observe(time.Since(start).Seconds())
	outCtx := make([]string, 0, len(ranked))
	outSrc := make([]Source, 0, len(ranked))
	for _, r := range ranked {
		outCtx = append(outCtx, contexts[r.Index])
		src := sources[r.Index]
		src.Score = r.Score
		outSrc = append(outSrc, src)
	}
	return outCtx, outSrc, nil
}

func (e *Engine) fillPrompt(contexts []string, question string) string {
	tmpl := answerPromptStandard
	if e.session.Strategy == ingest.StrategySentenceWindow {
		tmpl = answerPromptSentenceWindow
	}
	prompt := strings.ReplaceAll(tmpl, "{context_str}", strings.Join(contexts, "\n\n"))
	return strings.ReplaceAll(prompt, "{query_str}", question)
}

// recordTurn appends the raw question and the answer to history, so the
// next condense step sees the conversation without prompt scaffolding.
func (e *Engine) recordTurn(ctx context.Context, question, answer, model string, inTokens, outTokens int64) {
	telemetry.ChatTurns.Inc()
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage("chat", model, inTokens, outTokens, e.llm.CostOf(model, inTokens, outTokens))
	}
	now := time.Now().UTC()
	err := e.history.Append(ctx,
		e.session.ID,
		Turn{Role: "user", Content: question, At: now},
		Turn{Role: "assistant", Content: answer, At: now},
	)
	if err != nil {
		e.logger.Printf("session %s: recording turn failed: %v", e.session.ID, err)
	}
}

func snippet(text string) string {
	const max = 160
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
