package chat

import (
	"context"
	"sync"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// Deps holds everything an engine needs besides its session.
type Deps struct {
	Retriever Retriever
	LLM       LLM
	Reranker  Reranker
	History   History
	Telemetry *telemetry.Telemetry
	Retrieval config.RetrievalConfig
}

// Registry caches one engine per session. Engines hold the session's
// in-memory keyword index, so ingestion must invalidate them.
type Registry struct {
	mu      sync.Mutex
	deps    Deps
	engines map[string]*Engine
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, engines: make(map[string]*Engine)}
}

// Get returns the cached engine for the session, building one if needed.
func (r *Registry) Get(ctx context.Context, sess store.SessionRecord) (*Engine, error) {
	r.mu.Lock()
	if e, ok := r.engines[sess.ID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	// Built outside the lock: loading the keyword index hits the store.
	e, err := NewEngine(ctx, sess, r.deps.Retriever, r.deps.LLM, r.deps.Reranker, r.deps.History, r.deps.Telemetry, r.deps.Retrieval)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.engines[sess.ID]; ok {
		return existing, nil
	}
	r.engines[sess.ID] = e
	return e, nil
}

// Rebuild drops the cached engine and builds a fresh one, picking up
// newly ingested chunks. Conversation history lives in the history
// store and survives the rebuild.
func (r *Registry) Rebuild(ctx context.Context, sess store.SessionRecord) (*Engine, error) {
	r.mu.Lock()
	delete(r.engines, sess.ID)
	r.mu.Unlock()
	return r.Get(ctx, sess)
}

// Remove evicts a deleted session's engine.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, sessionID)
}
