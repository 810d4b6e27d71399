package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/rerank"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// appDeps bundles the subsystems shared by the operator commands.
type appDeps struct {
	store    *store.Store
	registry *provider.Registry
	tele     *telemetry.Telemetry
	engines  *chat.Registry
}

func buildDeps(ctx context.Context, cfg *config.Config) (*appDeps, error) {
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	tele := telemetry.New(cfg.Telemetry)
	registry, err := provider.NewRegistry(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm providers: %w", err)
	}

	var history chat.History
	switch cfg.Storage.History.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		history = chat.NewRedisHistory(rdb, cfg.Storage.History.TTL)
	default:
		history = chat.NewMemoryHistory()
	}

	var reranker chat.Reranker
	if cfg.Retrieval.Rerank.Enabled {
		reranker = rerank.New(cfg.Retrieval.Rerank)
	}

	engines := chat.NewRegistry(chat.Deps{
		Retriever: st,
		LLM:       registry,
		Reranker:  reranker,
		History:   history,
		Telemetry: tele,
		Retrieval: cfg.Retrieval,
	})
	return &appDeps{store: st, registry: registry, tele: tele, engines: engines}, nil
}

// resolveCLISession picks the addressed session, defaulting to the most
// recently active one.
func resolveCLISession(ctx context.Context, st *store.Store, id string) (store.SessionRecord, error) {
	if id == "" || id == "latest" {
		rec, err := st.MostRecentSession(ctx)
		if err != nil {
			return store.SessionRecord{}, err
		}
		if rec == nil {
			return store.SessionRecord{}, fmt.Errorf("no sessions exist yet; create one and ingest a document first")
		}
		return *rec, nil
	}
	return st.SessionByID(ctx, id)
}
