package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/eval"
	"github.com/ike1112/rag-project/internal/ingest"
	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/rerank"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// Run wires every subsystem and serves the API until the listener stops.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", postgresDSN(cfg.Storage.Postgres), "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	tele := telemetry.New(cfg.Telemetry)
	registry, err := provider.NewRegistry(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm providers: %w", err)
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
		}
	}

	var history chat.History
	switch cfg.Storage.History.Backend {
	case "redis":
		if rdb == nil {
			return fmt.Errorf("history backend redis requires storage.redis")
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
	chatSvc := &engineService{engines: engines, history: history}

	ingestor := ingest.New(st, registry, tele, cfg.Ingest, cfg.Retrieval)
	var fetcher Fetcher
	if cfg.Ingest.Web.Enabled {
		fetcher = ingest.NewWebFetcher(cfg.Ingest.Web)
	}

	judge := eval.NewJudge(registry, tele)
	harness := eval.NewHarness(st, judge, cfg.Eval)
	evalSvc := &evalService{
		engines:   engines,
		harness:   harness,
		generator: eval.NewGenerator(st, registry),
		cfg:       cfg.Eval,
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: c.Get("user_id").(string)})
	})

	sh := &SessionsHandler{Store: st, Engines: chatSvc, DefaultStrategy: cfg.Ingest.DefaultStrategy}
	sh.Register(api.Group("/sessions"), auth.Secret)

	ih := &IngestHandler{Store: st, Ingest: ingestor, Fetcher: fetcher, Engines: chatSvc, Cfg: cfg.Ingest, MaxMB: cfg.Server.MaxUploadMB}
	ih.Register(api.Group("/sessions"), auth.Secret)

	ch := &ChatHandler{Store: st, Chat: chatSvc, StreamEnabled: cfg.Server.StreamEnabled}
	ch.Register(api.Group("/sessions"), auth.Secret)

	eh := &EvalsHandler{Store: st, Evals: evalSvc, Cfg: cfg.Eval}
	eh.Register(api.Group("/evals"), api.Group("/sessions"), auth.Secret)

	sched := &eval.Scheduler{Sessions: st, Engines: engines, Harness: harness, Rdb: rdb, Cfg: cfg.Eval, Stop: make(chan struct{})}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

func postgresDSN(cfg config.PostgresConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, ssl)
}

// engineService adapts the chat registry to the handler-facing
// ChatService interface.
type engineService struct {
	engines *chat.Registry
	history chat.History
}

func (s *engineService) Ask(ctx context.Context, sess store.SessionRecord, question string) (chat.Answer, error) {
	e, err := s.engines.Get(ctx, sess)
	if err != nil {
		return chat.Answer{}, err
	}
	return e.Ask(ctx, question)
}

func (s *engineService) Stream(ctx context.Context, sess store.SessionRecord, question string, fn func(delta string) error) (chat.Answer, error) {
	e, err := s.engines.Get(ctx, sess)
	if err != nil {
		return chat.Answer{}, err
	}
	return e.Stream(ctx, question, fn)
}

func (s *engineService) Reset(ctx context.Context, sess store.SessionRecord) error {
	e, err := s.engines.Get(ctx, sess)
	if err != nil {
		return err
	}
	return e.Reset(ctx)
}

func (s *engineService) History(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	return s.history.Turns(ctx, sessionID)
}

func (s *engineService) Rebuild(ctx context.Context, sess store.SessionRecord) error {
	_, err := s.engines.Rebuild(ctx, sess)
	return err
}

func (s *engineService) Remove(sessionID string) {
	s.engines.Remove(sessionID)
}

// evalService adapts the harness and generator to the EvalService
// interface the handlers consume.
type evalService struct {
	engines   *chat.Registry
	harness   *eval.Harness
	generator *eval.Generator
	cfg       config.EvalConfig
}

func (s *evalService) Run(ctx context.Context, sess store.SessionRecord, datasetPath string) (eval.Summary, error) {
	engine, err := s.engines.Get(ctx, sess)
	if err != nil {
		return eval.Summary{}, err
	}
	return s.harness.Run(ctx, engine, datasetPath)
}

func (s *evalService) GenerateDataset(ctx context.Context, namespace string, size int) ([]string, string, error) {
	questions, err := s.generator.Generate(ctx, namespace, size)
	if err != nil {
		return nil, "", err
	}
	path := s.cfg.Dataset
	if err := eval.WriteDataset(path, questions); err != nil {
		return nil, "", err
	}
	return questions, path, nil
}
