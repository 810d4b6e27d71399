package server

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/eval"
	"github.com/ike1112/rag-project/internal/store"
)

// EvalService runs the harness and generates golden datasets.
type EvalService interface {
	Run(ctx context.Context, sess store.SessionRecord, datasetPath string) (eval.Summary, error)
	GenerateDataset(ctx context.Context, namespace string, size int) (questions []string, path string, err error)
}

// EvalsHandler exposes evaluation runs and their per-question results.
type EvalsHandler struct {
	Store *store.Store
	Evals EvalService
	Cfg   config.EvalConfig

	logger *log.Logger
}

func (h *EvalsHandler) Register(evals *echo.Group, sessions *echo.Group, secret []byte) {
	h.logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	evals.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	evals.GET("", h.listRuns)
	evals.GET("/:id", h.getRun)
	sessions.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	sessions.POST("/:id/evals", h.trigger)
	sessions.POST("/:id/dataset", h.dataset)
}

func (h *EvalsHandler) listRuns(c echo.Context) error {
	runs, err := h.Store.ListEvalRuns(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []store.EvalRunRecord{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *EvalsHandler) getRun(c echo.Context) error {
	id := c.Param("id")
	run, err := h.Store.GetEvalRun(c.Request().Context(), id)
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	results, err := h.Store.ListEvalResults(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []store.EvalResultRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run": run, "results": results})
}

// trigger starts a harness run in the background. Progress lands in
// eval_runs; clients poll GET /api/evals.
func (h *EvalsHandler) trigger(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	var req EvalTriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dataset := strings.TrimSpace(req.Dataset)
	if dataset == "" {
		dataset = h.Cfg.Dataset
	}

	go func(sess store.SessionRecord, dataset string) {
		if _, err := h.Evals.Run(context.Background(), sess, dataset); err != nil {
			h.logger.Printf("session %s: triggered run failed: %v", sess.ID, err)
		}
	}(sess, dataset)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "started", "dataset": dataset})
}

// dataset generates golden questions from the session's indexed text.
func (h *EvalsHandler) dataset(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	var req DatasetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Size <= 0 {
		req.Size = h.Cfg.TestsetSize
	}
	questions, path, err := h.Evals.GenerateDataset(c.Request().Context(), sess.Namespace, req.Size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, DatasetResponse{Questions: questions, Path: path})
}
