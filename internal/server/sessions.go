package server

import (
	"database/sql"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/internal/ingest"
	"github.com/ike1112/rag-project/internal/store"
)

// SessionsHandler manages the per-user indexing sessions.
type SessionsHandler struct {
	Store           *store.Store
	Engines         ChatService
	DefaultStrategy string
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/latest", h.latest)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.rename)
	g.DELETE("/:id", h.remove)
}

func (h *SessionsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.SessionRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *SessionsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Strategy == "" {
		req.Strategy = h.DefaultStrategy
	}
	if req.Strategy != ingest.StrategyStandard && req.Strategy != ingest.StrategySentenceWindow {
		return echo.NewHTTPError(http.StatusBadRequest, "strategy must be standard or sentence_window")
	}
	if req.Title == "" {
		req.Title = "untitled session"
	}
	rec, err := h.Store.CreateSession(c.Request().Context(), userID, req.Title, "", req.Strategy)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *SessionsHandler) latest(c echo.Context) error {
	userID := c.Get("user_id").(string)
	rec, err := h.Store.LatestSession(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no session indexed yet")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) rename(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req RenameSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	err := h.Store.RenameSession(c.Request().Context(), c.Param("id"), userID, req.Title)
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// remove deletes the session, its chunks and its latest-session pointer,
// then evicts the cached engine.
func (h *SessionsHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	id := c.Param("id")
	err := h.Store.DeleteSession(c.Request().Context(), id, userID)
	if err == sql.ErrNoRows {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Engines != nil {
		h.Engines.Remove(id)
	}
	return c.NoContent(http.StatusOK)
}

// resolveSession loads the addressed session and enforces ownership.
// The literal id "latest" follows the stored latest-session pointer.
func resolveSession(c echo.Context, st *store.Store) (store.SessionRecord, error) {
	userID := c.Get("user_id").(string)
	id := c.Param("id")
	if id == "latest" {
		rec, err := st.LatestSession(c.Request().Context(), userID)
		if err != nil {
			return store.SessionRecord{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if rec == nil {
			return store.SessionRecord{}, echo.NewHTTPError(http.StatusNotFound, "no session indexed yet")
		}
		return *rec, nil
	}
	rec, err := st.GetSession(c.Request().Context(), id, userID)
	if err == sql.ErrNoRows {
		return store.SessionRecord{}, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return store.SessionRecord{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return rec, nil
}
