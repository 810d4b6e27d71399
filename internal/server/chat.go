package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/store"
)

// ChatService answers questions for a session and manages its engine
// lifecycle. The server implements it over the chat registry.
type ChatService interface {
	Ask(ctx context.Context, sess store.SessionRecord, question string) (chat.Answer, error)
	Stream(ctx context.Context, sess store.SessionRecord, question string, fn func(delta string) error) (chat.Answer, error)
	Reset(ctx context.Context, sess store.SessionRecord) error
	History(ctx context.Context, sessionID string) ([]chat.Turn, error)
	Rebuild(ctx context.Context, sess store.SessionRecord) error
	Remove(sessionID string)
}

// ChatHandler exposes conversational endpoints for a session.
type ChatHandler struct {
	Store         *store.Store
	Chat          ChatService
	StreamEnabled bool

	logger *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	h.logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:id/chat", h.ask)
	g.POST("/:id/chat/stream", h.stream)
	g.POST("/:id/reset", h.reset)
	g.GET("/:id/history", h.history)
}

func (h *ChatHandler) ask(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	ans, err := h.Chat.Ask(c.Request().Context(), sess, req.Message)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.touch(c, sess)
	return c.JSON(http.StatusOK, ChatResponse{Answer: ans.Text, Sources: ans.Sources})
}

// stream answers over Server-Sent Events: one "token" event per delta,
// a final "done" event with the assembled answer and sources.
func (h *ChatHandler) stream(c echo.Context) error {
	if !h.StreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming disabled")
	}
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	send := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ans, err := h.Chat.Stream(c.Request().Context(), sess, req.Message, func(delta string) error {
		return send("token", StreamTokenPayload{Delta: delta})
	})
	if err != nil {
		// Headers are already committed; surface the failure in-stream.
		h.logger.Printf("session %s: stream failed: %v", sess.ID, err)
		_ = send("error", HTTPError{Error: err.Error()})
		return nil
	}
	h.touch(c, sess)
	return send("done", StreamDonePayload{Answer: ans.Text, Sources: ans.Sources})
}

func (h *ChatHandler) reset(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	if err := h.Chat.Reset(c.Request().Context(), sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *ChatHandler) history(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	turns, err := h.Chat.History(c.Request().Context(), sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Turns: turns})
}

// touch keeps ListSessions ordered by activity. Failures only log.
func (h *ChatHandler) touch(c echo.Context, sess store.SessionRecord) {
	if err := h.Store.TouchSession(c.Request().Context(), sess.ID); err != nil {
		h.logger.Printf("session %s: touch failed: %v", sess.ID, err)
	}
}
