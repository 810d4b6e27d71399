package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/ingest"
	"github.com/ike1112/rag-project/internal/store"
)

var pdfMagic = []byte("%PDF-")

// Ingestor chunks, embeds and stores one document.
type Ingestor interface {
	IngestText(ctx context.Context, namespace, strategy string, doc ingest.Document) (ingest.Result, error)
}

// Fetcher renders a web page and extracts its readable text.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (title, text string, err error)
}

// IngestHandler indexes uploaded PDFs and fetched URLs into a session.
type IngestHandler struct {
	Store   *store.Store
	Ingest  Ingestor
	Fetcher Fetcher
	Engines ChatService
	Cfg     config.IngestConfig
	MaxMB   int

	logger *log.Logger
}

func (h *IngestHandler) Register(g *echo.Group, secret []byte) {
	h.logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:id/documents", h.uploadPDF)
	g.POST("/:id/urls", h.ingestURL)
}

// uploadPDF indexes a multipart PDF into the session's namespace.
func (h *IngestHandler) uploadPDF(c echo.Context) error {
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field required")
	}
	maxBytes := int64(h.MaxMB) * 1024 * 1024
	if maxBytes > 0 && fh.Size > maxBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %dMB limit", h.MaxMB))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return echo.NewHTTPError(http.StatusBadRequest, "file is not a pdf")
	}

	text, pages, err := ingest.ExtractPDF(data, h.Cfg.MaxPDFPages)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	res, err := h.runIngest(c, sess, ingest.Document{
		Name:     fh.Filename,
		Text:     text,
		Metadata: map[string]interface{}{"source": "upload", "pages": pages},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, IngestResponse{
		Document: res.Document,
		Strategy: res.Strategy,
		Units:    res.Units,
		Pages:    pages,
		Tokens:   res.Tokens,
	})
}

// ingestURL fetches a page headless and indexes its article text.
func (h *IngestHandler) ingestURL(c echo.Context) error {
	if h.Fetcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "url ingestion disabled")
	}
	sess, err := resolveSession(c, h.Store)
	if err != nil {
		return err
	}
	var req IngestURLRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url required")
	}
	canonical, err := ingest.CanonicalURL(req.URL)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "url invalid: "+err.Error())
	}
	title, text, err := h.Fetcher.Fetch(c.Request().Context(), canonical)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	name := title
	if name == "" {
		name = canonical
	}

	res, err := h.runIngest(c, sess, ingest.Document{
		Name:     name,
		Text:     text,
		Metadata: map[string]interface{}{"source": "url", "url": canonical},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, IngestResponse{
		Document: res.Document,
		Strategy: res.Strategy,
		Units:    res.Units,
		Tokens:   res.Tokens,
	})
}

// runIngest indexes one document, then updates the latest-session
// pointer and rebuilds the engine so retrieval sees the new chunks.
func (h *IngestHandler) runIngest(c echo.Context, sess store.SessionRecord, doc ingest.Document) (ingest.Result, error) {
	ctx := c.Request().Context()
	res, err := h.Ingest.IngestText(ctx, sess.Namespace, sess.Strategy, doc)
	if err != nil {
		return ingest.Result{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	userID := c.Get("user_id").(string)
	if err := h.Store.SetLatestSession(ctx, userID, sess.ID); err != nil {
		h.logger.Printf("session %s: latest pointer update failed: %v", sess.ID, err)
	}
	if err := h.Store.TouchSession(ctx, sess.ID); err != nil {
		h.logger.Printf("session %s: touch failed: %v", sess.ID, err)
	}
	if h.Engines != nil {
		if err := h.Engines.Rebuild(ctx, sess); err != nil {
			h.logger.Printf("session %s: engine rebuild failed: %v", sess.ID, err)
		}
	}
	return res, nil
}
