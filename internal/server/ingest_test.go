package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/internal/ingest"
)

type stubIngestor struct {
	namespace string
	strategy  string
	doc       ingest.Document
	result    ingest.Result
	err       error
}

func (s *stubIngestor) IngestText(ctx context.Context, namespace, strategy string, doc ingest.Document) (ingest.Result, error) {
	s.namespace = namespace
	s.strategy = strategy
	s.doc = doc
	return s.result, s.err
}

type stubFetcher struct {
	title string
	text  string
	err   error
	urls  []string
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	s.urls = append(s.urls, rawURL)
	return s.title, s.text, s.err
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadRejectsNonPDF(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &IngestHandler{Store: st, Ingest: &stubIngestor{}, logger: quietLogger()}

	expectGetSession(mock, "sess-1")

	body, contentType := multipartUpload(t, "file", "notes.txt", []byte("plain text, no pdf header"))
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	err := h.uploadPDF(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
	if httpErr.Message != "file is not a pdf" {
		t.Fatalf("message = %v", httpErr.Message)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &IngestHandler{Store: st, Ingest: &stubIngestor{}, logger: quietLogger()}

	expectGetSession(mock, "sess-1")

	body, contentType := multipartUpload(t, "attachment", "doc.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	err := h.uploadPDF(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestIngestURLIndexesAndRebuildsEngine(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	ing := &stubIngestor{result: ingest.Result{Document: "Volcano basics", Strategy: "sentence_window", Units: 12, Tokens: 4800}}
	fetcher := &stubFetcher{title: "Volcano basics", text: "Magma rises. Pressure builds. Eruptions follow."}
	svc := &stubChatService{}
	h := &IngestHandler{Store: st, Ingest: ing, Fetcher: fetcher, Engines: svc, logger: quietLogger()}

	mock.ExpectQuery(`FROM sessions WHERE id=\$1 AND user_id=\$2`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(sessionRows("sess-1", "user-1", "geo", "ns-geo", "sentence_window"))
	mock.ExpectExec(`INSERT INTO app_state`).
		WithArgs("latest_session:user-1", "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET updated_at=NOW\(\) WHERE id=\$1`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, rec := newAuthedContext(t, e, http.MethodPost, "/api/sessions/sess-1/urls", `{"url":"HTTPS://Example.com:443/volcanoes?utm_source=mail"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	if err := h.ingestURL(ctx); err != nil {
		t.Fatalf("ingestURL: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fetcher.urls) != 1 || fetcher.urls[0] != "https://example.com/volcanoes" {
		t.Fatalf("fetched urls = %v", fetcher.urls)
	}
	if ing.namespace != "ns-geo" || ing.strategy != "sentence_window" {
		t.Fatalf("ingest call = %q/%q", ing.namespace, ing.strategy)
	}
	if ing.doc.Name != "Volcano basics" {
		t.Fatalf("document name = %q", ing.doc.Name)
	}
	if src := ing.doc.Metadata["source"]; src != "url" {
		t.Fatalf("metadata source = %v", src)
	}
	if u := ing.doc.Metadata["url"]; u != "https://example.com/volcanoes" {
		t.Fatalf("metadata url = %v", u)
	}
	if len(svc.rebuilds) != 1 || svc.rebuilds[0] != "sess-1" {
		t.Fatalf("rebuilds = %v", svc.rebuilds)
	}
	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Units != 12 || resp.Tokens != 4800 {
		t.Fatalf("response = %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIngestURLFallsBackToURLAsName(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	ing := &stubIngestor{result: ingest.Result{Document: "https://example.com/x", Units: 1}}
	fetcher := &stubFetcher{title: "", text: "body text"}
	h := &IngestHandler{Store: st, Ingest: ing, Fetcher: fetcher, logger: quietLogger()}

	expectGetSession(mock, "sess-1")
	mock.ExpectExec(`INSERT INTO app_state`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET updated_at=NOW\(\)`).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, _ := newAuthedContext(t, e, http.MethodPost, "/api/sessions/sess-1/urls", `{"url":"https://example.com/x"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	if err := h.ingestURL(ctx); err != nil {
		t.Fatalf("ingestURL: %v", err)
	}
	if ing.doc.Name != "https://example.com/x" {
		t.Fatalf("document name = %q", ing.doc.Name)
	}
}

func TestIngestURLDisabledWithoutFetcher(t *testing.T) {
	e := echo.New()
	st, _ := newMockStore(t)
	h := &IngestHandler{Store: st, Ingest: &stubIngestor{}, logger: quietLogger()}

	ctx, _ := newAuthedContext(t, e, http.MethodPost, "/api/sessions/sess-1/urls", `{"url":"https://example.com"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	err := h.ingestURL(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %#v", err)
	}
}
