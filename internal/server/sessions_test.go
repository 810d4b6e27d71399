package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/ike1112/rag-project/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: db}, mock
}

func newAuthedContext(t *testing.T, e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	return ctx, rec
}

func sessionRows(id, userID, title, namespace, strategy string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "title", "namespace", "strategy", "created_at", "updated_at"}).
		AddRow(id, userID, title, namespace, strategy, now, now)
}

func TestCreateSessionUsesDefaultStrategy(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &SessionsHandler{Store: st, DefaultStrategy: "standard"}

	mock.ExpectQuery(`INSERT INTO sessions \(id, user_id, title, namespace, strategy\)`).
		WithArgs(sqlmock.AnyArg(), "user-1", "My docs", sqlmock.AnyArg(), "standard").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

	ctx, rec := newAuthedContext(t, e, http.MethodPost, "/api/sessions", `{"title":"My docs"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp store.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Strategy != "standard" || resp.Namespace != resp.ID {
		t.Fatalf("unexpected session: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSessionRejectsUnknownStrategy(t *testing.T) {
	e := echo.New()
	st, _ := newMockStore(t)
	h := &SessionsHandler{Store: st, DefaultStrategy: "standard"}

	ctx, _ := newAuthedContext(t, e, http.MethodPost, "/api/sessions", `{"title":"x","strategy":"recursive"}`)
	err := h.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestListSessionsReturnsEmptyArray(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &SessionsHandler{Store: st}

	mock.ExpectQuery(`FROM sessions WHERE user_id=\$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "namespace", "strategy", "created_at", "updated_at"}))

	ctx, rec := newAuthedContext(t, e, http.MethodGet, "/api/sessions", "")
	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &SessionsHandler{Store: st}

	mock.ExpectQuery(`FROM sessions WHERE id=\$1 AND user_id=\$2`).
		WithArgs("missing", "user-1").
		WillReturnError(sql.ErrNoRows)

	ctx, _ := newAuthedContext(t, e, http.MethodGet, "/api/sessions/missing", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("missing")

	err := h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestGetSessionLatestFollowsPointer(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &SessionsHandler{Store: st}

	mock.ExpectQuery(`FROM app_state a JOIN sessions s`).
		WithArgs("latest_session:user-1", "user-1").
		WillReturnRows(sessionRows("sess-9", "user-1", "latest", "ns-9", "sentence_window"))

	ctx, rec := newAuthedContext(t, e, http.MethodGet, "/api/sessions/latest", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("latest")

	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var resp store.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "sess-9" || resp.Strategy != "sentence_window" {
		t.Fatalf("unexpected session: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteSessionWipesAndEvictsEngine(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	svc := &stubChatService{}
	h := &SessionsHandler{Store: st, Engines: svc}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT namespace FROM sessions WHERE id=\$1 AND user_id=\$2`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"namespace"}).AddRow("ns-1"))
	mock.ExpectExec(`DELETE FROM document_chunks WHERE namespace=\$1`).
		WithArgs("ns-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM app_state WHERE key=\$1 AND value=\$2`).
		WithArgs("latest_session:user-1", "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions WHERE id=\$1`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, rec := newAuthedContext(t, e, http.MethodDelete, "/api/sessions/sess-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("sess-1")

	if err := h.remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.removed) != 1 || svc.removed[0] != "sess-1" {
		t.Fatalf("engine eviction = %v", svc.removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRenameSessionMissingRowIs404(t *testing.T) {
	e := echo.New()
	st, mock := newMockStore(t)
	h := &SessionsHandler{Store: st}

	mock.ExpectExec(`UPDATE sessions SET title=\$3, updated_at=NOW\(\) WHERE id=\$1 AND user_id=\$2`).
		WithArgs("gone", "user-1", "new name").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, _ := newAuthedContext(t, e, http.MethodPut, "/api/sessions/gone", `{"title":"new name"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("gone")

	err := h.rename(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}
