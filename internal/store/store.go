package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ike1112/rag-project/config"
)

// Store wraps the Postgres connection used for sessions, document
// chunks (pgvector) and evaluation history.
type Store struct {
	DB *sql.DB
}

// SessionRecord is a persisted chat session. Namespace scopes every
// document chunk the session ingested; Strategy is fixed at creation.
type SessionRecord struct {
	ID        string
	UserID    string
	Title     string
	Namespace string
	Strategy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkRecord is one retrievable unit of an ingested document. For the
// sentence-window strategy Text holds the single sentence and Window the
// surrounding context; for the standard strategy Window is empty.
type ChunkRecord struct {
	ID        string
	Namespace string
	Document  string
	Ordinal   int
	Text      string
	Window    string
	Vector    []float32
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// ChunkSearchResult is a ChunkRecord scored by cosine distance.
type ChunkSearchResult struct {
	ID       string
	Document string
	Ordinal  int
	Text     string
	Window   string
	Metadata map[string]interface{}
	Distance float64
}

// EvalRunRecord captures one execution of the evaluation harness.
type EvalRunRecord struct {
	ID                  string
	SessionID           string
	Dataset             string
	Model               string
	Status              string
	Questions           int
	AvgGroundedness     *float64
	AvgAnswerRelevance  *float64
	AvgContextRelevance *float64
	StartedAt           time.Time
	FinishedAt          *time.Time
}

// EvalResultRecord is the judged outcome for a single dataset question.
type EvalResultRecord struct {
	ID               int64
	RunID            string
	Question         string
	Answer           string
	Contexts         []string
	Groundedness     float64
	AnswerRelevance  float64
	ContextRelevance float64
	LatencyMS        int64
	CreatedAt        time.Time
}

// New constructs the Store from config, preferring an explicit URL over
// discrete connection fields.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Session operations

// CreateSession inserts a new session. The id is generated here so the
// namespace can default to it, giving every session its own chunk scope.
func (s *Store) CreateSession(ctx context.Context, userID, title, namespace, strategy string) (SessionRecord, error) {
	rec := SessionRecord{ID: uuid.NewString(), UserID: userID, Title: title, Namespace: namespace, Strategy: strategy}
	if rec.Namespace == "" {
		rec.Namespace = rec.ID
	}
	if strategy == "" {
		return rec, fmt.Errorf("strategy required")
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (id, user_id, title, namespace, strategy)
VALUES ($1,$2,$3,$4,$5)
RETURNING created_at, updated_at
`, rec.ID, userID, title, rec.Namespace, strategy).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (s *Store) GetSession(ctx context.Context, id, userID string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, namespace, strategy, created_at, updated_at
FROM sessions WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Namespace, &rec.Strategy, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

// SessionByID loads a session without user scoping, for operator tools
// that talk to the database directly.
func (s *Store) SessionByID(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, namespace, strategy, created_at, updated_at
FROM sessions WHERE id=$1
`, id).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Namespace, &rec.Strategy, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, namespace, strategy, created_at, updated_at
FROM sessions WHERE user_id=$1 ORDER BY updated_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Namespace, &rec.Strategy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TouchSession bumps updated_at so ListSessions surfaces active chats first.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (s *Store) RenameSession(ctx context.Context, id, userID, title string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET title=$3, updated_at=NOW() WHERE id=$1 AND user_id=$2`, id, userID, title)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// DeleteSession removes the session row, every chunk in its namespace
// and any latest-session pointer referencing it. Eval runs go with the
// session via ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id, userID string) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var namespace string
	if err = tx.QueryRowContext(ctx, `SELECT namespace FROM sessions WHERE id=$1 AND user_id=$2`, id, userID).Scan(&namespace); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE namespace=$1`, namespace); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM app_state WHERE key=$1 AND value=$2`, latestSessionKey(userID), id); err != nil {
		return fmt.Errorf("clear latest pointer: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func latestSessionKey(userID string) string { return "latest_session:" + userID }

// SetLatestSession records the session a returning user should resume.
func (s *Store) SetLatestSession(ctx context.Context, userID, sessionID string) error {
	return s.SetAppState(ctx, latestSessionKey(userID), sessionID)
}

// LatestSession resolves the stored pointer to a full session record.
// A missing pointer is not an error; it returns (nil, nil).
func (s *Store) LatestSession(ctx context.Context, userID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT s.id, s.user_id, s.title, s.namespace, s.strategy, s.created_at, s.updated_at
FROM app_state a
JOIN sessions s ON s.id::text = a.value
WHERE a.key=$1 AND s.user_id=$2
`, latestSessionKey(userID), userID).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Namespace, &rec.Strategy, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MostRecentSession returns the session touched last across all users,
// or (nil, nil) when no sessions exist.
func (s *Store) MostRecentSession(ctx context.Context) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, namespace, strategy, created_at, updated_at
FROM sessions
ORDER BY updated_at DESC
LIMIT 1
`).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Namespace, &rec.Strategy, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// App state operations
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO app_state (key, value, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (key) DO UPDATE SET
  value = EXCLUDED.value,
  updated_at = NOW();
`, key, value)
	return err
}

func (s *Store) GetAppState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key=$1`, key).Scan(&value)
	return value, err
}

// UpsertChunks writes a batch of embedded units inside one transaction.
// Re-ingesting the same document overwrites its old rows by chunk id.
func (s *Store) UpsertChunks(ctx context.Context, recs []ChunkRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO document_chunks (id, namespace, document, ordinal, text, window_text, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,$8,NOW())
ON CONFLICT (id) DO UPDATE SET
  namespace = EXCLUDED.namespace,
  document = EXCLUDED.document,
  ordinal = EXCLUDED.ordinal,
  text = EXCLUDED.text,
  window_text = EXCLUDED.window_text,
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata,
  created_at = NOW();
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("chunk id required")
		}
		if rec.Namespace == "" {
			return fmt.Errorf("namespace required for chunk %s", rec.ID)
		}
		if len(rec.Vector) == 0 {
			return fmt.Errorf("embedding vector required for chunk %s", rec.ID)
		}
		vectorLiteral, err := encodeVectorLiteral(rec.Vector)
		if err != nil {
			return err
		}
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Namespace, rec.Document, rec.Ordinal, rec.Text, rec.Window, vectorLiteral, metaBytes); err != nil {
			return err
		}
	}
	return nil
}

// SearchChunks returns the closest units for the supplied vector within
// a namespace. The namespace is mandatory so one session can never see
// another session's documents.
func (s *Store) SearchChunks(ctx context.Context, namespace string, vector []float32, topK int) ([]ChunkSearchResult, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document, ordinal, text, window_text, metadata, embedding <=> $1::vector AS distance
FROM document_chunks
WHERE namespace = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, namespace, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []ChunkSearchResult
	for rows.Next() {
		var (
			res       ChunkSearchResult
			metaBytes []byte
		)
		if err := rows.Scan(&res.ID, &res.Document, &res.Ordinal, &res.Text, &res.Window, &metaBytes, &res.Distance); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &res.Metadata)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks WHERE namespace=$1`, namespace).Scan(&n)
	return n, err
}

// ChunksInNamespace lists every unit in a namespace without embeddings,
// newest document first. Used to build the keyword index for hybrid
// retrieval and by the documents listing endpoint.
func (s *Store) ChunksInNamespace(ctx context.Context, namespace string) ([]ChunkRecord, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, namespace, document, ordinal, text, window_text, metadata, created_at
FROM document_chunks
WHERE namespace=$1
ORDER BY document, ordinal
`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		var (
			rec       ChunkRecord
			metaBytes []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Namespace, &rec.Document, &rec.Ordinal, &rec.Text, &rec.Window, &metaBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteNamespace drops every chunk in the namespace and reports how
// many rows went away.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	if namespace == "" {
		return 0, fmt.Errorf("namespace must not be empty")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM document_chunks WHERE namespace=$1`, namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Eval operations
func (s *Store) CreateEvalRun(ctx context.Context, sessionID, dataset, model string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO eval_runs (session_id, dataset, model, status, started_at)
VALUES ($1,$2,$3,'running',NOW())
RETURNING id
`, sessionID, dataset, model).Scan(&id)
	return id, err
}

// FinishEvalRun stores the triad averages and closes the run.
func (s *Store) FinishEvalRun(ctx context.Context, id, status string, questions int, avgGroundedness, avgAnswerRelevance, avgContextRelevance float64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE eval_runs SET
  status = $2,
  questions = $3,
  avg_groundedness = $4,
  avg_answer_relevance = $5,
  avg_context_relevance = $6,
  finished_at = NOW()
WHERE id = $1
`, id, status, questions, avgGroundedness, avgAnswerRelevance, avgContextRelevance)
	return err
}

func (s *Store) InsertEvalResult(ctx context.Context, rec EvalResultRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id required")
	}
	ctxBytes, err := json.Marshal(rec.Contexts)
	if err != nil {
		return fmt.Errorf("marshal contexts: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO eval_results (run_id, question, answer, contexts, groundedness, answer_relevance, context_relevance, latency_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
`, rec.RunID, rec.Question, rec.Answer, ctxBytes, rec.Groundedness, rec.AnswerRelevance, rec.ContextRelevance, rec.LatencyMS)
	return err
}

// GetEvalRun loads one run by id.
func (s *Store) GetEvalRun(ctx context.Context, id string) (EvalRunRecord, error) {
	var (
		rec      EvalRunRecord
		g, ar, c sql.NullFloat64
		fin      sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, dataset, model, status, questions, avg_groundedness, avg_answer_relevance, avg_context_relevance, started_at, finished_at
FROM eval_runs WHERE id=$1
`, id).Scan(&rec.ID, &rec.SessionID, &rec.Dataset, &rec.Model, &rec.Status, &rec.Questions, &g, &ar, &c, &rec.StartedAt, &fin)
	if err != nil {
		return rec, err
	}
	if g.Valid {
		rec.AvgGroundedness = &g.Float64
	}
	if ar.Valid {
		rec.AvgAnswerRelevance = &ar.Float64
	}
	if c.Valid {
		rec.AvgContextRelevance = &c.Float64
	}
	if fin.Valid {
		rec.FinishedAt = &fin.Time
	}
	return rec, nil
}

// LatestEvalRunTime returns when the session's newest eval run started,
// or nil if the session has never been evaluated.
func (s *Store) LatestEvalRunTime(ctx context.Context, sessionID string) (*time.Time, error) {
	var started time.Time
	err := s.DB.QueryRowContext(ctx, `
SELECT started_at FROM eval_runs
WHERE session_id::text = $1
ORDER BY started_at DESC
LIMIT 1
`, sessionID).Scan(&started)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &started, nil
}

func (s *Store) ListEvalRuns(ctx context.Context, sessionID string) ([]EvalRunRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, dataset, model, status, questions, avg_groundedness, avg_answer_relevance, avg_context_relevance, started_at, finished_at
FROM eval_runs
WHERE ($1 = '' OR session_id::text = $1)
ORDER BY started_at DESC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvalRunRecord
	for rows.Next() {
		var (
			rec      EvalRunRecord
			g, ar, c sql.NullFloat64
			fin      sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Dataset, &rec.Model, &rec.Status, &rec.Questions, &g, &ar, &c, &rec.StartedAt, &fin); err != nil {
			return nil, err
		}
		if g.Valid {
			rec.AvgGroundedness = &g.Float64
		}
		if ar.Valid {
			rec.AvgAnswerRelevance = &ar.Float64
		}
		if c.Valid {
			rec.AvgContextRelevance = &c.Float64
		}
		if fin.Valid {
			rec.FinishedAt = &fin.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListEvalResults(ctx context.Context, runID string) ([]EvalResultRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id required")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, question, answer, contexts, groundedness, answer_relevance, context_relevance, latency_ms, created_at
FROM eval_results
WHERE run_id=$1
ORDER BY id
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvalResultRecord
	for rows.Next() {
		var (
			rec      EvalResultRecord
			ctxBytes []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Question, &rec.Answer, &ctxBytes, &rec.Groundedness, &rec.AnswerRelevance, &rec.ContextRelevance, &rec.LatencyMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(ctxBytes) > 0 {
			_ = json.Unmarshal(ctxBytes, &rec.Contexts)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
