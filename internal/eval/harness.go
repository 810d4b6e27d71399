package eval

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/chat"
	"github.com/ike1112/rag-project/internal/store"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// Engine is the slice of the chat engine the harness drives.
type Engine interface {
	Ask(ctx context.Context, question string) (chat.Answer, error)
	Reset(ctx context.Context) error
	Session() store.SessionRecord
}

// RunStore persists eval runs and their per-question rows.
type RunStore interface {
	CreateEvalRun(ctx context.Context, sessionID, dataset, model string) (string, error)
	FinishEvalRun(ctx context.Context, id, status string, questions int, avgGroundedness, avgAnswerRelevance, avgContextRelevance float64) error
	InsertEvalResult(ctx context.Context, rec store.EvalResultRecord) error
}

// Summary reports one finished evaluation run.
type Summary struct {
	RunID               string  `json:"run_id"`
	SessionID           string  `json:"session_id"`
	Questions           int     `json:"questions"`
	Scored              int     `json:"scored"`
	AvgGroundedness     float64 `json:"avg_groundedness"`
	AvgAnswerRelevance  float64 `json:"avg_answer_relevance"`
	AvgContextRelevance float64 `json:"avg_context_relevance"`
	ResultsPath         string  `json:"results_path"`
}

// Harness runs the golden dataset through a session's chat engine and
// grades every answer with the judge. Questions that fail are logged
// and skipped; the run keeps going.
type Harness struct {
	store  RunStore
	judge  *Judge
	cfg    config.EvalConfig
	logger *log.Logger
}

func NewHarness(runStore RunStore, judge *Judge, cfg config.EvalConfig) *Harness {
	return &Harness{
		store:  runStore,
		judge:  judge,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[EVAL] ", log.LstdFlags),
	}
}

// Run evaluates every dataset question against the engine's session.
func (h *Harness) Run(ctx context.Context, engine Engine, datasetPath string) (Summary, error) {
	questions, err := LoadDataset(datasetPath)
	if err != nil {
		return Summary{}, err
	}
	if len(questions) == 0 {
		return Summary{}, fmt.Errorf("dataset %s has no questions", datasetPath)
	}

	sess := engine.Session()
	model := h.judge.llm.Routing().Judge
	runID, err := h.store.CreateEvalRun(ctx, sess.ID, filepath.Base(datasetPath), model)
	if err != nil {
		return Summary{}, fmt.Errorf("create eval run: %w", err)
	}
	h.logger.Printf("run %s: session %s, %d questions", runID, sess.ID, len(questions))

	var rows []store.EvalResultRecord
	var sumG, sumAR, sumCR float64
	for i, q := range questions {
		h.logger.Printf("run %s: [%d/%d] %s", runID, i+1, len(questions), q)

		row, err := h.evalQuestion(ctx, engine, runID, q)
		if err != nil {
			telemetry.EvalQuestions.WithLabelValues("failed").Inc()
			h.logger.Printf("run %s: question %d failed: %v", runID, i+1, err)
		} else {
			telemetry.EvalQuestions.WithLabelValues("ok").Inc()
			rows = append(rows, row)
			sumG += row.Groundedness
			sumAR += row.AnswerRelevance
			sumCR += row.ContextRelevance
		}

		if i < len(questions)-1 && h.cfg.Sleep > 0 {
			select {
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			case <-time.After(h.cfg.Sleep):
			}
		}
	}

	summary := Summary{
		RunID:     runID,
		SessionID: sess.ID,
		Questions: len(questions),
		Scored:    len(rows),
	}
	status := "succeeded"
	if len(rows) > 0 {
		summary.AvgGroundedness = sumG / float64(len(rows))
		summary.AvgAnswerRelevance = sumAR / float64(len(rows))
		summary.AvgContextRelevance = sumCR / float64(len(rows))
	} else {
		status = "failed"
	}
	if err := h.store.FinishEvalRun(ctx, runID, status, len(rows), summary.AvgGroundedness, summary.AvgAnswerRelevance, summary.AvgContextRelevance); err != nil {
		return Summary{}, fmt.Errorf("finish eval run: %w", err)
	}

	path, err := writeResultsCSV(h.cfg.ResultsDir, runID, rows)
	if err != nil {
		h.logger.Printf("run %s: writing results csv failed: %v", runID, err)
	} else {
		summary.ResultsPath = path
	}
	h.logger.Printf("run %s: done, %d/%d scored, groundedness %.3f, answer relevance %.3f, context relevance %.3f",
		runID, summary.Scored, summary.Questions, summary.AvgGroundedness, summary.AvgAnswerRelevance, summary.AvgContextRelevance)
	return summary, nil
}

// evalQuestion runs one question on a fresh conversation and grades it.
func (h *Harness) evalQuestion(ctx context.Context, engine Engine, runID, question string) (store.EvalResultRecord, error) {
	if err := engine.Reset(ctx); err != nil {
		return store.EvalResultRecord{}, fmt.Errorf("reset: %w", err)
	}
	start := time.Now()
	ans, err := engine.Ask(ctx, question)
	if err != nil {
		return store.EvalResultRecord{}, fmt.Errorf("ask: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	scores, err := h.judge.JudgeTurn(ctx, question, ans.Text, ans.Contexts)
	if err != nil {
		return store.EvalResultRecord{}, err
	}

	row := store.EvalResultRecord{
		RunID:            runID,
		Question:         question,
		Answer:           ans.Text,
		Contexts:         ans.Contexts,
		Groundedness:     scores.Groundedness,
		AnswerRelevance:  scores.AnswerRelevance,
		ContextRelevance: scores.ContextRelevance,
		LatencyMS:        latency,
	}
	if err := h.store.InsertEvalResult(ctx, row); err != nil {
		return store.EvalResultRecord{}, fmt.Errorf("insert result: %w", err)
	}
	return row, nil
}

// LoadDataset reads questions from the csv's user_input column.
func LoadDataset(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	col := -1
	for i, name := range records[0] {
		if strings.TrimSpace(name) == "user_input" {
			col = i
			break
		}
	}
	if col == -1 {
		return nil, fmt.Errorf("dataset %s has no user_input column", path)
	}

	var questions []string
	for _, rec := range records[1:] {
		if col >= len(rec) {
			continue
		}
		q := strings.TrimSpace(rec[col])
		if q != "" {
			questions = append(questions, q)
		}
	}
	return questions, nil
}

func writeResultsCSV(dir, runID string, rows []store.EvalResultRecord) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("eval_results_%s.csv", runID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"user_input", "answer", "groundedness", "answer_relevance", "context_relevance", "latency_ms"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, row := range rows {
		rec := []string{
			row.Question,
			row.Answer,
			strconv.FormatFloat(row.Groundedness, 'f', 4, 64),
			strconv.FormatFloat(row.AnswerRelevance, 'f', 4, 64),
			strconv.FormatFloat(row.ContextRelevance, 'f', 4, 64),
			strconv.FormatInt(row.LatencyMS, 10),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}
