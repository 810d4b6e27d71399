package eval

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/store"
)

// Excerpts beyond this cap are dropped from the generation prompt.
const maxGenerationExcerpts = 20

const datasetPrompt = `You are building an evaluation dataset for a question answering system over the document excerpts below.
DOCUMENT EXCERPTS:
%s
Write %d distinct questions that can be answered from these excerpts alone. Cover different excerpts, avoid yes/no questions, and keep each question self-contained.
Respond ONLY as strict JSON with keys:
{"questions": [string]}
`

// ChunkSource supplies the indexed text to generate questions from.
type ChunkSource interface {
	ChunksInNamespace(ctx context.Context, namespace string) ([]store.ChunkRecord, error)
}

// Generator produces a golden dataset from a session's indexed chunks.
type Generator struct {
	source ChunkSource
	llm    JudgeLLM
}

func NewGenerator(source ChunkSource, llm JudgeLLM) *Generator {
	return &Generator{source: source, llm: llm}
}

// Generate asks the dataset model for size questions grounded in the
// namespace's chunks.
func (g *Generator) Generate(ctx context.Context, namespace string, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dataset size must be positive")
	}
	chunks, err := g.source.ChunksInNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("namespace %s has no indexed text", namespace)
	}

	excerpts := sampleExcerpts(chunks, maxGenerationExcerpts)
	prompt := fmt.Sprintf(datasetPrompt, numberedList(excerpts), size)

	model := g.llm.Routing().Dataset
	out, _, _, err := g.llm.Chat(ctx, model, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	var parsed struct {
		Questions []string `json:"questions"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return nil, fmt.Errorf("dataset model returned no parseable JSON: %w (raw: %.120s)", e, out)
	}

	questions := make([]string, 0, size)
	for _, q := range parsed.Questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == size {
			break
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("dataset model produced no questions")
	}
	return questions, nil
}

// sampleExcerpts picks up to max chunks spread evenly through the
// document so the questions cover its whole span.
func sampleExcerpts(chunks []store.ChunkRecord, max int) []string {
	if len(chunks) <= max {
		out := make([]string, len(chunks))
		for i, c := range chunks {
			out[i] = excerptText(c)
		}
		return out
	}
	out := make([]string, 0, max)
	step := float64(len(chunks)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, excerptText(chunks[int(float64(i)*step)]))
	}
	return out
}

// excerptText prefers the window so sentence-window chunks contribute
// enough material to ask about.
func excerptText(c store.ChunkRecord) string {
	if c.Window != "" {
		return c.Window
	}
	return c.Text
}

// WriteDataset writes questions as a csv with the user_input column the
// harness reads back.
func WriteDataset(path string, questions []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"user_input"}); err != nil {
		return err
	}
	for _, q := range questions {
		if err := w.Write([]string{q}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
