package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/provider"
	"github.com/ike1112/rag-project/internal/telemetry"
)

// JudgeLLM is the slice of the provider registry the judge needs.
type JudgeLLM interface {
	Chat(ctx context.Context, model string, messages []provider.Message) (string, int64, int64, error)
	Routing() config.LLMRoutingConfig
	CostOf(model string, inputTokens, outputTokens int64) float64
}

// TriadScores holds the three judged qualities of one answered question.
type TriadScores struct {
	Groundedness     float64 `json:"groundedness"`
	AnswerRelevance  float64 `json:"answer_relevance"`
	ContextRelevance float64 `json:"context_relevance"`
}

const groundednessPrompt = `You are grading whether an answer is supported by the provided source passages.
SOURCE PASSAGES:
%s
ANSWER:
%s
Check each claim in the answer against the passages, thinking step by step. A claim unsupported by the passages lowers the score.
Respond ONLY as strict JSON with keys:
{"score": number 0..1, "reasoning": string}
`

const answerRelevancePrompt = `You are grading whether an answer addresses the question asked.
QUESTION:
%s
ANSWER:
%s
Judge relevance only, not correctness. An answer that dodges or covers a different topic scores low.
Respond ONLY as strict JSON with keys:
{"score": number 0..1, "reasoning": string}
`

const contextRelevancePrompt = `You are grading whether a retrieved passage is relevant to a question.
QUESTION:
%s
PASSAGE:
%s
Judge whether the passage contains information useful for answering the question.
Respond ONLY as strict JSON with keys:
{"score": number 0..1, "reasoning": string}
`

// Judge scores answered questions with an LLM, one focused prompt per
// quality. Context relevance is judged per passage and averaged.
type Judge struct {
	llm       JudgeLLM
	telemetry *telemetry.Telemetry
}

func NewJudge(llm JudgeLLM, tel *telemetry.Telemetry) *Judge {
	return &Judge{llm: llm, telemetry: tel}
}

// JudgeTurn grades one question/answer pair against its retrieved contexts.
func (j *Judge) JudgeTurn(ctx context.Context, question, answer string, contexts []string) (TriadScores, error) {
	var scores TriadScores
	var err error

	scores.Groundedness, err = j.Groundedness(ctx, contexts, answer)
	if err != nil {
		return TriadScores{}, fmt.Errorf("groundedness: %w", err)
	}
	scores.AnswerRelevance, err = j.AnswerRelevance(ctx, question, answer)
	if err != nil {
		return TriadScores{}, fmt.Errorf("answer relevance: %w", err)
	}
	scores.ContextRelevance, err = j.ContextRelevance(ctx, question, contexts)
	if err != nil {
		return TriadScores{}, fmt.Errorf("context relevance: %w", err)
	}
	return scores, nil
}

func (j *Judge) Groundedness(ctx context.Context, contexts []string, answer string) (float64, error) {
	return j.scoreOnce(ctx, fmt.Sprintf(groundednessPrompt, numberedList(contexts), answer))
}

func (j *Judge) AnswerRelevance(ctx context.Context, question, answer string) (float64, error) {
	return j.scoreOnce(ctx, fmt.Sprintf(answerRelevancePrompt, question, answer))
}

// ContextRelevance grades each passage separately and returns the mean.
func (j *Judge) ContextRelevance(ctx context.Context, question string, contexts []string) (float64, error) {
	if len(contexts) == 0 {
		return 0, nil
	}
	var sum float64
	for _, c := range contexts {
		score, err := j.scoreOnce(ctx, fmt.Sprintf(contextRelevancePrompt, question, c))
		if err != nil {
			return 0, err
		}
		sum += score
	}
	return sum / float64(len(contexts)), nil
}

func (j *Judge) scoreOnce(ctx context.Context, prompt string) (float64, error) {
	model := j.llm.Routing().Judge
	out, inTok, outTok, err := j.llm.Chat(ctx, model, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return 0, err
	}
	if j.telemetry != nil {
		j.telemetry.RecordLLMUsage("judge", model, inTok, outTok, j.llm.CostOf(model, inTok, outTok))
	}

	var parsed struct {
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return 0, fmt.Errorf("judge returned no parseable JSON: %w (raw: %.120s)", e, out)
	}
	return clampScore(parsed.Score), nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func numberedList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, item)
	}
	if b.Len() == 0 {
		return "(none)\n"
	}
	return b.String()
}

// extractFirstJSON finds the first top-level JSON object in a string.
// Judge models sometimes wrap their JSON in prose or code fences.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
