package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/ike1112/rag-project/config"
)

// Chunking strategies. A session commits to one at creation time and
// every document it ingests is split the same way.
const (
	StrategyStandard       = "standard"
	StrategySentenceWindow = "sentence_window"
)

// Unit is one retrievable piece of a document before embedding. Text is
// what gets embedded and matched; Window, set only by the
// sentence-window strategy, is the wider context handed to the LLM in
// place of the matched sentence.
type Unit struct {
	Text   string
	Window string
}

// UnitsFor splits text according to the session strategy.
func UnitsFor(strategy, text string, cfg config.IngestConfig) ([]Unit, error) {
	switch strategy {
	case StrategyStandard:
		chunks := SplitStandard(text, cfg.ChunkSize, cfg.ChunkOverlap)
		units := make([]Unit, 0, len(chunks))
		for _, c := range chunks {
			units = append(units, Unit{Text: c})
		}
		return units, nil
	case StrategySentenceWindow:
		return SentenceWindows(SplitSentences(text), cfg.WindowSize), nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}
}

// SplitStandard cuts text into chunks of roughly size characters with
// the given overlap, breaking on whitespace where possible so words
// stay whole.
func SplitStandard(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			cut := end
			for cut > start+size/2 && !unicode.IsSpace(runes[cut]) {
				cut--
			}
			if cut > start+size/2 {
				end = cut
			}
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// SplitSentences segments text into sentences on terminal punctuation
// and blank lines. Headings and list items without punctuation become
// their own sentence at the next paragraph break.
func SplitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var (
		sentences []string
		cur       strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?':
			for i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\'' || runes[i+1] == ')') {
				i++
				cur.WriteRune(runes[i])
			}
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return sentences
}

// SentenceWindows pairs every sentence with the window of its
// neighbours, window sentences to each side.
func SentenceWindows(sentences []string, window int) []Unit {
	if window <= 0 {
		window = 3
	}
	units := make([]Unit, 0, len(sentences))
	for i, s := range sentences {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > len(sentences) {
			hi = len(sentences)
		}
		units = append(units, Unit{Text: s, Window: strings.Join(sentences[lo:hi], " ")})
	}
	return units
}

// UnitID derives a stable id from the namespace and document name so
// re-ingesting a document overwrites its previous units instead of
// duplicating them.
func UnitID(namespace, document string, ordinal int) string {
	return fmt.Sprintf("%s#%03d", sha1Hex(namespace+"|"+document), ordinal)
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}
