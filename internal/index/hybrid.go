package index

import (
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/ike1112/rag-project/internal/store"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// Hit is one retrieval candidate, ranked within its source list (vector
// or keyword) or within the fused result.
type Hit struct {
	ID       string
	Document string
	Text     string
	Window   string
	Score    float64
	Rank     int
}

// keywordDoc is the shape bleve indexes; embeddings stay out of it.
type keywordDoc struct {
	Document string `json:"document"`
	Text     string `json:"text"`
}

// Keyword is an in-memory BM25 index over one namespace. It is rebuilt
// from the store when a chat engine starts and replaced wholesale after
// new documents land.
type Keyword struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]store.ChunkRecord
}

func NewKeyword() (*Keyword, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Keyword{index: idx, meta: make(map[string]store.ChunkRecord)}, nil
}

func (k *Keyword) Add(rec store.ChunkRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.meta[rec.ID] = rec
	return k.index.Index(rec.ID, keywordDoc{Document: rec.Document, Text: rec.Text})
}

func (k *Keyword) AddAll(recs []store.ChunkRecord) error {
	for _, rec := range recs {
		if err := k.Add(rec); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keyword) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.meta)
}

// Search runs a query-string search and returns up to topK hits with
// ranks assigned.
func (k *Keyword) Search(q string, topK int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, topK*3, 0, false)
	res, err := k.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		rec := k.meta[hit.ID]
		out = append(out, Hit{
			ID:       hit.ID,
			Document: rec.Document,
			Text:     rec.Text,
			Window:   rec.Window,
			Score:    hit.Score,
			Rank:     i + 1,
		})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// FromSearchResults adapts pgvector results into ranked hits. Distance
// flips into a similarity-style score so larger stays better.
func FromSearchResults(results []store.ChunkSearchResult) []Hit {
	out := make([]Hit, 0, len(results))
	for i, r := range results {
		out = append(out, Hit{
			ID:       r.ID,
			Document: r.Document,
			Text:     r.Text,
			Window:   r.Window,
			Score:    1 - r.Distance,
			Rank:     i + 1,
		})
	}
	return out
}

// FuseRRF merges two ranked lists with reciprocal-rank fusion and
// returns the top k by fused score.
func FuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		item  Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			x, ok := m[h.ID]
			if !ok {
				m[h.ID] = &agg{item: h}
				x = m[h.ID]
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)
	items := make([]agg, 0, len(m))
	for _, v := range m {
		items = append(items, *v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })
	if k > len(items) {
		k = len(items)
	}
	out := make([]Hit, 0, k)
	for i := 0; i < k; i++ {
		h := items[i].item
		h.Score = items[i].score
		h.Rank = i + 1
		out = append(out, h)
	}
	return out
}
