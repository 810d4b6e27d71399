package index

import (
	"testing"

	"github.com/ike1112/rag-project/internal/store"
)

func TestKeywordSearchFindsIndexedText(t *testing.T) {
	kw, err := NewKeyword()
	if err != nil {
		t.Fatalf("NewKeyword: %v", err)
	}
	recs := []store.ChunkRecord{
		{ID: "a#000", Document: "sky.txt", Text: "The sky is blue on clear days."},
		{ID: "a#001", Document: "sea.txt", Text: "The ocean is deep and salty."},
		{ID: "a#002", Document: "soup.txt", Text: "Tomato soup is best served hot."},
	}
	if err := kw.AddAll(recs); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	if kw.Len() != 3 {
		t.Fatalf("expected 3 docs, got %d", kw.Len())
	}

	hits, err := kw.Search("blue sky", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one hit")
	}
	if hits[0].ID != "a#000" {
		t.Fatalf("expected sky chunk first, got %+v", hits[0])
	}
	if hits[0].Rank != 1 {
		t.Fatalf("rank should start at 1, got %d", hits[0].Rank)
	}
}

func TestFromSearchResultsFlipsDistance(t *testing.T) {
	hits := FromSearchResults([]store.ChunkSearchResult{
		{ID: "x", Distance: 0.25},
		{ID: "y", Distance: 0.5},
	})
	if hits[0].Score != 0.75 || hits[1].Score != 0.5 {
		t.Fatalf("unexpected scores: %+v", hits)
	}
	if hits[0].Rank != 1 || hits[1].Rank != 2 {
		t.Fatalf("unexpected ranks: %+v", hits)
	}
}

func TestFuseRRFPrefersAgreement(t *testing.T) {
	a := []Hit{
		{ID: "shared", Rank: 2},
		{ID: "vector-only", Rank: 1},
	}
	b := []Hit{
		{ID: "shared", Rank: 1},
		{ID: "keyword-only", Rank: 2},
	}
	fused := FuseRRF(a, b, 3)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused hits, got %d", len(fused))
	}
	if fused[0].ID != "shared" {
		t.Fatalf("hit present in both lists should win: %+v", fused)
	}
	wantTop := 1.0/float64(rrfK+2) + 1.0/float64(rrfK+1)
	if fused[0].Score != wantTop {
		t.Fatalf("unexpected fused score: %v want %v", fused[0].Score, wantTop)
	}
	if fused[0].Rank != 1 || fused[1].Rank != 2 {
		t.Fatalf("fused ranks must be reassigned: %+v", fused)
	}
}

func TestFuseRRFHonoursK(t *testing.T) {
	a := []Hit{{ID: "1", Rank: 1}, {ID: "2", Rank: 2}, {ID: "3", Rank: 3}}
	fused := FuseRRF(a, nil, 2)
	if len(fused) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(fused))
	}
}
