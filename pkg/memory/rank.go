package memory

import (
	"math"
	"sort"
	"strings"
)

// Hybrid ranking for backends that return both a dense vector score and raw
// text. The final score blends cosine similarity with a BM25 text match:
// alpha*cosine + (1-alpha)*bm25, both normalized to [0,1] within the batch.

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// RankedMemory pairs a memory line with its backend vector score.
type RankedMemory struct {
	Text        string
	VectorScore float64
}

// HybridRank orders candidates by blended score against the query. Alpha 1
// is pure vector ranking, alpha 0 pure lexical.
func HybridRank(query string, candidates []RankedMemory, alpha float64) []string {
	if len(candidates) == 0 {
		return nil
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	lexical := bm25Scores(query, candidates)
	vector := normalize(vectorScores(candidates))

	type scored struct {
		text  string
		score float64
		index int
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{
			text:  c.Text,
			score: alpha*vector[i] + (1-alpha)*lexical[i],
			index: i,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index < ranked[j].index
	})

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.text
	}
	return out
}

func vectorScores(candidates []RankedMemory) []float64 {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.VectorScore
	}
	return scores
}

// bm25Scores computes normalized BM25 over the candidate batch, treating
// each memory line as a document.
func bm25Scores(query string, candidates []RankedMemory) []float64 {
	queryTerms := tokenize(query)
	docs := make([][]string, len(candidates))
	totalLen := 0.0
	for i, c := range candidates {
		docs[i] = tokenize(c.Text)
		totalLen += float64(len(docs[i]))
	}
	avgLen := totalLen / float64(len(docs))
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per query term.
	df := make(map[string]int)
	for _, term := range queryTerms {
		for _, doc := range docs {
			if containsTerm(doc, term) {
				df[term]++
			}
		}
	}

	n := float64(len(docs))
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, term := range doc {
			tf[term]++
		}
		var score float64
		for _, term := range queryTerms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			score += idf * f * (bm25K1 + 1) /
				(f + bm25K1*(1-bm25B+bm25B*float64(len(doc))/avgLen))
		}
		scores[i] = score
	}
	return normalize(scores)
}

func normalize(scores []float64) []float64 {
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return scores
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s / max
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

func containsTerm(doc []string, term string) bool {
	for _, t := range doc {
		if t == term {
			return true
		}
	}
	return false
}
