package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// tfidfIndex is a rebuilt-on-demand TF-IDF index over the store's entries.
// Term frequency is normalized by document length; inverse document
// frequency is ln(totalDocs/docsContainingTerm). Queries are scored by
// cosine similarity.
type tfidfIndex struct {
	vectors []map[string]float64
	norms   []float64
	idf     map[string]float64
}

type scoredDoc struct {
	doc   int
	score float64
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func buildIndex(docs []string) *tfidfIndex {
	idx := &tfidfIndex{
		vectors: make([]map[string]float64, len(docs)),
		norms:   make([]float64, len(docs)),
		idf:     make(map[string]float64),
	}

	tokenized := make([][]string, len(docs))
	df := make(map[string]int)
	for i, doc := range docs {
		tokenized[i] = tokenize(doc)
		seen := make(map[string]bool)
		for _, tok := range tokenized[i] {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	total := float64(len(docs))
	for term, n := range df {
		idx.idf[term] = math.Log(total / float64(n))
	}

	for i, toks := range tokenized {
		vec := make(map[string]float64)
		if len(toks) > 0 {
			for _, tok := range toks {
				vec[tok] += 1.0 / float64(len(toks))
			}
			for term := range vec {
				vec[term] *= idx.idf[term]
			}
		}
		norm := 0.0
		for _, w := range vec {
			norm += w * w
		}
		idx.vectors[i] = vec
		idx.norms[i] = math.Sqrt(norm)
	}
	return idx
}

// score ranks all documents against the query, highest cosine similarity
// first. Documents with zero similarity are omitted.
func (idx *tfidfIndex) score(query string) []scoredDoc {
	toks := tokenize(query)
	if len(toks) == 0 {
		return nil
	}
	qvec := make(map[string]float64)
	for _, tok := range toks {
		qvec[tok] += 1.0 / float64(len(toks))
	}
	qnorm := 0.0
	for term := range qvec {
		qvec[term] *= idx.idf[term]
		qnorm += qvec[term] * qvec[term]
	}
	qnorm = math.Sqrt(qnorm)
	if qnorm == 0 {
		return nil
	}

	var scored []scoredDoc
	for i, vec := range idx.vectors {
		if idx.norms[i] == 0 {
			continue
		}
		dot := 0.0
		for term, qw := range qvec {
			dot += qw * vec[term]
		}
		if dot <= 0 {
			continue
		}
		scored = append(scored, scoredDoc{doc: i, score: dot / (qnorm * idx.norms[i])})
	}
	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].score > scored[b].score
	})
	return scored
}
