package catalog

import (
	"math"
	"regexp"
	"sort"
	"strings"

	apperrors "ptop-analyzer/pkg/errors"
)

// Match is one scored search hit.
type Match struct {
	Doc   *Doc
	Score float64
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Tokenize lowercases and splits on non-identifier characters.
func Tokenize(text string) []string {
	raw := tokenRe.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		out = append(out, strings.ToLower(t))
	}
	return out
}

// Cosine computes cosine similarity over the shared prefix of two vectors.
func Cosine(a, b []float64) float64 {
	var num, da, db float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		num += a[i] * b[i]
		da += a[i] * a[i]
		db += b[i] * b[i]
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}

// SemanticSearch ranks docs by cosine similarity, level-filtered. A query
// embedding whose dimension differs from the stored corpus is deterministically
// adapted: truncated when longer, tiled when shorter. Empty embeddings fail.
func (s *Store) SemanticSearch(queryEmbedding []float64, topK int, levels []string) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.embeddingDim > 0 {
		qdim := len(queryEmbedding)
		if qdim == 0 {
			return nil, apperrors.InvalidInput("catalog", "semantic_search", "empty query embedding")
		}
		if qdim > s.embeddingDim {
			queryEmbedding = queryEmbedding[:s.embeddingDim]
		} else if qdim < s.embeddingDim {
			tiled := make([]float64, 0, s.embeddingDim)
			for len(tiled) < s.embeddingDim {
				tiled = append(tiled, queryEmbedding...)
			}
			queryEmbedding = tiled[:s.embeddingDim]
		}
	}
	levelSet := toSet(levels)
	var results []Match
	for _, d := range s.docs {
		if levelSet != nil {
			if _, ok := levelSet[d.Level]; !ok {
				continue
			}
		}
		if len(d.Embedding) == 0 {
			continue
		}
		results = append(results, Match{Doc: d, Score: Cosine(queryEmbedding, d.Embedding)})
	}
	sortMatches(results)
	return truncMatches(results, topK), nil
}

// KeywordSearch scores each doc by the fraction of query tokens appearing as
// substrings of its text.
func (s *Store) KeywordSearch(query string, topK int, levels []string) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	levelSet := toSet(levels)
	var results []Match
	for _, d := range s.docs {
		if levelSet != nil {
			if _, ok := levelSet[d.Level]; !ok {
				continue
			}
		}
		text := strings.ToLower(d.Text)
		hits := 0
		for _, t := range tokens {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if hits > 0 {
			results = append(results, Match{Doc: d, Score: float64(hits) / float64(len(tokens))})
		}
	}
	sortMatches(results)
	return truncMatches(results, topK)
}

// CheapTextEmbedding builds a char-hash bag embedding aligned to the stored
// dimension, used when no query vector is provided.
func (s *Store) CheapTextEmbedding(text string) []float64 {
	dim := s.EmbeddingDim()
	if dim == 0 {
		dim = 128
	}
	vec := make([]float64, dim)
	if text == "" {
		return vec
	}
	for _, ch := range strings.ToLower(text) {
		vec[(int(ch)*131)%dim] += 1.0
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func toSet(levels []string) map[string]struct{} {
	if len(levels) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		set[l] = struct{}{}
	}
	return set
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Score > m[j].Score })
}

func truncMatches(m []Match, topK int) []Match {
	if topK > 0 && len(m) > topK {
		return m[:topK]
	}
	return m
}

func sortStrings(s []string) { sort.Strings(s) }
