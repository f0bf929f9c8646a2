// Package catalog answers metric discovery queries: lexical scoring over the
// schema registry plus semantic/keyword search over the documentation
// embeddings corpus.
package catalog

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "ptop-analyzer/pkg/errors"
)

// Doc is one documentation embedding: L1 metric field, L2 plugin summary or
// L4 concept.
type Doc struct {
	ID        string                 `json:"id"`
	Level     string                 `json:"level"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float64              `json:"embedding,omitempty"`
}

// RecordType returns the doc's record_type metadata, if any.
func (d *Doc) RecordType() string { return d.metaString("record_type") }

// MetricName returns the doc's metric_name metadata, if any.
func (d *Doc) MetricName() string { return d.metaString("metric_name") }

func (d *Doc) metaString(key string) string {
	if v, ok := d.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Store holds the loaded corpus and its lookup indexes. Indexes are built
// once under the lock, then read-only.
type Store struct {
	path   string
	logger *logrus.Logger

	mu            sync.RWMutex
	loaded        bool
	docs          map[string]*Doc
	aliasIndex    map[string][]string
	metricIndex   map[string]string
	categoryIndex map[string][]string
	conceptIDs    []string
	embeddingDim  int
	warnings      []string
}

// NewStore creates an embeddings store for the given JSONL artifact path.
func NewStore(path string, logger *logrus.Logger) *Store {
	return &Store{
		path:          path,
		logger:        logger,
		docs:          make(map[string]*Doc),
		aliasIndex:    make(map[string][]string),
		metricIndex:   make(map[string]string),
		categoryIndex: make(map[string][]string),
	}
}

// invalidEscape matches a backslash that does not start a valid JSON escape;
// some shipped artifacts carry raw LaTeX-ish text.
var invalidEscape = regexp.MustCompile(`\\([^\\"/bfnrtu])`)

// Load reads the line-delimited JSON artifact and builds the indexes.
// Idempotent; concurrent callers block on the first load.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return apperrors.NotFound("catalog", "load_embeddings", "embeddings file not found").Wrap(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var doc Doc
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			// Sanitize invalid escape sequences in place and retry once.
			fixed := invalidEscape.ReplaceAllString(line, `\\$1`)
			if err2 := json.Unmarshal([]byte(fixed), &doc); err2 != nil {
				return apperrors.New(apperrors.CodeInvalidInput, "catalog", "load_embeddings", "embeddings file malformed").
					WithMetadata("line", lineno).Wrap(err2)
			}
			s.warnings = append(s.warnings, "sanitized_invalid_escapes")
		}
		if doc.Metadata == nil {
			doc.Metadata = map[string]interface{}{}
		}
		s.docs[doc.ID] = &doc
		if rt := doc.RecordType(); rt != "" {
			category := DeriveCategory(rt)
			doc.Metadata["category"] = category
			s.categoryIndex[category] = append(s.categoryIndex[category], doc.ID)
		}
		if doc.Level == "L1" {
			if mn := doc.MetricName(); mn != "" {
				s.metricIndex[normalizeToken(mn)] = doc.ID
			}
			for _, a := range docAliases(&doc) {
				if a == "" {
					continue
				}
				key := normalizeToken(a)
				s.aliasIndex[key] = append(s.aliasIndex[key], doc.ID)
			}
		}
		if doc.Level == "L4" && strings.HasPrefix(doc.ID, "concept:") {
			s.conceptIDs = append(s.conceptIDs, doc.ID)
		}
		if s.embeddingDim == 0 && len(doc.Embedding) > 0 {
			s.embeddingDim = len(doc.Embedding)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.loaded = true
	s.logger.WithFields(logrus.Fields{
		"docs":          len(s.docs),
		"embedding_dim": s.embeddingDim,
	}).Info("Embeddings corpus loaded")
	return nil
}

// Status returns load diagnostics.
func (s *Store) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"loaded":         s.loaded,
		"doc_count":      len(s.docs),
		"embedding_dim":  s.embeddingDim,
		"warnings_count": len(s.warnings),
	}
}

// GetDoc returns a document by id or nil.
func (s *Store) GetDoc(id string) *Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id]
}

// GetMetric returns the L1 doc for a canonical metric name (case
// insensitive) or nil.
func (s *Store) GetMetric(name string) *Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.metricIndex[normalizeToken(name)]; ok {
		return s.docs[id]
	}
	return nil
}

// ResolveAlias returns the docs an alias token points at.
func (s *Store) ResolveAlias(alias string) []*Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.aliasIndex[normalizeToken(alias)]
	out := make([]*Doc, 0, len(ids))
	for _, id := range ids {
		if d := s.docs[id]; d != nil {
			out = append(out, d)
		}
	}
	return out
}

// ListCategories returns the canonical categories present in the corpus.
func (s *Store) ListCategories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.categoryIndex))
	for c := range s.categoryIndex {
		out = append(out, c)
	}
	sortStrings(out)
	return out
}

// CategoryDocs returns all docs of a canonical category.
func (s *Store) CategoryDocs(category string) []*Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.categoryIndex[category]
	out := make([]*Doc, 0, len(ids))
	for _, id := range ids {
		if d := s.docs[id]; d != nil {
			out = append(out, d)
		}
	}
	return out
}

// ListConcepts returns the concept (L4) doc ids.
func (s *Store) ListConcepts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.conceptIDs))
	copy(out, s.conceptIDs)
	return out
}

// EmbeddingDim returns the stored embedding dimensionality (0 when the
// corpus carries no vectors).
func (s *Store) EmbeddingDim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddingDim
}

// DeriveCategory maps a record_type value from the docs to the canonical
// uppercase category.
func DeriveCategory(recordType string) string {
	rt := strings.ToLower(recordType)
	switch rt {
	case "cpu":
		return "CPU"
	case "mem":
		return "MEM"
	case "disk":
		return "DISK"
	case "net":
		return "NET"
	case "tasks", "top":
		return "TOP"
	case "smaps":
		return "SMAPS"
	case "db_stat", "db_mpool_stat", "dbph":
		return "DB"
	case "dot_stat", "doh_stat", "tcp_dca_stat":
		return "FASTPATH"
	}
	if strings.HasPrefix(rt, "fp") {
		return "FASTPATH"
	}
	return "OTHER"
}

// docAliases collects legacy aliases from the metadata bag and from the
// optional provenance sub-object.
func docAliases(d *Doc) []string {
	var out []string
	out = append(out, stringList(d.Metadata["legacy_aliases"])...)
	if prov, ok := d.Metadata["provenance"].(map[string]interface{}); ok {
		out = append(out, stringList(prov["legacy_aliases"])...)
	}
	return out
}

func stringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func normalizeToken(tok string) string {
	return strings.ToLower(strings.TrimSpace(tok))
}
