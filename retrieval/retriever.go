package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

// Snippet is one retrieved passage.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Retriever supplies context snippets for a node's prompt.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Snippet, error)
	Ping(ctx context.Context) error
}

// Disabled backs the disabled retrieval strategy.
type Disabled struct{}

var _ Retriever = Disabled{}

func (Disabled) Retrieve(context.Context, string, int) ([]Snippet, error) { return nil, nil }
func (Disabled) Ping(context.Context) error                               { return nil }

// =============================================================================
// 🎯 本地关键词检索
// =============================================================================

type passage struct {
	source string
	text   string
	terms  map[string]int
}

// LocalRetriever indexes .md and .txt files under a directory, one passage
// per blank-line separated paragraph, and ranks passages by term overlap.
type LocalRetriever struct {
	dir    string
	mu     sync.RWMutex
	index  []passage
	loaded bool
	logger *zap.Logger
}

var _ Retriever = (*LocalRetriever)(nil)

// NewLocalRetriever creates a retriever over dir. Indexing is lazy.
func NewLocalRetriever(dir string, logger *zap.Logger) *LocalRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRetriever{
		dir:    dir,
		logger: logger.With(zap.String("component", "local_retriever")),
	}
}

// Ping succeeds when the directory exists or is not configured.
func (r *LocalRetriever) Ping(context.Context) error {
	if r.dir == "" {
		return nil
	}
	info, err := os.Stat(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("retrieval dir %s is not a directory", r.dir)
	}
	return nil
}

// Reindex rebuilds the passage index from disk.
func (r *LocalRetriever) Reindex() error {
	var index []passage
	if r.dir != "" {
		err := filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".md" && ext != ".txt" {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(r.dir, path)
			for _, para := range splitParagraphs(string(data)) {
				index = append(index, passage{source: filepath.ToSlash(rel), text: para, terms: termCounts(para)})
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("index %s: %w", r.dir, err)
		}
	}
	r.mu.Lock()
	r.index = index
	r.loaded = true
	r.mu.Unlock()
	r.logger.Debug("retrieval index built", zap.Int("passages", len(index)))
	return nil
}

// Retrieve returns at most k passages with a positive score, best first.
// Ties keep index order.
func (r *LocalRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	if k <= 0 {
		return nil, nil
	}
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if !loaded {
		if err := r.Reindex(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := termCounts(query)
	if len(q) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snippet
	for _, p := range r.index {
		if s := overlapScore(q, p.terms); s > 0 {
			out = append(out, Snippet{Source: p.source, Text: p.text, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if b := strings.TrimSpace(block); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 2 {
			continue
		}
		counts[w]++
	}
	return counts
}

// overlapScore 查询词覆盖率，按段落长度轻微惩罚
func overlapScore(query, doc map[string]int) float64 {
	if len(doc) == 0 {
		return 0
	}
	hit := 0
	for term := range query {
		if doc[term] > 0 {
			hit++
		}
	}
	if hit == 0 {
		return 0
	}
	return float64(hit) / float64(len(query)) / (1 + float64(len(doc))/200)
}
