package templates

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// FallbackID is the designated template returned when no candidate clears
// the similarity floor. Its score in that case is fixed at 0.5.
const FallbackID = "first-principles"

const fallbackScore = 0.5

// Embedder produces embedding vectors; satisfied by the inference client.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// Store holds the indexed template collection and its vectors. Reads are
// lock-free against a snapshot swapped atomically on reindex.
type Store struct {
	embedder   Embedder
	embedModel string
	floor      float64
	logger     *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	counts  map[string]int64
}

type entry struct {
	tpl *Template
	vec []float64
}

// NewStore creates an empty store. floor is the minimum similarity a search
// candidate must reach.
func NewStore(embedder Embedder, embedModel string, floor float64, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		embedder:   embedder,
		embedModel: embedModel,
		floor:      floor,
		logger:     logger,
		entries:    make(map[string]*entry),
		counts:     make(map[string]int64),
	}
}

// Reindex scans the given directories, parses every template file and
// replaces the index with freshly embedded entries. Files that fail to parse
// are skipped with a warning. Idempotent for unchanged inputs. Returns the
// number of templates indexed.
func (s *Store) Reindex(ctx context.Context, dirs []string) (int, error) {
	next := make(map[string]*entry)

	for _, dir := range dirs {
		files, err := listTemplateFiles(dir)
		if err != nil {
			return 0, fmt.Errorf("scan template directory %s: %w", dir, err)
		}
		for _, path := range files {
			tpl, err := ParseFile(path)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"path":  path,
					"error": err,
				}).Warn("Skipping template file")
				continue
			}
			vec, err := s.embedder.Embed(ctx, s.embedModel, embedText(tpl))
			if err != nil {
				return 0, fmt.Errorf("embed template %s: %w", tpl.ID, err)
			}
			// Upsert by slug: a later file with the same name wins.
			next[tpl.ID] = &entry{tpl: tpl, vec: vec}
		}
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()

	s.logger.WithField("count", len(next)).Info("Template index rebuilt")
	return len(next), nil
}

// AddOne parses and indexes a single file, upserting by slug.
func (s *Store) AddOne(ctx context.Context, path string) (*Template, error) {
	tpl, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, s.embedModel, embedText(tpl))
	if err != nil {
		return nil, fmt.Errorf("embed template %s: %w", tpl.ID, err)
	}

	s.mu.Lock()
	s.entries[tpl.ID] = &entry{tpl: tpl, vec: vec}
	s.mu.Unlock()
	return tpl, nil
}

// Search embeds the query and returns up to k templates whose cosine
// similarity clears the floor, ranked by descending similarity with ties
// broken by id. If nothing clears the floor, the fallback template is
// returned with a fixed score; if the fallback is absent, the result is
// empty.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Match, error) {
	qvec, err := s.embedder.Embed(ctx, s.embedModel, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.entries))
	for id, e := range s.entries {
		score := Similarity(qvec, e.vec)
		if score >= s.floor {
			matches = append(matches, Match{
				ID:          id,
				Name:        e.tpl.Name,
				Score:       score,
				Description: e.tpl.Description,
				Body:        e.tpl.Body,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	if len(matches) == 0 {
		if fb, ok := s.entries[FallbackID]; ok {
			return []Match{{
				ID:          FallbackID,
				Name:        fb.tpl.Name,
				Score:       fallbackScore,
				Description: fb.tpl.Description,
				Body:        fb.tpl.Body,
			}}, nil
		}
		return nil, nil
	}
	return matches, nil
}

// List returns all indexed templates ordered by id, with use counts.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Template, 0, len(s.entries))
	for id, e := range s.entries {
		tpl := *e.tpl
		tpl.UseCount = s.counts[id]
		out = append(out, &tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordUse increments the retrieval counter for a template.
func (s *Store) RecordUse(id string) {
	s.mu.Lock()
	s.counts[id]++
	s.mu.Unlock()
}

// Has reports whether a template id is currently indexed.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Count returns the number of indexed templates.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Similarity maps cosine distance d to a [0,1] score via 1 - d/2, which is
// equivalent to (1 + cos) / 2. Mismatched or zero vectors score 0.
func Similarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (1 + cos) / 2
}

func listTemplateFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt", ".tpl":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
