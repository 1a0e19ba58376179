// Package vector provides the in-memory portfolio embedding store.
package vector

import (
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gomahq/goma/pkg/similarity"
)

// Record is a single portfolio chunk with its precomputed embedding.
type Record struct {
	Category  string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding"`
}

// SearchResult pairs a record with its similarity score for a query.
type SearchResult struct {
	Record Record
	Score  float64
}

// dataset is the on-disk layout of the embeddings file.
type dataset struct {
	Model     string   `json:"model"`
	Dimension int      `json:"dimension"`
	Chunks    []Record `json:"chunks"`
}

// Store holds the portfolio embeddings. It is immutable after Load and
// safe for concurrent readers.
type Store struct {
	model     string
	dimension int
	records   []Record
}

// Load reads the embeddings dataset from path. A missing file is not an
// error: the assistant degrades to generation without retrieval, so Load
// returns an empty store instead.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("Embeddings dataset not found, retrieval disabled")
			return &Store{}, nil
		}
		return nil, fmt.Errorf("failed to open embeddings dataset: %w", err)
	}
	defer f.Close()

	return LoadReader(f)
}

// LoadReader decodes an embeddings dataset from r.
func LoadReader(r io.Reader) (*Store, error) {
	var ds dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings dataset: %w", err)
	}

	// Drop chunks whose embedding doesn't match the declared dimension so
	// search never compares vectors of different lengths.
	records := make([]Record, 0, len(ds.Chunks))
	for _, rec := range ds.Chunks {
		if ds.Dimension > 0 && len(rec.Embedding) != ds.Dimension {
			log.Warn().
				Str("category", rec.Category).
				Int("expected", ds.Dimension).
				Int("got", len(rec.Embedding)).
				Msg("Skipping chunk with mismatched embedding dimension")
			continue
		}
		records = append(records, rec)
	}

	log.Info().
		Str("model", ds.Model).
		Int("dimension", ds.Dimension).
		Int("chunks", len(records)).
		Msg("Loaded portfolio embeddings")

	return &Store{
		model:     ds.Model,
		dimension: ds.Dimension,
		records:   records,
	}, nil
}

// Model returns the embedding model the dataset was built with.
func (s *Store) Model() string { return s.model }

// Dimension returns the embedding dimension of the dataset.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of records in the store.
func (s *Store) Len() int { return len(s.records) }

// Search scores every record against the query embedding and returns up
// to topK results with score >= minScore, ordered by descending score.
// Records that tie keep their dataset order.
func (s *Store) Search(query []float32, topK int, minScore float64) []SearchResult {
	if len(s.records) == 0 || topK <= 0 {
		return nil
	}

	results := make([]SearchResult, 0, len(s.records))
	for _, rec := range s.records {
		score := similarity.Cosine(query, rec.Embedding)
		if !similarity.Finite(score) || score < minScore {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
