package retrieval

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gomahq/goma/internal/vector"
)

// multiSpaceRegex matches multiple consecutive whitespace characters.
// Pre-compiled for performance in normalizeQuery.
var multiSpaceRegex = regexp.MustCompile(`\s+`)

const (
	defaultCacheTTL     = 30 * time.Second
	defaultCacheMaxSize = 200

	queryLogTruncateLen = 50
)

// Encoder turns text into an embedding vector.
type Encoder interface {
	Embed(text string) ([]float32, error)
	Dimensions() int
}

// Metrics tracks retrieval statistics.
type Metrics struct {
	Searches          int64
	CacheHits         int64
	CoalescedRequests int64
	Errors            int64
}

// Stats returns the current retrieval counters.
func (m *Metrics) Stats() map[string]any {
	return map[string]any{
		"searches":           atomic.LoadInt64(&m.Searches),
		"cache_hits":         atomic.LoadInt64(&m.CacheHits),
		"coalesced_requests": atomic.LoadInt64(&m.CoalescedRequests),
		"errors":             atomic.LoadInt64(&m.Errors),
	}
}

// cachedResult stores a cached retrieval result with expiry.
type cachedResult struct {
	results   []vector.SearchResult
	expiresAt time.Time
}

// Searcher embeds user messages and searches the portfolio store.
// Identical concurrent queries are coalesced, and recent results are
// cached briefly since users often rephrase the same question.
type Searcher struct {
	encoder  Encoder
	store    *vector.Store
	gate     Gate
	topK     int
	minScore float64

	group   singleflight.Group
	metrics *Metrics

	cacheMu      sync.RWMutex
	cache        map[string]*cachedResult
	cacheTTL     time.Duration
	cacheMaxSize int

	// Retrieval is disabled when the encoder dimension doesn't match
	// the dataset; comparing mismatched vectors would score garbage.
	active bool
}

// NewSearcher creates a retrieval searcher over the given store.
func NewSearcher(encoder Encoder, store *vector.Store, gate Gate, topK int, minScore float64) *Searcher {
	active := store.Len() > 0
	if active && encoder.Dimensions() != store.Dimension() {
		log.Warn().
			Int("encoder_dims", encoder.Dimensions()).
			Int("dataset_dims", store.Dimension()).
			Msg("Embedding dimension mismatch, retrieval disabled")
		active = false
	}

	return &Searcher{
		encoder:      encoder,
		store:        store,
		gate:         gate,
		topK:         topK,
		minScore:     minScore,
		metrics:      &Metrics{},
		cache:        make(map[string]*cachedResult),
		cacheTTL:     defaultCacheTTL,
		cacheMaxSize: defaultCacheMaxSize,
		active:       active,
	}
}

// Active reports whether retrieval is operational.
func (s *Searcher) Active() bool {
	return s.active
}

// Metrics returns the retrieval metrics for monitoring.
func (s *Searcher) Metrics() *Metrics {
	return s.metrics
}

// normalizeQuery normalizes a query for consistent cache keys.
// Converts to lowercase, trims whitespace, and collapses multiple spaces.
func normalizeQuery(query string) string {
	query = strings.ToLower(query)
	query = multiSpaceRegex.ReplaceAllString(query, " ")
	return strings.TrimSpace(query)
}

// Retrieve returns portfolio chunks relevant to the message, or nil when
// the gate declines, retrieval is inactive, or the embedding fails.
// Embedding failures are logged and swallowed: a reply without context
// beats no reply.
func (s *Searcher) Retrieve(ctx context.Context, message string) []vector.SearchResult {
	if !s.active || !s.gate.ShouldRetrieve(message) {
		return nil
	}

	atomic.AddInt64(&s.metrics.Searches, 1)
	key := normalizeQuery(message)

	if cached, ok := s.getFromCache(key); ok {
		atomic.AddInt64(&s.metrics.CacheHits, 1)
		return cached
	}

	result, err, shared := s.group.Do(key, func() (any, error) {
		embedding, err := s.encoder.Embed(message)
		if err != nil {
			return nil, err
		}
		return s.store.Search(embedding, s.topK, s.minScore), nil
	})
	if shared {
		atomic.AddInt64(&s.metrics.CoalescedRequests, 1)
	}
	if err != nil {
		atomic.AddInt64(&s.metrics.Errors, 1)
		log.Warn().
			Err(err).
			Str("query", truncate(message, queryLogTruncateLen)).
			Msg("Retrieval failed, continuing without context")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	results := result.([]vector.SearchResult)
	s.putInCache(key, results)
	return results
}

// getFromCache retrieves a result from cache if still valid.
func (s *Searcher) getFromCache(key string) ([]vector.SearchResult, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if cached, ok := s.cache[key]; ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.results, true
		}
	}
	return nil, false
}

// putInCache stores a result, evicting expired entries when full.
func (s *Searcher) putInCache(key string, results []vector.SearchResult) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := time.Now()
	if len(s.cache) >= s.cacheMaxSize {
		for k, v := range s.cache {
			if now.After(v.expiresAt) {
				delete(s.cache, k)
			}
		}
		// Still full: drop arbitrary entries (map order is random).
		for k := range s.cache {
			if len(s.cache) < s.cacheMaxSize {
				break
			}
			delete(s.cache, k)
		}
	}

	s.cache[key] = &cachedResult{
		results:   results,
		expiresAt: now.Add(s.cacheTTL),
	}
}

// ClearCache clears the result cache. Useful for testing.
func (s *Searcher) ClearCache() {
	s.cacheMu.Lock()
	s.cache = make(map[string]*cachedResult)
	s.cacheMu.Unlock()
}

func truncate(str string, maxLen int) string {
	str = strings.TrimSpace(str)
	if len(str) <= maxLen {
		return str
	}
	return str[:maxLen] + "..."
}
