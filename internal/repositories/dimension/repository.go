// Package dimension resolves human-readable state, crop, and season names
// to lazily-created dimension entities. Resolutions are cached because
// dimensions are immutable once created.
package dimension

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/agroyield/clover/internal/storage"
	apperrors "github.com/agroyield/clover/pkg/errors"
	"github.com/agroyield/clover/pkg/metrics"
	"github.com/agroyield/clover/pkg/models"
	"github.com/agroyield/clover/pkg/normalizers"
)

type cacheEntry struct {
	dimension *models.Dimension
	expiresAt time.Time
}

// Repository resolves dimension names against the storage backend behind a
// size-bounded TTL cache.
type Repository struct {
	store   storage.Store
	logger  ectologger.Logger
	ttl     time.Duration
	maxSize int

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

func NewRepository(store storage.Store, logger ectologger.Logger, ttl time.Duration, maxSize int) *Repository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Repository{
		store:   store,
		logger:  logger,
		ttl:     ttl,
		maxSize: maxSize,
		cache:   make(map[string]*cacheEntry),
	}
}

func cacheKey(kind models.DimensionKind, name string) string {
	return string(kind) + ":" + normalizers.LookupKey(name)
}

// Resolve returns the dimension for the raw name, creating it on first use.
// An empty or whitespace-only name is a hard reject.
func (r *Repository) Resolve(ctx context.Context, kind models.DimensionKind, name string) (*models.Dimension, error) {
	if normalizers.Trim(name) == "" {
		return nil, apperrors.NewOutOfRange(string(kind)+"_name", "must not be empty")
	}

	key := cacheKey(kind, name)

	r.mu.RLock()
	entry, exists := r.cache[key]
	r.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		metrics.DimensionCacheHits.WithLabelValues("hit").Inc()
		return entry.dimension, nil
	}

	metrics.DimensionCacheHits.WithLabelValues("miss").Inc()

	dim, err := r.store.ResolveDimension(ctx, kind, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxSize {
		r.evictHalf()
	}
	r.cache[key] = &cacheEntry{
		dimension: dim,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	return dim, nil
}

// evictHalf removes half the cache entries (must be called with lock held)
func (r *Repository) evictHalf() {
	count := 0
	target := len(r.cache) / 2
	for key := range r.cache {
		delete(r.cache, key)
		count++
		if count >= target {
			break
		}
	}
}

// List returns all dimensions of a kind, bypassing the cache.
func (r *Repository) List(ctx context.Context, kind models.DimensionKind) ([]models.Dimension, error) {
	if !kind.IsValid() {
		return nil, apperrors.NewOutOfRange("kind", "must be one of state, crop, season")
	}
	return r.store.ListDimensions(ctx, kind)
}

// Clear drops all cached resolutions.
func (r *Repository) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()
}
