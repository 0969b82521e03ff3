package dataset

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/TZuanazzi/Liver-Segmentation-NN/vision/transforms"
)

// SampleCache keeps recently decoded raw samples in memory.
// It is safe for concurrent use by loader workers.
type SampleCache struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewSampleCache creates a cache holding at most maxSize samples.
func NewSampleCache(maxSize int) (*SampleCache, error) {
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "creating sample cache of size %d", maxSize)
	}
	return &SampleCache{cache: c, maxSize: maxSize}, nil
}

// Get returns a copy of the cached sample for key.
func (sc *SampleCache) Get(key string) (transforms.Sample, bool) {
	v, ok := sc.cache.Get(key)
	if !ok {
		atomic.AddInt64(&sc.misses, 1)
		return transforms.Sample{}, false
	}
	atomic.AddInt64(&sc.hits, 1)
	return v.(transforms.Sample).Clone(), true
}

// Put stores a private copy of s under key.
func (sc *SampleCache) Put(key string, s transforms.Sample) {
	sc.cache.Add(key, s.Clone())
}

// Clear drops every entry. Statistics are cumulative and survive.
func (sc *SampleCache) Clear() {
	sc.cache.Purge()
}

// Stats returns cache statistics
func (sc *SampleCache) Stats() CacheStats {
	hits := atomic.LoadInt64(&sc.hits)
	misses := atomic.LoadInt64(&sc.misses)
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return CacheStats{
		Size:    sc.cache.Len(),
		MaxSize: sc.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
