// Package cache implements the strategy-tagged in-memory store that serves
// reads while mutations are pending in the offline queue. Entries carry a TTL,
// group-invalidation tags, dependency links and an optional integrity checksum.
package cache

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Asim971/pharmaflow-sync/internal/core/dispatch"
	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
	"github.com/Asim971/pharmaflow-sync/pkg/encoding"
	"github.com/Asim971/pharmaflow-sync/pkg/sequence"
)

const (
	// pressureThreshold is the usage fraction past which a cleanup is scheduled.
	pressureThreshold = 0.8
	// evictionTarget is the usage fraction an eviction pass drives down to.
	evictionTarget = 0.7
)

// Entry is a single cached value plus its bookkeeping metadata.
type Entry[T any] struct {
	Key            string
	Data           T
	Strategy       Strategy
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	Size           int64
	Tags           []string
	Dependencies   []string
	Checksum       uint64
}

// Config holds store-level settings. Strategy profiles are fixed after
// construction.
type Config struct {
	MemoryCeiling       int64
	MaintenanceInterval time.Duration
	IntegrityChecks     bool
	Profiles            map[Strategy]Profile
}

// DefaultConfig returns the stock store configuration.
func DefaultConfig() Config {
	return Config{
		MemoryCeiling:       50 << 20, // 50MB
		MaintenanceInterval: 5 * time.Minute,
		IntegrityChecks:     true,
		Profiles:            DefaultProfiles(),
	}
}

// Stats is a read-only observability snapshot. It never affects behavior.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Requests    uint64
	HitRate     float64
	MemoryUsage int64
	EntryCount  int
}

// Store is the in-memory cache. It owns its state exclusively; the only thing
// it shares with the rest of the application is the dispatch sink.
type Store[T any] struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry[T]
	// pending holds keys scheduled for invalidation, processed on the next
	// maintenance pass. The dependency cascade is one level deep: processing
	// pending keys does not schedule their own dependents.
	pending map[string]struct{}
	usage   int64

	hits     uint64
	misses   uint64
	requests uint64

	isOptimizing atomic.Bool

	clk       clock.Clock
	logger    log.Log
	sink      dispatch.Sink
	persister Persister

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a store. persister may be nil to disable disk persistence.
// Previously persisted entries are reloaded; anything already expired is
// discarded at load time.
func New[T any](cfg Config, clk clock.Clock, logger log.Log, sink dispatch.Sink, persister Persister) *Store[T] {
	if cfg.MemoryCeiling <= 0 {
		cfg.MemoryCeiling = DefaultConfig().MemoryCeiling
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultConfig().MaintenanceInterval
	}
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = dispatch.Nop{}
	}

	s := &Store[T]{
		cfg:       cfg,
		entries:   make(map[string]*Entry[T]),
		pending:   make(map[string]struct{}),
		clk:       clk,
		logger:    logger.With(log.String("component", "cache")),
		sink:      sink,
		persister: persister,
		stop:      make(chan struct{}),
	}
	s.loadPersisted()
	return s
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
	deps []string
}

// WithTTL overrides the strategy's default TTL for this entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithTags attaches group-invalidation tags.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// WithDependencies links this entry to other cache keys; invalidating any of
// them schedules this entry for invalidation too.
func WithDependencies(keys ...string) SetOption {
	return func(o *setOptions) { o.deps = keys }
}

// Set stores or overwrites an entry. Writes are best-effort: a payload larger
// than the strategy's size cap is dropped with a warning, never an error.
func (s *Store[T]) Set(key string, data T, strategy Strategy, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	profile, ok := s.cfg.Profiles[strategy]
	if !ok {
		s.logger.Warn("unknown cache strategy, write dropped",
			log.String("key", key), log.String("strategy", strategy.String()))
		return
	}

	encoded, checksum, err := encoding.Marshal(data)
	if err != nil {
		s.logger.Warn("cache write not serializable, dropped",
			log.String("key", key), log.Error(err))
		return
	}

	size := int64(len(encoded))
	if size > profile.MaxEntrySize {
		s.logger.Warn("cache write exceeds strategy size cap, dropped",
			log.String("key", key),
			log.String("strategy", strategy.String()),
			log.Int64("size", size),
			log.Int64("max", profile.MaxEntrySize))
		return
	}

	ttl := profile.TTL
	if o.ttl > 0 {
		ttl = o.ttl
	}

	now := s.clk.Now()
	entry := &Entry[T]{
		Key:            key,
		Data:           data,
		Strategy:       strategy,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Size:           size,
		Tags:           o.tags,
		Dependencies:   o.deps,
		Checksum:       checksum,
	}

	s.mu.Lock()
	if old, exists := s.entries[key]; exists {
		s.usage -= old.Size
	}
	s.entries[key] = entry
	s.usage += size
	overPressure := float64(s.usage) > pressureThreshold*float64(s.cfg.MemoryCeiling)
	s.mu.Unlock()

	s.sink.Dispatch(dispatch.NewEvent("cache.entry_set", "cache", key))

	if overPressure {
		go s.Optimize()
	}
}

// Get returns the cached value, or the zero value and false on a miss. TTL
// expiry and checksum mismatches count as misses and remove the entry.
func (s *Store[T]) Get(key string) (T, bool) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++

	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		return zero, false
	}

	now := s.clk.Now()
	if now.After(entry.ExpiresAt) {
		s.removeLocked(key)
		s.misses++
		return zero, false
	}

	if s.cfg.IntegrityChecks && entry.Checksum != 0 && !encoding.Verify(entry.Data, entry.Checksum) {
		s.logger.Warn("cache integrity check failed, entry removed",
			log.String("key", key))
		s.removeLocked(key)
		s.misses++
		return zero, false
	}

	s.hits++
	entry.LastAccessedAt = now
	entry.AccessCount++
	return entry.Data, true
}

// Invalidate removes the entry if present and schedules invalidation for every
// other entry that lists key as a dependency. Invalidating an absent key is a
// no-op apart from the dependency scan.
func (s *Store[T]) Invalidate(key string) {
	s.mu.Lock()
	removed := s.removeLocked(key)
	for k, e := range s.entries {
		if k == key {
			continue
		}
		for _, dep := range e.Dependencies {
			if dep == key {
				s.pending[k] = struct{}{}
				break
			}
		}
	}
	s.mu.Unlock()

	if removed {
		s.sink.Dispatch(dispatch.NewEvent("cache.invalidated", "cache", key))
	}
}

// InvalidateByTags schedules invalidation for every entry sharing at least one
// of the given tags.
func (s *Store[T]) InvalidateByTags(tags ...string) {
	if len(tags) == 0 {
		return
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		wanted[t] = struct{}{}
	}

	s.mu.Lock()
	scheduled := 0
	for key, e := range s.entries {
		for _, t := range e.Tags {
			if _, ok := wanted[t]; ok {
				s.pending[key] = struct{}{}
				scheduled++
				break
			}
		}
	}
	s.mu.Unlock()

	if scheduled > 0 {
		s.sink.Dispatch(dispatch.NewEvent("cache.tags_invalidated", "cache", tags))
	}
}

// Optimize runs a capacity-driven eviction pass. Entries at critical eviction
// priority are exempt; among the rest, the lowest access-frequency score goes
// first, until usage drops to the eviction target. Overlapping passes collapse
// into one.
func (s *Store[T]) Optimize() {
	if !s.isOptimizing.CompareAndSwap(false, true) {
		return
	}
	defer s.isOptimizing.Store(false)

	target := int64(evictionTarget * float64(s.cfg.MemoryCeiling))
	now := s.clk.Now()

	s.mu.Lock()
	if s.usage <= target {
		s.mu.Unlock()
		return
	}

	candidates := sequence.NewHeap[*Entry[T]](func(a, b *Entry[T]) bool {
		return evictionScore(a, now) < evictionScore(b, now)
	})
	for _, e := range s.entries {
		if s.cfg.Profiles[e.Strategy].Priority == EvictionCritical {
			continue
		}
		candidates.Push(e)
	}

	evicted := 0
	for s.usage > target {
		e, ok := candidates.Pop()
		if !ok {
			break
		}
		s.removeLocked(e.Key)
		evicted++
	}
	usage := s.usage
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Info("eviction pass completed",
			log.Int("evicted", evicted), log.Int64("usage", usage))
		s.sink.Dispatch(dispatch.NewEvent("cache.evicted", "cache", evicted))
	}
}

// evictionScore ranks an entry's worth: frequently and recently accessed
// entries score high and are evicted last.
func evictionScore[T any](e *Entry[T], now time.Time) float64 {
	age := now.Sub(e.LastAccessedAt).Seconds()
	if age < 1 {
		age = 1
	}
	return float64(e.AccessCount) / age
}

// Clear drops every entry and pending invalidation. Hit/miss counters survive.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry[T])
	s.pending = make(map[string]struct{})
	s.usage = 0
	s.mu.Unlock()

	s.sink.Dispatch(dispatch.NewEvent("cache.cleared", "cache", nil))
}

// Stats returns the current observability snapshot.
func (s *Store[T]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Requests:    s.requests,
		MemoryUsage: s.usage,
		EntryCount:  len(s.entries),
	}
	if s.requests > 0 {
		st.HitRate = float64(s.hits) / float64(s.requests)
	}
	return st
}

// Len returns the live entry count.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartMaintenance begins the periodic maintenance loop: TTL sweep, scheduled
// invalidations, eviction when over the ceiling, and the persistence pass.
func (s *Store[T]) StartMaintenance() {
	ticker := s.clk.Ticker(s.cfg.MaintenanceInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.maintain()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the maintenance loop.
func (s *Store[T]) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store[T]) maintain() {
	now := s.clk.Now()

	s.mu.Lock()
	swept := 0
	for key, e := range s.entries {
		if now.After(e.ExpiresAt) {
			s.removeLocked(key)
			swept++
		}
	}

	// One-level cascade: pending keys are removed without scheduling their
	// own dependents.
	processed := 0
	for key := range s.pending {
		if s.removeLocked(key) {
			processed++
		}
	}
	s.pending = make(map[string]struct{})

	needsEviction := s.usage > s.cfg.MemoryCeiling
	s.mu.Unlock()

	if swept > 0 || processed > 0 {
		s.logger.Debug("maintenance pass",
			log.Int("expired", swept), log.Int("invalidated", processed))
	}

	if needsEviction {
		s.Optimize()
	}

	s.persistEntries()
}

// removeLocked deletes an entry and adjusts usage. Caller holds s.mu.
func (s *Store[T]) removeLocked(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	s.usage -= e.Size
	return true
}

func (s *Store[T]) persistEntries() {
	if s.persister == nil {
		return
	}

	s.mu.RLock()
	batch := make([]PersistedEntry, 0, 16)
	for _, e := range s.entries {
		profile := s.cfg.Profiles[e.Strategy]
		// Only high-value entries hit disk, to bound persisted volume.
		if !profile.Persist || profile.Priority < EvictionHigh {
			continue
		}
		encoded, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		batch = append(batch, PersistedEntry{
			Key:            e.Key,
			Strategy:       e.Strategy,
			Data:           encoded,
			CreatedAt:      e.CreatedAt,
			LastAccessedAt: e.LastAccessedAt,
			ExpiresAt:      e.ExpiresAt,
			AccessCount:    e.AccessCount,
			Size:           e.Size,
			Tags:           e.Tags,
			Dependencies:   e.Dependencies,
			Checksum:       e.Checksum,
		})
	}
	s.mu.RUnlock()

	if err := s.persister.Save(batch); err != nil {
		s.logger.Warn("cache persistence failed", log.Error(err))
	}
}

func (s *Store[T]) loadPersisted() {
	if s.persister == nil {
		return
	}

	persisted, err := s.persister.Load()
	if err != nil {
		s.logger.Warn("cache reload failed", log.Error(err))
		return
	}

	now := s.clk.Now()
	loaded := 0
	for _, p := range persisted {
		if now.After(p.ExpiresAt) {
			continue
		}
		var data T
		if err = json.Unmarshal(p.Data, &data); err != nil {
			s.logger.Warn("persisted cache entry not decodable, skipped",
				log.String("key", p.Key), log.Error(err))
			continue
		}
		s.entries[p.Key] = &Entry[T]{
			Key:            p.Key,
			Data:           data,
			Strategy:       p.Strategy,
			CreatedAt:      p.CreatedAt,
			LastAccessedAt: p.LastAccessedAt,
			ExpiresAt:      p.ExpiresAt,
			AccessCount:    p.AccessCount,
			Size:           p.Size,
			Tags:           p.Tags,
			Dependencies:   p.Dependencies,
			Checksum:       p.Checksum,
		}
		s.usage += p.Size
		loaded++
	}

	if loaded > 0 {
		s.logger.Info("cache entries reloaded from disk", log.Int("count", loaded))
	}
}
