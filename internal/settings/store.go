// Package settings owns dynamic configuration entries and adaptive scoring
// weights. Reads go through a TTL cache; the database is authoritative and
// every cached value can be re-derived from it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/cache"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
)

const DefaultTTL = 300 * time.Second

type Options struct {
	Cache  cache.Cache
	TTL    time.Duration
	Logger *zap.Logger
	// Defaults are served with source=default when no row exists.
	Defaults  map[string]string
	WeightMin float64
	WeightMax float64
}

type Store struct {
	Repo repo.Repo
	Now  func() time.Time

	cache    cache.Cache
	ttl      time.Duration
	log      *zap.Logger
	defaults map[string]string
	min      float64
	max      float64

	// mu orders cache fills against invalidations through gens.
	mu    sync.Mutex
	gens  map[string]uint64
	group singleflight.Group
}

func New(r repo.Repo, opts Options) (*Store, error) {
	lo, hi := opts.WeightMin, opts.WeightMax
	if lo == 0 && hi == 0 {
		hi = 1
	}
	if lo < 0 || math.IsNaN(lo) || math.IsNaN(hi) || lo > hi {
		return nil, apperr.InvalidArgument(fmt.Sprintf("invalid weight bounds [%v, %v]", lo, hi))
	}
	c := opts.Cache
	if c == nil {
		c = cache.Nop{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	defaults := make(map[string]string, len(opts.Defaults))
	for k, v := range opts.Defaults {
		defaults[k] = v
	}
	return &Store{
		Repo:     r,
		Now:      time.Now,
		cache:    c,
		ttl:      ttl,
		log:      log,
		defaults: defaults,
		min:      lo,
		max:      hi,
		gens:     map[string]uint64{},
	}, nil
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Bounds returns the inclusive range every weight is clamped to.
func (s *Store) Bounds() (float64, float64) {
	return s.min, s.max
}

func configCacheKey(key string) string { return "config:" + key }

func weightsCacheKey(contextKey string) string { return "weights:" + contextKey }

func (s *Store) generation(cacheKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[cacheKey]
}

// fill caches data only if no invalidation happened since gen was read.
func (s *Store) fill(ctx context.Context, cacheKey string, gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[cacheKey] != gen {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, data, s.ttl); err != nil {
		s.log.Warn("cache set failed", zap.String("key", cacheKey), zap.Error(err))
	}
}

func (s *Store) invalidate(ctx context.Context, cacheKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[cacheKey]++
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		s.log.Warn("cache delete failed", zap.String("key", cacheKey), zap.Error(err))
	}
}

func (s *Store) cached(ctx context.Context, cacheKey string) ([]byte, bool) {
	raw, err := s.cache.Get(ctx, cacheKey)
	if err == nil {
		return raw, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("cache unavailable, reading store", zap.String("key", cacheKey), zap.Error(err))
	}
	return nil, false
}

// load runs fn once per (key, generation) and caches its encoded result.
func (s *Store) load(ctx context.Context, cacheKey string, fn func() (any, error)) (any, error) {
	gen := s.generation(cacheKey)
	v, err, _ := s.group.Do(fmt.Sprintf("%s@%d", cacheKey, gen), func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, err
		}
		if data, merr := json.Marshal(v); merr == nil {
			s.fill(ctx, cacheKey, gen, data)
		}
		return v, nil
	})
	return v, err
}

// GetConfig returns the override for key, else its default.
func (s *Store) GetConfig(ctx context.Context, key string) (domain.ConfigEntry, error) {
	if key == "" {
		return domain.ConfigEntry{}, apperr.InvalidArgument("config key is required")
	}
	cacheKey := configCacheKey(key)
	if raw, ok := s.cached(ctx, cacheKey); ok {
		var e domain.ConfigEntry
		if err := json.Unmarshal(raw, &e); err == nil {
			return e, nil
		}
		s.log.Warn("discarding undecodable cache entry", zap.String("key", cacheKey))
	}
	v, err := s.load(ctx, cacheKey, func() (any, error) {
		e, err := s.Repo.GetConfigEntry(ctx, key)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.Persistence("get config "+key, err)
		}
		if def, ok := s.defaultValue(key); ok {
			return domain.ConfigEntry{Key: key, Value: def, Source: domain.SourceDefault}, nil
		}
		return nil, apperr.NotFound("config " + key)
	})
	if err != nil {
		return domain.ConfigEntry{}, err
	}
	return v.(domain.ConfigEntry), nil
}

func (s *Store) defaultValue(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.defaults[key]
	return v, ok
}

// SetDefault registers an in-memory default served when no row exists.
func (s *Store) SetDefault(ctx context.Context, key, value string) {
	s.mu.Lock()
	s.defaults[key] = value
	s.mu.Unlock()
	s.invalidate(ctx, configCacheKey(key))
}

// SetConfig persists an override and invalidates the cached entry. The next
// read repopulates the cache from the store.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return apperr.InvalidArgument("config key is required")
	}
	if err := s.Repo.UpsertConfigOverride(ctx, key, value, s.now()); err != nil {
		return apperr.Persistence("set config "+key, err)
	}
	s.invalidate(ctx, configCacheKey(key))
	s.log.Info("config override set", zap.String("key", key), zap.String("value", value))
	return nil
}

// ResetConfig drops the override so the default applies again.
func (s *Store) ResetConfig(ctx context.Context, key string) error {
	err := s.Repo.DeleteConfigOverride(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("config override " + key)
	}
	if err != nil {
		return apperr.Persistence("reset config "+key, err)
	}
	s.invalidate(ctx, configCacheKey(key))
	return nil
}

// SeedDefault stores a source=default row unless key already has a row.
func (s *Store) SeedDefault(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.Repo.InsertConfigDefault(ctx, key, value, s.now())
	if err != nil {
		return false, apperr.Persistence("seed config "+key, err)
	}
	if ok {
		s.invalidate(ctx, configCacheKey(key))
	}
	return ok, nil
}

// ListConfig merges stored rows with in-memory defaults, sorted by key.
func (s *Store) ListConfig(ctx context.Context) ([]domain.ConfigEntry, error) {
	rows, err := s.Repo.ListConfigEntries(ctx)
	if err != nil {
		return nil, apperr.Persistence("list config", err)
	}
	seen := make(map[string]bool, len(rows))
	for _, e := range rows {
		seen[e.Key] = true
	}
	s.mu.Lock()
	for k, v := range s.defaults {
		if !seen[k] {
			rows = append(rows, domain.ConfigEntry{Key: k, Value: v, Source: domain.SourceDefault})
		}
	}
	s.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

// Float reads key as a float. A missing key yields fallback.
func (s *Store) Float(ctx context.Context, key string, fallback float64) (float64, error) {
	e, err := s.GetConfig(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(e.Value), 64)
	if err != nil {
		return 0, apperr.InvalidArgument(fmt.Sprintf("config %s=%q is not a number", key, e.Value))
	}
	return v, nil
}

// Duration reads key as a Go duration ("30s") or a number of seconds. A
// missing or malformed value yields fallback.
func (s *Store) Duration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	e, err := s.GetConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("config read failed, using fallback", zap.String("key", key), zap.Error(err))
		}
		return fallback
	}
	d, ok := parseDuration(e.Value)
	if !ok {
		s.log.Warn("malformed duration, using fallback", zap.String("key", key), zap.String("value", e.Value))
		return fallback
	}
	return d
}

func parseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

// GetWeights returns the weights of contextKey keyed by criterion. An unknown
// context yields an empty map.
func (s *Store) GetWeights(ctx context.Context, contextKey string) (map[string]domain.Weight, error) {
	cacheKey := weightsCacheKey(contextKey)
	if raw, ok := s.cached(ctx, cacheKey); ok {
		var list []domain.Weight
		if err := json.Unmarshal(raw, &list); err == nil {
			return weightMap(list), nil
		}
		s.log.Warn("discarding undecodable cache entry", zap.String("key", cacheKey))
	}
	v, err := s.load(ctx, cacheKey, func() (any, error) {
		list, err := s.Repo.ListWeights(ctx, contextKey)
		if err != nil {
			return nil, apperr.Persistence("get weights "+contextKey, err)
		}
		if list == nil {
			list = []domain.Weight{}
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return weightMap(v.([]domain.Weight)), nil
}

func weightMap(list []domain.Weight) map[string]domain.Weight {
	m := make(map[string]domain.Weight, len(list))
	for _, w := range list {
		m[w.CriterionKey] = w
	}
	return m
}

func (s *Store) clamp(v float64) float64 {
	return math.Min(math.Max(v, s.min), s.max)
}

func validWeightKeys(contextKey, criterionKey string) error {
	if contextKey == "" || criterionKey == "" {
		return apperr.InvalidArgument("context and criterion are required")
	}
	return nil
}

// SetWeight writes value clamped to the configured bounds.
func (s *Store) SetWeight(ctx context.Context, contextKey, criterionKey string, value float64) (domain.Weight, error) {
	if err := validWeightKeys(contextKey, criterionKey); err != nil {
		return domain.Weight{}, err
	}
	if math.IsNaN(value) {
		return domain.Weight{}, apperr.InvalidArgument("weight must be a number")
	}
	w := domain.Weight{ContextKey: contextKey, CriterionKey: criterionKey, Value: s.clamp(value), UpdatedAt: s.now()}
	if err := s.Repo.UpsertWeight(ctx, w); err != nil {
		return domain.Weight{}, apperr.Persistence("set weight", err)
	}
	s.invalidate(ctx, weightsCacheKey(contextKey))
	return w, nil
}

// SeedWeight inserts a clamped weight unless the criterion already exists.
func (s *Store) SeedWeight(ctx context.Context, contextKey, criterionKey string, value float64) (bool, error) {
	if err := validWeightKeys(contextKey, criterionKey); err != nil {
		return false, err
	}
	ok, err := s.Repo.InsertWeightIfAbsent(ctx, domain.Weight{ContextKey: contextKey, CriterionKey: criterionKey, Value: s.clamp(value), UpdatedAt: s.now()})
	if err != nil {
		return false, apperr.Persistence("seed weight", err)
	}
	if ok {
		s.invalidate(ctx, weightsCacheKey(contextKey))
	}
	return ok, nil
}

// AdjustWeight applies delta atomically and clamps the stored result to
// [min, max]. The caller decides the delta.
func (s *Store) AdjustWeight(ctx context.Context, contextKey, criterionKey string, delta float64) (domain.Weight, error) {
	if err := validWeightKeys(contextKey, criterionKey); err != nil {
		return domain.Weight{}, err
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return domain.Weight{}, apperr.InvalidArgument("delta must be finite")
	}
	w, err := s.Repo.AdjustWeight(ctx, contextKey, criterionKey, delta, s.min, s.max, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Weight{}, apperr.NotFound(fmt.Sprintf("weight %s/%s", contextKey, criterionKey))
	}
	if err != nil {
		return domain.Weight{}, apperr.Persistence("adjust weight", err)
	}
	s.invalidate(ctx, weightsCacheKey(contextKey))
	s.log.Debug("weight adjusted",
		zap.String("context", contextKey),
		zap.String("criterion", criterionKey),
		zap.Float64("delta", delta),
		zap.Float64("value", w.Value))
	return w, nil
}

func (s *Store) Contexts(ctx context.Context) ([]string, error) {
	list, err := s.Repo.ListWeightContexts(ctx)
	if err != nil {
		return nil, apperr.Persistence("list weight contexts", err)
	}
	return list, nil
}

// Refresh drops cached entries for the given config keys, or for every known
// config key and weight context when keys is empty. It returns how many cache
// keys were invalidated.
func (s *Store) Refresh(ctx context.Context, keys ...string) (int, error) {
	if len(keys) > 0 {
		for _, k := range keys {
			s.invalidate(ctx, configCacheKey(k))
		}
		return len(keys), nil
	}
	entries, err := s.ListConfig(ctx)
	if err != nil {
		return 0, err
	}
	contexts, err := s.Contexts(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		s.invalidate(ctx, configCacheKey(e.Key))
	}
	for _, c := range contexts {
		s.invalidate(ctx, weightsCacheKey(c))
	}
	return len(entries) + len(contexts), nil
}
