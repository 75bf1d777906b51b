package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"nexus-orchestrator/backend/internal/logging"
	"nexus-orchestrator/backend/pkg/models"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// CacheSize is the maximum number of cached schemas.
	CacheSize int64
	TTL       time.Duration
	// FetchTimeout bounds one shared fetch across all sources.
	FetchTimeout time.Duration
	Builtins     []*models.ConnectorSchema
	Versioner    Versioner
	Logger       *logging.Logger
}

// Resolver looks up connector schemas. Built-in schemas win, then the cache,
// then each source in order. Fetch failures are never cached.
type Resolver struct {
	sources   []Source
	builtins  map[string]*models.ConnectorSchema
	cache     *ristretto.Cache
	ttl       time.Duration
	timeout   time.Duration
	group     singleflight.Group
	versioner Versioner
	log       *logging.Logger

	mu      sync.Mutex
	version string
}

// NewResolver creates a Resolver over the given sources.
func NewResolver(opts ResolverOptions, sources ...Source) (*Resolver, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        10 * opts.CacheSize,
		MaxCost:            opts.CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	builtins := make(map[string]*models.ConnectorSchema, len(opts.Builtins))
	for _, s := range opts.Builtins {
		builtins[s.Key] = s
	}
	return &Resolver{
		sources:   sources,
		builtins:  builtins,
		cache:     cache,
		ttl:       opts.TTL,
		timeout:   opts.FetchTimeout,
		versioner: opts.Versioner,
		log:       opts.Logger,
	}, nil
}

func cacheKey(id, env string) string {
	return env + "/" + id
}

// Get returns the schema of connector id in env.
func (r *Resolver) Get(ctx context.Context, id, env string) (*models.ConnectorSchema, error) {
	if s, ok := r.builtins[id]; ok {
		return s, nil
	}
	key := cacheKey(id, env)
	if v, ok := r.cache.Get(key); ok {
		return v.(*models.ConnectorSchema), nil
	}

	// The fetch is shared by every caller waiting on key, so it does not
	// inherit the cancellation of whichever caller started it.
	results := r.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.fetch(fetchCtx, key, id, env)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			r.log.Warn("error getting connector schema", "connector", id, "environment", env, "error", res.Err)
			return nil, res.Err
		}
		return res.Val.(*models.ConnectorSchema), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context, key, id, env string) (*models.ConnectorSchema, error) {
	for _, src := range r.sources {
		schema, err := src.Fetch(ctx, id, env)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.cache.SetWithTTL(key, schema, 1, r.ttl)
		r.cache.Wait()
		return schema, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Invalidate drops every cached schema.
func (r *Resolver) Invalidate() {
	r.cache.Clear()
}

// ObserveVersion records the externally published schema version and clears
// the cache when it changed. It reports whether the cache was cleared.
func (r *Resolver) ObserveVersion(version string) bool {
	r.mu.Lock()
	prev := r.version
	r.version = version
	r.mu.Unlock()

	if prev == "" || prev == version {
		return false
	}
	r.log.Info("connector schema version changed", "from", prev, "to", version)
	r.Invalidate()
	return true
}

// Watch polls the versioner until ctx is done.
func (r *Resolver) Watch(ctx context.Context, every time.Duration) {
	if r.versioner == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		r.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Resolver) poll(ctx context.Context) {
	version, err := r.versioner.Version(ctx)
	if err != nil {
		r.log.Debug("schema version check failed", "error", err)
		return
	}
	r.ObserveVersion(version)
}

// Close releases the cache.
func (r *Resolver) Close() {
	r.cache.Close()
}
