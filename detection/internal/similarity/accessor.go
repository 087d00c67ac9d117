// Package similarity finds nearest-neighbor records for an embedding, using
// a vector index when available and an in-process cosine scan otherwise.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
)

// SelfMatchCutoff excludes near-identical vectors, which are almost always
// the query record itself or a re-upload of it.
const SelfMatchCutoff = 0.9999

// indexHeadroom is how many extra rows an index query fetches so that
// filtered self-matches do not shrink the result below k.
const indexHeadroom = 5

// ErrTimedOut is carried by Result.Err when the search hit its deadline.
var ErrTimedOut = errors.New("similarity search timed out")

// Index is a persistent vector index.
type Index interface {
	NearestNeighbors(ctx context.Context, q models.VectorQuery) ([]models.Neighbor, error)
}

// CandidateSource loads recent embedded records for brute-force comparison.
type CandidateSource interface {
	RecentCandidates(ctx context.Context, q models.VectorQuery, limit int) ([]models.SimilarityCandidate, error)
}

// Request is one similarity lookup.
type Request struct {
	TenantID        string
	ExcludeUploadID string
	Embedding       []float32
	K               int
	MinScore        float64
	PreferIndex     bool
}

// Result holds both neighbor sets, each sorted by descending similarity.
// TimedOut means inconclusive: callers must not treat it as "no match".
type Result struct {
	LocalPrev []models.Neighbor
	Global    []models.Neighbor
	TimedOut  bool
	Backend   string
	Err       error
}

// Empty reports whether neither scope returned a neighbor.
func (r Result) Empty() bool {
	return len(r.LocalPrev) == 0 && len(r.Global) == 0
}

// BestLocal returns the top same-tenant neighbor, if any.
func (r Result) BestLocal() (models.Neighbor, bool) {
	if len(r.LocalPrev) == 0 {
		return models.Neighbor{}, false
	}
	return r.LocalPrev[0], true
}

// BestGlobal returns the top cross-tenant neighbor, if any.
func (r Result) BestGlobal() (models.Neighbor, bool) {
	if len(r.Global) == 0 {
		return models.Neighbor{}, false
	}
	return r.Global[0], true
}

// Options tunes the accessor.
type Options struct {
	K               int
	Timeout         time.Duration
	PreferIndex     bool
	EmptyRetries    int
	RetryBase       time.Duration
	Workers         int
	LocalWindowCap  int
	GlobalWindowCap int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		K:               5,
		Timeout:         10 * time.Minute,
		PreferIndex:     true,
		EmptyRetries:    2,
		RetryBase:       time.Second,
		Workers:         4,
		LocalWindowCap:  1000,
		GlobalWindowCap: 500,
	}
}

// OptionsFrom maps configuration onto Options, keeping defaults for zero values.
func OptionsFrom(cfg config.SimilarityConfig) Options {
	opts := DefaultOptions()
	opts.PreferIndex = cfg.PreferIndex
	if cfg.K > 0 {
		opts.K = cfg.K
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.EmptyRetries >= 0 {
		opts.EmptyRetries = cfg.EmptyRetries
	}
	if cfg.RetryBase > 0 {
		opts.RetryBase = cfg.RetryBase
	}
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	if cfg.LocalWindowCap > 0 {
		opts.LocalWindowCap = cfg.LocalWindowCap
	}
	if cfg.GlobalWindowCap > 0 {
		opts.GlobalWindowCap = cfg.GlobalWindowCap
	}
	return opts
}

// Accessor runs similarity searches against an index with brute-force fallback.
type Accessor struct {
	index   Index
	source  CandidateSource
	opts    Options
	sleeper retry.Sleeper
	logger  *logging.Logger
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithSleeper replaces the wall-clock sleeper used between retries.
func WithSleeper(s retry.Sleeper) Option {
	return func(a *Accessor) { a.sleeper = s }
}

// WithLogger sets the accessor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

// NewAccessor builds an accessor. index may be nil, in which case every
// search is brute force.
func NewAccessor(index Index, source CandidateSource, opts Options, options ...Option) *Accessor {
	a := &Accessor{
		index:   index,
		source:  source,
		opts:    opts,
		sleeper: retry.RealSleeper,
		logger:  logging.Default(),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Options returns the accessor's settings.
func (a *Accessor) Options() Options {
	return a.opts
}

// NewRequest fills a request with the accessor's defaults.
func (a *Accessor) NewRequest(tenantID, excludeUploadID string, embedding []float32) Request {
	return Request{
		TenantID:        tenantID,
		ExcludeUploadID: excludeUploadID,
		Embedding:       embedding,
		K:               a.opts.K,
		PreferIndex:     a.opts.PreferIndex,
	}
}

// FindSimilar searches both scopes under the configured deadline. It never
// blocks past the deadline: a late search yields an empty result with
// TimedOut set.
func (a *Accessor) FindSimilar(ctx context.Context, req Request) Result {
	if len(req.Embedding) == 0 {
		return Result{Err: fmt.Errorf("empty embedding")}
	}
	if req.K <= 0 {
		req.K = a.opts.K
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultOptions().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- a.search(ctx, req) }()

	select {
	case res := <-done:
		if res.Empty() && ctx.Err() != nil {
			return Result{TimedOut: true, Backend: res.Backend, Err: ErrTimedOut}
		}
		return res
	case <-ctx.Done():
		return Result{TimedOut: true, Err: ErrTimedOut}
	}
}

// FindSimilarWithRetry repeats an empty, failed search with exponential
// backoff. Successful empty searches and timeouts return immediately.
func (a *Accessor) FindSimilarWithRetry(ctx context.Context, req Request) Result {
	var res Result
	policy := retry.Policy{
		MaxAttempts: a.opts.EmptyRetries + 1,
		Backoff:     retry.Exponential(a.opts.RetryBase, 0),
		Sleeper:     a.sleeper,
	}
	_ = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res = a.FindSimilar(ctx, req)
		if res.TimedOut || !res.Empty() || res.Err == nil {
			return nil
		}
		a.logger.DebugContext(ctx, "similarity search failed, retrying",
			logging.Attempt(attempt), logging.Error(res.Err))
		return res.Err
	})
	return res
}

// FindSimilarBatch runs one retrying search per request on a bounded worker
// pool. Results are returned in request order.
func (a *Accessor) FindSimilarBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	workers := a.opts.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range reqs {
		i := i
		g.Go(func() error {
			results[i] = a.FindSimilarWithRetry(gctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Accessor) search(ctx context.Context, req Request) Result {
	if req.PreferIndex && a.index != nil {
		res, err := a.searchIndex(ctx, req)
		if err == nil {
			return res
		}
		if ctx.Err() != nil {
			return Result{Backend: "index", Err: err}
		}
		a.logger.WarnContext(ctx, "vector index search failed, falling back to brute force",
			logging.TenantID(req.TenantID), logging.Error(err))
	}

	res, err := a.searchBruteForce(ctx, req)
	if err != nil {
		return Result{Backend: "brute_force", Err: err}
	}
	return res
}

func (a *Accessor) searchIndex(ctx context.Context, req Request) (Result, error) {
	var local, global []models.Neighbor
	base := models.VectorQuery{
		TenantID:        req.TenantID,
		ExcludeUploadID: req.ExcludeUploadID,
		Embedding:       req.Embedding,
		K:               req.K + indexHeadroom,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := base
		q.Scope = models.ScopeLocal
		n, err := a.index.NearestNeighbors(gctx, q)
		local = n
		return err
	})
	g.Go(func() error {
		q := base
		q.Scope = models.ScopeGlobal
		n, err := a.index.NearestNeighbors(gctx, q)
		global = n
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return Result{
		LocalPrev: refine(local, req.K, req.MinScore),
		Global:    refine(global, req.K, req.MinScore),
		Backend:   "index",
	}, nil
}

func (a *Accessor) searchBruteForce(ctx context.Context, req Request) (Result, error) {
	if a.source == nil {
		return Result{}, fmt.Errorf("no candidate source configured")
	}
	localWindow := min(req.K*200, a.opts.LocalWindowCap)
	globalWindow := min(req.K*100, a.opts.GlobalWindowCap)

	var local, global []models.Neighbor
	base := models.VectorQuery{TenantID: req.TenantID, ExcludeUploadID: req.ExcludeUploadID, K: req.K}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := base
		q.Scope = models.ScopeLocal
		candidates, err := a.source.RecentCandidates(gctx, q, localWindow)
		if err != nil {
			return fmt.Errorf("load local candidates: %w", err)
		}
		local = TopK(req.Embedding, candidates, req.K, req.MinScore)
		return nil
	})
	g.Go(func() error {
		q := base
		q.Scope = models.ScopeGlobal
		candidates, err := a.source.RecentCandidates(gctx, q, globalWindow)
		if err != nil {
			return fmt.Errorf("load global candidates: %w", err)
		}
		global = TopK(req.Embedding, candidates, req.K, req.MinScore)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return Result{LocalPrev: local, Global: global, Backend: "brute_force"}, nil
}

// refine drops self-matches and out-of-range scores, dedupes by record id,
// sorts descending and caps at k.
func refine(in []models.Neighbor, k int, minScore float64) []models.Neighbor {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Neighbor, 0, len(in))
	for _, n := range in {
		if !accept(n.Similarity, minScore) {
			continue
		}
		if _, dup := seen[n.RecordID]; dup {
			continue
		}
		seen[n.RecordID] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func accept(sim, minScore float64) bool {
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return false
	}
	return sim >= 0 && sim >= minScore && sim < SelfMatchCutoff
}
