// Package bench drives rounds of concurrent document mutations, one batch
// per strategy, and times how long each strategy takes to get every writer
// through. Strategies run sequentially within a round so their timings are
// not skewed by cross-strategy contention.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danielmarbach/leasebench/lock"
	"github.com/danielmarbach/leasebench/metrics"
	"github.com/danielmarbach/leasebench/mutator"
	"github.com/danielmarbach/leasebench/store"
)

var tracer = otel.Tracer("github.com/danielmarbach/leasebench/bench")

// Strategy names as reported in results, metrics and logs.
const (
	StrategyOptimistic  = "optimistic"
	StrategyPessimistic = "pessimistic"
)

// Config controls a benchmark run.
type Config struct {
	// Writers is the number of concurrent mutation attempts per strategy
	// per round.
	Writers int
	// Rounds is the number of timed rounds.
	Rounds int
	// RetryBackoff is the delay between attempts of one logical mutation.
	RetryBackoff time.Duration
	// PollBackoff is the lease acquisition poll interval.
	PollBackoff time.Duration
	// LeaseDuration is the lease TTL for the pessimistic strategy.
	LeaseDuration time.Duration
	// MaxAttempts bounds the retry loop of each logical mutation and the
	// lease acquisition loop. Zero removes the bound; a systematic failure
	// then blocks the round forever instead of failing it.
	MaxAttempts int
}

// DefaultConfig returns the canonical contention settings.
func DefaultConfig() Config {
	return Config{
		Writers:       50,
		Rounds:        5,
		RetryBackoff:  10 * time.Millisecond,
		PollBackoff:   50 * time.Millisecond,
		LeaseDuration: time.Minute,
		MaxAttempts:   1000,
	}
}

// Result is one timed strategy round.
type Result struct {
	Strategy string
	Round    int
	Elapsed  time.Duration
	Retries  int64
}

// Runner executes benchmark rounds against a single store.
type Runner struct {
	store store.Store
	cfg   Config
	log   *slog.Logger
}

// NewRunner returns a Runner for the given store and configuration. Zero
// config fields fall back to their defaults. A nil logger uses slog.Default.
func NewRunner(st store.Store, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Writers <= 0 {
		cfg.Writers = def.Writers
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = def.Rounds
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = def.PollBackoff
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, cfg: cfg, log: logger}
}

// Run executes all configured rounds and returns one Result per strategy per
// round, in execution order. The first terminal error aborts the run and is
// returned alongside the results gathered so far.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, r.cfg.Rounds*2)
	for round := 0; round < r.cfg.Rounds; round++ {
		for _, strategy := range []string{StrategyOptimistic, StrategyPessimistic} {
			res, err := r.runRound(ctx, strategy, round)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (r *Runner) runRound(ctx context.Context, strategy string, round int) (Result, error) {
	ctx, span := tracer.Start(ctx, "bench.round", trace.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Int("round", round),
	))
	defer span.End()

	docID := fmt.Sprintf("doc-%s-%d", strategy, round)
	if err := r.resetDocument(ctx, docID); err != nil {
		return Result{}, fmt.Errorf("bench: reset %s: %w", docID, err)
	}

	mutate := r.mutatorFor(strategy, docID)
	var retries atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Writers; i++ {
		transform := mutator.AppendItemOnce(strconv.Itoa(i))
		g.Go(func() error {
			backoff := retry.NewConstant(r.cfg.RetryBackoff)
			if r.cfg.MaxAttempts > 0 {
				backoff = retry.WithMaxRetries(uint64(r.cfg.MaxAttempts), backoff)
			}
			return retry.Do(gctx, backoff, func(ctx context.Context) error {
				err := mutate(ctx, transform)
				if err == nil {
					return nil
				}
				if !retryable(err) {
					return err
				}
				retries.Add(1)
				metrics.MutationRetries.WithLabelValues(strategy).Inc()
				return retry.RetryableError(err)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("bench: %s round %d: %w", strategy, round, err)
	}
	elapsed := time.Since(start)

	if err := r.verifyDocument(ctx, docID); err != nil {
		return Result{}, err
	}

	metrics.RoundDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	r.log.Info("round complete",
		"strategy", strategy, "round", round,
		"elapsed", elapsed, "retries", retries.Load())
	return Result{Strategy: strategy, Round: round, Elapsed: elapsed, Retries: retries.Load()}, nil
}

// mutatorFor wraps a strategy's mutator in a uniform function. Each round
// gets a fresh lease resource so rounds cannot contend with each other.
func (r *Runner) mutatorFor(strategy, docID string) func(context.Context, mutator.Transform) error {
	switch strategy {
	case StrategyPessimistic:
		lease := lock.New(r.store,
			lock.WithPollBackoff(r.cfg.PollBackoff),
			lock.WithMaxAttempts(r.cfg.MaxAttempts))
		m := mutator.NewPessimistic(r.store, lease, "lease-"+docID, r.cfg.LeaseDuration)
		return func(ctx context.Context, transform mutator.Transform) error {
			return m.Mutate(ctx, docID, transform)
		}
	default:
		m := mutator.NewOptimistic(r.store)
		return func(ctx context.Context, transform mutator.Transform) error {
			return m.Mutate(ctx, docID, transform)
		}
	}
}

func (r *Runner) resetDocument(ctx context.Context, id string) error {
	if err := r.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	_, err := r.store.SaveDocument(ctx, store.Document{ID: id}, store.AnyVersion)
	return err
}

// verifyDocument checks the completeness guarantee: every writer's ordinal
// shows up exactly once.
func (r *Runner) verifyDocument(ctx context.Context, id string) error {
	doc, _, err := r.store.LoadDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("bench: verify %s: %w", id, err)
	}
	if len(doc.Items) != r.cfg.Writers {
		return fmt.Errorf("bench: verify %s: got %d items, want %d", id, len(doc.Items), r.cfg.Writers)
	}
	seen := make(map[string]struct{}, len(doc.Items))
	for _, item := range doc.Items {
		if _, dup := seen[item]; dup {
			return fmt.Errorf("bench: verify %s: duplicate item %q", id, item)
		}
		seen[item] = struct{}{}
	}
	return nil
}

// retryable classifies errors for the per-writer retry loop. Conflicts and
// transient store failures are retried; context errors and anything unknown
// terminate the round visibly.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, store.ErrVersionConflict) ||
		errors.Is(err, lock.ErrLockUnavailable) ||
		errors.Is(err, lock.ErrTakeoverConflict) ||
		store.IsTransient(err)
}
