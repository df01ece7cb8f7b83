package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/danielmarbach/leasebench/metrics"
	"github.com/danielmarbach/leasebench/store"
)

// DefaultPollBackoff is the delay between acquisition attempts when the
// lease is held by someone else.
const DefaultPollBackoff = 50 * time.Millisecond

var (
	// ErrLockUnavailable is returned when the lease is held, not yet
	// expired, and the configured attempt budget ran out.
	ErrLockUnavailable = errors.New("lock: lease unavailable")
	// ErrTakeoverConflict is returned by Release when the lease was already
	// reclaimed by another holder. It means the lease duration was shorter
	// than the critical section it was supposed to cover.
	ErrTakeoverConflict = errors.New("lock: lease reclaimed before release")
)

// Token identifies one successful acquisition. It equals the exchange index
// of the lease record and is required to release the lease.
type Token int64

// Record is the lease payload stored under the resource key.
type Record struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease can be taken over at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Lease acquires and releases leases for one owner. Instances are safe for
// concurrent use; every process (or test actor) contending for a resource
// typically holds its own Lease.
type Lease struct {
	store       store.ExchangeStore
	owner       string
	pollBackoff time.Duration
	maxAttempts int
}

// Option configures a Lease.
type Option func(*Lease)

// WithPollBackoff sets the delay between acquisition attempts.
func WithPollBackoff(d time.Duration) Option {
	return func(l *Lease) {
		l.pollBackoff = d
	}
}

// WithMaxAttempts bounds Acquire's retry loop. Zero keeps the loop
// unbounded, which can block forever if the holder never releases; bounded
// callers get ErrLockUnavailable once the budget is spent.
func WithMaxAttempts(n int) Option {
	return func(l *Lease) {
		l.maxAttempts = n
	}
}

// New returns a Lease backed by the given exchange store.
func New(st store.ExchangeStore, opts ...Option) *Lease {
	l := &Lease{
		store:       st,
		owner:       uuid.NewString(),
		pollBackoff: DefaultPollBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the lease on resource is held, the attempt budget is
// exhausted, or ctx is cancelled. The returned token must be passed to
// Release.
func (l *Lease) Acquire(ctx context.Context, resource string, ttl time.Duration) (Token, error) {
	for attempt := 1; ; attempt++ {
		token, ok, err := l.tryAcquire(ctx, resource, ttl)
		if err != nil {
			return 0, err
		}
		if ok {
			return token, nil
		}
		if l.maxAttempts > 0 && attempt >= l.maxAttempts {
			return 0, fmt.Errorf("lock: %q after %d attempts: %w", resource, attempt, ErrLockUnavailable)
		}
		metrics.LeaseAcquirePolls.Inc()
		select {
		case <-time.After(l.pollBackoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// tryAcquire makes one pass of the acquisition protocol: create if absent,
// otherwise take over if expired. ok=false without error means the lease is
// held by a live owner (or the takeover lost a race) and the caller should
// back off.
func (l *Lease) tryAcquire(ctx context.Context, resource string, ttl time.Duration) (Token, bool, error) {
	payload, err := json.Marshal(Record{Owner: l.owner, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return 0, false, err
	}
	ok, current, index, err := l.store.CompareExchangePut(ctx, resource, payload, 0)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return Token(index), true, nil
	}
	var held Record
	if err := json.Unmarshal(current, &held); err != nil {
		return 0, false, fmt.Errorf("lock: decode lease record for %q: %w", resource, err)
	}
	if !held.Expired(time.Now()) {
		return 0, false, nil
	}
	// The record expired in place. Replace it conditioned on the index we
	// just observed; losing this race to a third party is just another
	// reason to back off.
	payload, err = json.Marshal(Record{Owner: l.owner, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return 0, false, err
	}
	ok, _, index, err = l.store.CompareExchangePut(ctx, resource, payload, index)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	metrics.LeaseTakeovers.Inc()
	slog.Debug("leasebench: took over expired lease", "resource", resource, "token", index)
	return Token(index), true, nil
}

// Release deletes the lease record if token still matches its exchange
// index. A mismatch means the lease expired and was reclaimed while held;
// that is reported as ErrTakeoverConflict and never retried.
func (l *Lease) Release(ctx context.Context, resource string, token Token) error {
	ok, err := l.store.CompareExchangeDelete(ctx, resource, int64(token))
	if err != nil {
		return err
	}
	if !ok {
		metrics.TakeoverConflicts.Inc()
		slog.Warn("leasebench: lease reclaimed before release", "resource", resource, "token", token)
		return fmt.Errorf("lock: release %q: %w", resource, ErrTakeoverConflict)
	}
	return nil
}
