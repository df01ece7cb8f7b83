// Package mutator implements the two contention strategies under test:
// optimistic version-checked mutation and pessimistic lease-protected
// mutation. Neither strategy retries on its own; retry policy belongs to the
// caller.
package mutator

import (
	"context"
	"errors"
	"time"

	"github.com/danielmarbach/leasebench/lock"
	"github.com/danielmarbach/leasebench/metrics"
	"github.com/danielmarbach/leasebench/store"
)

// Transform rewrites a document's item sequence in memory.
type Transform func(items []string) []string

// AppendItem returns a Transform that appends item to the sequence.
func AppendItem(item string) Transform {
	return func(items []string) []string {
		return append(items, item)
	}
}

// AppendItemOnce returns a Transform that appends item unless it is already
// present. A retried mutation whose previous attempt committed but failed
// afterwards (e.g. on release) then stays idempotent.
func AppendItemOnce(item string) Transform {
	return func(items []string) []string {
		for _, existing := range items {
			if existing == item {
				return items
			}
		}
		return append(items, item)
	}
}

// Optimistic performs a version-checked load-mutate-save. A concurrent save
// between load and save surfaces as store.ErrVersionConflict; the caller is
// expected to retry with a fresh load.
type Optimistic struct {
	store store.DocumentStore
}

// NewOptimistic returns an optimistic mutator on the given store.
func NewOptimistic(st store.DocumentStore) *Optimistic {
	return &Optimistic{store: st}
}

// Mutate applies transform to the document once.
func (m *Optimistic) Mutate(ctx context.Context, docID string, transform Transform) error {
	doc, version, err := m.store.LoadDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{ID: docID}
		version = 0
	} else if err != nil {
		return err
	}
	doc.Items = transform(doc.Items)
	if _, err := m.store.SaveDocument(ctx, doc, version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return err
	}
	return nil
}

// Pessimistic serializes mutations of one resource behind a lease, so the
// save itself needs no version check. Correctness depends on the lease
// duration exceeding the load-mutate-save latency; when it does not, Release
// reports lock.ErrTakeoverConflict, which is joined into the returned error.
type Pessimistic struct {
	store    store.DocumentStore
	lease    *lock.Lease
	resource string
	ttl      time.Duration
}

// NewPessimistic returns a pessimistic mutator guarding docID mutations with
// a lease on resource.
func NewPessimistic(st store.DocumentStore, lease *lock.Lease, resource string, ttl time.Duration) *Pessimistic {
	return &Pessimistic{store: st, lease: lease, resource: resource, ttl: ttl}
}

// Mutate acquires the lease, applies transform with an unchecked save, and
// releases the lease on every exit path.
func (m *Pessimistic) Mutate(ctx context.Context, docID string, transform Transform) (err error) {
	token, err := m.lease.Acquire(ctx, m.resource, m.ttl)
	if err != nil {
		return err
	}
	defer func() {
		// Release must run even when the mutation body failed or ctx was
		// cancelled mid-flight, so it gets a cancellation-free context.
		if rerr := m.lease.Release(context.WithoutCancel(ctx), m.resource, token); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	doc, _, err := m.store.LoadDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{ID: docID}
	} else if err != nil {
		return err
	}
	doc.Items = transform(doc.Items)
	_, err = m.store.SaveDocument(ctx, doc, store.AnyVersion)
	return err
}
