package mutator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielmarbach/leasebench/lock"
	"github.com/danielmarbach/leasebench/store"
)

// faultStore wraps a Store and lets tests fail document saves and count
// exchange deletes.
type faultStore struct {
	store.Store
	saveErr     error
	deleteCalls atomic.Int64
}

func (f *faultStore) SaveDocument(ctx context.Context, doc store.Document, expected store.Version) (store.Version, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	return f.Store.SaveDocument(ctx, doc, expected)
}

func (f *faultStore) CompareExchangeDelete(ctx context.Context, key string, expected int64) (bool, error) {
	f.deleteCalls.Add(1)
	return f.Store.CompareExchangeDelete(ctx, key, expected)
}

func TestOptimisticAppend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewOptimistic(st)

	if err := m.Mutate(ctx, "d", AppendItem("0")); err != nil {
		t.Fatalf("mutate fresh document: %v", err)
	}
	if err := m.Mutate(ctx, "d", AppendItem("1")); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	doc, _, err := st.LoadDocument(ctx, "d")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Items) != 2 || doc.Items[0] != "0" || doc.Items[1] != "1" {
		t.Fatalf("items: %v", doc.Items)
	}
}

func TestOptimisticVersionConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewOptimistic(st)

	if err := m.Mutate(ctx, "d", AppendItem("0")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Sneak a concurrent save in between load and save.
	raced := func(items []string) []string {
		if _, err := st.SaveDocument(ctx, store.Document{ID: "d", Items: items}, store.AnyVersion); err != nil {
			t.Fatalf("interleaved save: %v", err)
		}
		return append(items, "1")
	}
	if err := m.Mutate(ctx, "d", raced); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestPessimisticSerializes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease := lock.New(st, lock.WithPollBackoff(time.Millisecond))
			m := NewPessimistic(st, lease, "lease-d", time.Minute)
			if err := m.Mutate(ctx, "d", AppendItem(strconv.Itoa(i))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	doc, _, err := st.LoadDocument(ctx, "d")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Items) != writers {
		t.Fatalf("got %d items, want %d: %v", len(doc.Items), writers, doc.Items)
	}
	seen := make(map[string]struct{})
	for _, item := range doc.Items {
		if _, dup := seen[item]; dup {
			t.Fatalf("duplicate item %q", item)
		}
		seen[item] = struct{}{}
	}
}

func TestPessimisticReleaseAlwaysRuns(t *testing.T) {
	ctx := context.Background()
	fs := &faultStore{Store: store.NewMemory(), saveErr: errors.New("save boom")}
	lease := lock.New(fs, lock.WithPollBackoff(time.Millisecond))
	m := NewPessimistic(fs, lease, "lease-d", time.Minute)

	err := m.Mutate(ctx, "d", AppendItem("0"))
	if err == nil || !errors.Is(err, fs.saveErr) {
		t.Fatalf("want save failure, got %v", err)
	}
	if got := fs.deleteCalls.Load(); got != 1 {
		t.Fatalf("release attempts: got %d, want 1", got)
	}

	// The lease must be free again: a bounded acquire succeeds immediately.
	probe := lock.New(fs, lock.WithMaxAttempts(1))
	token, err := probe.Acquire(ctx, "lease-d", time.Minute)
	if err != nil {
		t.Fatalf("lease still held after failed mutation: %v", err)
	}
	_ = probe.Release(ctx, "lease-d", token)
}

func TestPessimisticTakeoverConflictSurfaced(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	lease := lock.New(st, lock.WithPollBackoff(time.Millisecond))
	m := NewPessimistic(st, lease, "lease-d", 10*time.Millisecond)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- m.Mutate(ctx, "d", func(items []string) []string {
			close(entered)
			<-proceed
			return append(items, "slow")
		})
	}()

	<-entered
	// Wait out the lease and steal it while the mutation is still inside
	// its critical section.
	time.Sleep(25 * time.Millisecond)
	thief := lock.New(st, lock.WithPollBackoff(time.Millisecond))
	token, err := thief.Acquire(ctx, "lease-d", time.Minute)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	close(proceed)

	if err := <-result; !errors.Is(err, lock.ErrTakeoverConflict) {
		t.Fatalf("want ErrTakeoverConflict, got %v", err)
	}
	if err := thief.Release(ctx, "lease-d", token); err != nil {
		t.Fatalf("thief release: %v", err)
	}

	// The slow mutation's unchecked save still committed.
	doc, _, err := st.LoadDocument(ctx, "d")
	if err != nil || len(doc.Items) != 1 || doc.Items[0] != "slow" {
		t.Fatalf("load: %v items %v", err, doc.Items)
	}
}

func TestAppendItemOnce(t *testing.T) {
	tr := AppendItemOnce("a")
	items := tr(nil)
	items = tr(items)
	if len(items) != 1 || items[0] != "a" {
		t.Fatalf("items: %v", items)
	}
}
