package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryDocumentVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, _, err := s.LoadDocument(ctx, "d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load absent: want ErrNotFound, got %v", err)
	}

	v1, err := s.SaveDocument(ctx, Document{ID: "d", Items: []string{"a"}}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("create version: got %d, want 1", v1)
	}

	doc, ver, err := s.LoadDocument(ctx, "d")
	if err != nil || ver != v1 {
		t.Fatalf("load: %v version %d", err, ver)
	}
	if len(doc.Items) != 1 || doc.Items[0] != "a" {
		t.Fatalf("load items: %v", doc.Items)
	}

	if _, err := s.SaveDocument(ctx, doc, ver+5); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale save: want ErrVersionConflict, got %v", err)
	}
	v2, err := s.SaveDocument(ctx, Document{ID: "d", Items: []string{"a", "b"}}, ver)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("version did not advance: %d -> %d", v1, v2)
	}

	if _, err := s.SaveDocument(ctx, Document{ID: "d"}, AnyVersion); err != nil {
		t.Fatalf("unchecked save: %v", err)
	}
	doc, _, err = s.LoadDocument(ctx, "d")
	if err != nil || len(doc.Items) != 0 {
		t.Fatalf("unchecked save not applied: %v items %v", err, doc.Items)
	}

	if err := s.DeleteDocument(ctx, "d"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.LoadDocument(ctx, "d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after delete: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteDocument(ctx, "d"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestMemoryCompareExchange(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ok, _, idx, err := s.CompareExchangePut(ctx, "k", []byte("one"), 0)
	if err != nil || !ok {
		t.Fatalf("create: ok %v err %v", ok, err)
	}
	if idx != 1 {
		t.Fatalf("create index: got %d, want 1", idx)
	}

	ok, cur, curIdx, err := s.CompareExchangePut(ctx, "k", []byte("two"), 0)
	if err != nil || ok {
		t.Fatalf("conflicting create: ok %v err %v", ok, err)
	}
	if string(cur) != "one" || curIdx != idx {
		t.Fatalf("conflicting create returned %q index %d", cur, curIdx)
	}

	ok, _, idx2, err := s.CompareExchangePut(ctx, "k", []byte("two"), curIdx)
	if err != nil || !ok {
		t.Fatalf("replace: ok %v err %v", ok, err)
	}
	if idx2 <= idx {
		t.Fatalf("index did not advance on replace: %d -> %d", idx, idx2)
	}

	if ok, err := s.CompareExchangeDelete(ctx, "k", idx); err != nil || ok {
		t.Fatalf("stale delete: ok %v err %v", ok, err)
	}
	if ok, err := s.CompareExchangeDelete(ctx, "k", idx2); err != nil || !ok {
		t.Fatalf("delete: ok %v err %v", ok, err)
	}
	if ok, err := s.CompareExchangeDelete(ctx, "k", idx2); err != nil || ok {
		t.Fatalf("delete absent: ok %v err %v", ok, err)
	}

	// Indexes are never reused: recreating the key continues past the
	// counter value consumed by the delete.
	ok, _, idx3, err := s.CompareExchangePut(ctx, "k", []byte("three"), 0)
	if err != nil || !ok {
		t.Fatalf("recreate: ok %v err %v", ok, err)
	}
	if idx3 <= idx2 {
		t.Fatalf("index reused after delete: %d -> %d", idx2, idx3)
	}
}
