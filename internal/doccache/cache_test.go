package doccache

import (
	"context"
	"testing"
	"time"

	"github.com/kolabdoc/core/internal/model"
)

func testDoc(id string) *model.Document {
	now := time.Now().UTC()
	return &model.Document{ID: id, Name: "doc", CreatedAt: now, UpdatedAt: now}
}

// A Cache built with addr == "" runs purely in-process, matching how
// the teacher's own tests ran its database layer against :memory:.
func TestPutAndGetRoundTrip(t *testing.T) {
	c := New("")
	ctx := context.Background()

	c.Put(ctx, "doc1", testDoc("doc1"))

	got, ok := c.Get(ctx, "doc1")
	if !ok {
		t.Fatal("expected document to be present")
	}
	if got.ID != "doc1" {
		t.Errorf("unexpected document: %+v", got)
	}
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))

	got, _ := c.Get(ctx, "doc1")
	got.Name = "mutated"

	got2, _ := c.Get(ctx, "doc1")
	if got2.Name == "mutated" {
		t.Error("expected Get to return a copy, not a shared pointer into the cache")
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))

	if !c.Delete(ctx, "doc1") {
		t.Fatal("Delete reported failure")
	}
	if _, ok := c.Get(ctx, "doc1"); ok {
		t.Error("expected document to be gone after Delete")
	}
}

func TestUpdateAppliesMutatorAndPersists(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))

	_, err := c.Update(ctx, "doc1", func(cur *model.Document) (*model.Document, error) {
		next := cur.Clone()
		next.Name = "renamed"
		return next, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := c.Get(ctx, "doc1")
	if got.Name != "renamed" {
		t.Errorf("expected renamed document, got %+v", got)
	}
}

func TestUpdateOnAbsentDocumentErrors(t *testing.T) {
	c := New("")
	ctx := context.Background()
	_, err := c.Update(ctx, "missing", func(cur *model.Document) (*model.Document, error) {
		return cur, nil
	})
	if err == nil {
		t.Error("expected error updating an absent document")
	}
}

func TestKeysReflectsResidentDocuments(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))
	c.Put(ctx, "doc2", testDoc("doc2"))

	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}

func TestIdleSinceAndEvict(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))

	future := time.Now().Add(time.Hour)
	idle := c.IdleSince(future)
	if len(idle) != 1 || idle[0] != "doc1" {
		t.Fatalf("expected doc1 to be idle relative to a future cutoff, got %v", idle)
	}

	past := time.Now().Add(-time.Hour)
	if idle := c.IdleSince(past); len(idle) != 0 {
		t.Fatalf("expected no idle documents relative to a past cutoff, got %v", idle)
	}

	c.Evict("doc1")
	if _, ok := c.Get(ctx, "doc1"); ok {
		t.Error("expected document to be gone after Evict")
	}
}

func TestFlushClearsLocalIndex(t *testing.T) {
	c := New("")
	ctx := context.Background()
	c.Put(ctx, "doc1", testDoc("doc1"))

	c.Flush(ctx)

	if _, ok := c.Get(ctx, "doc1"); ok {
		t.Error("expected Flush to clear the process-local index")
	}
	if len(c.Keys()) != 0 {
		t.Errorf("expected no keys after Flush, got %v", c.Keys())
	}
}
