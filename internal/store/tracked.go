package store

import (
	"context"
	"sync"

	"github.com/roach88/livesync/internal/ir"
)

// Tracked is a single-use read handle that records the change id of every
// read made through it. One Tracked is opened per evaluation of a live
// function and never shared across entries.
//
// Writes pass through to the store untracked.
type Tracked struct {
	store *Store

	mu    sync.Mutex
	reads map[string]struct{}
}

// BeginCapture opens a fresh read-tracking handle.
func (s *Store) BeginCapture() *Tracked {
	return &Tracked{store: s, reads: make(map[string]struct{})}
}

// RecordRead adds a change id to the read set. Store reads call it
// automatically; functions reading other sources can report ids explicitly.
func (t *Tracked) RecordRead(changeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[changeID] = struct{}{}
}

// Reads returns the sorted set of change ids read since the handle was
// created.
func (t *Tracked) Reads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ir.SortedStrings(t.reads)
}

// Get reads one document and records its change id. The id is recorded even
// when the document is missing, so a later insert wakes the reader.
func (t *Tracked) Get(ctx context.Context, collection, id string) (Document, error) {
	t.RecordRead(ChangeID(collection, id))
	return t.store.Get(ctx, collection, id)
}

// Find reads a whole collection and records the collection sentinel plus
// every returned document.
func (t *Tracked) Find(ctx context.Context, collection string) ([]Document, error) {
	t.RecordRead(CollectionID(collection))
	docs, err := t.store.Find(ctx, collection)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		t.RecordRead(ChangeID(collection, d.ID))
	}
	return docs, nil
}

// Insert passes through to the store.
func (t *Tracked) Insert(ctx context.Context, collection string, body map[string]any) (Document, error) {
	return t.store.Insert(ctx, collection, body)
}

// Update passes through to the store.
func (t *Tracked) Update(ctx context.Context, collection, id string, body map[string]any) (Document, error) {
	return t.store.Update(ctx, collection, id, body)
}

// Delete passes through to the store.
func (t *Tracked) Delete(ctx context.Context, collection, id string) error {
	return t.store.Delete(ctx, collection, id)
}
