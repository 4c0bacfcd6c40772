package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/mirror"
	"github.com/roach88/livesync/internal/store"
)

// notesCollection holds the documents of the bundled example functions.
const notesCollection = "notes"

// RegisterNotes registers a small note-taking API so a fresh server is
// usable end to end:
//
//	notes.list           live, every note as {_id, content}
//	notes.get(id)        live, one note's body
//	notes.create(text)   procedure, returns the new id
//	notes.get mutator    applies a client's edits to the note body
func RegisterNotes(r *livefunc.Registry) error {
	return errors.Join(
		r.Function("notes.list", notesList),
		r.Function("notes.get", notesGet),
		r.Procedure("notes.create", notesCreate),
		r.Mutator("notes.get", notesEdit),
	)
}

func notesList(ctx context.Context, call livefunc.Call) (any, error) {
	docs, err := call.DB.Find(ctx, notesCollection)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d.Body
	}
	return out, nil
}

func noteID(call livefunc.Call) (string, error) {
	if len(call.Args) != 1 {
		return "", fmt.Errorf("%s: want 1 argument, got %d", call.Name, len(call.Args))
	}
	id, ok := call.Args[0].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%s: id must be a non-empty string", call.Name)
	}
	return id, nil
}

func notesGet(ctx context.Context, call livefunc.Call) (any, error) {
	id, err := noteID(call)
	if err != nil {
		return nil, err
	}
	doc, err := call.DB.Get(ctx, notesCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

func notesCreate(ctx context.Context, call livefunc.Call) (any, error) {
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("notes.create: want 1 argument, got %d", len(call.Args))
	}
	doc, err := call.DB.Insert(ctx, notesCollection, map[string]any{
		"content": call.Args[0],
		"author":  call.Session.User,
	})
	if err != nil {
		return nil, err
	}
	return doc.ID, nil
}

func notesEdit(ctx context.Context, call livefunc.Call, mutations []ir.Mutation) (any, error) {
	id, err := noteID(call)
	if err != nil {
		return nil, err
	}
	doc, err := call.DB.Get(ctx, notesCollection, id)
	if err != nil {
		return nil, err
	}

	edited, err := mirror.Apply(doc.Body, mutations)
	if err != nil {
		return nil, err
	}
	body, ok := edited.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("notes.get: edits must keep the note an object")
	}
	updated, err := call.DB.Update(ctx, notesCollection, id, body)
	if err != nil {
		return nil, err
	}
	return updated.Version, nil
}
