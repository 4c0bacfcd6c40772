// Package mirror holds the local, mutable copy of a live function result.
//
// A Doc is a tree of map[string]any, []any and scalar values addressed by
// string paths (list indices are decimal strings). Every local write is
// reported to listeners as an ir.Mutation, so the writes can be batched and
// sent back to the server. Replacing the whole value with a server push is
// silent.
package mirror

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/roach88/livesync/internal/ir"
)

// ErrPath is returned for paths that do not address an existing container.
var ErrPath = errors.New("invalid path")

// Doc is a mirror document.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run on
// the writing goroutine after the document lock has been released.
type Doc struct {
	mu        sync.RWMutex
	root      any
	listeners map[int]func(ir.Mutation)
	next      int
}

// New creates a document holding a deep copy of value.
func New(value any) *Doc {
	return &Doc{root: Clone(value), listeners: make(map[int]func(ir.Mutation))}
}

// Value returns a deep copy of the whole document.
func (d *Doc) Value() any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Clone(d.root)
}

// Get returns a deep copy of the value at path.
func (d *Doc) Get(path ...string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, err := lookup(d.root, path)
	if err != nil {
		return nil, false
	}
	return Clone(v), true
}

// Replace swaps in a new value without notifying listeners.
func (d *Doc) Replace(value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = Clone(value)
}

// Set writes value at path. The parent must exist; an empty path replaces
// the root. Setting a list index equal to its length appends.
func (d *Doc) Set(path []string, value any) error {
	return d.write(ir.Mutation{Type: ir.MutationSet, Path: path, Value: Clone(value)})
}

// Delete removes the map key or list element at path.
func (d *Doc) Delete(path []string) error {
	return d.write(ir.Mutation{Type: ir.MutationDelete, Path: path})
}

// Append adds values to the end of the list at path.
func (d *Doc) Append(path []string, values ...any) error {
	return d.write(ir.Mutation{Type: ir.MutationAdd, Path: path, Value: Clone(values)})
}

func (d *Doc) write(m ir.Mutation) error {
	m.Path = append([]string(nil), m.Path...)

	d.mu.Lock()
	root, err := apply(d.root, m)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.root = root
	fns := make([]func(ir.Mutation), 0, len(d.listeners))
	for _, id := range d.listenerIDs() {
		fns = append(fns, d.listeners[id])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
	return nil
}

func (d *Doc) listenerIDs() []int {
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// OnMutation registers fn for every local write. The returned function
// removes it.
func (d *Doc) OnMutation(fn func(ir.Mutation)) (stop func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Apply replays mutations onto a copy of value and returns the result.
func Apply(value any, mutations []ir.Mutation) (any, error) {
	root := Clone(value)
	for i, m := range mutations {
		var err error
		root, err = apply(root, m)
		if err != nil {
			return nil, fmt.Errorf("mutation %d (%s): %w", i, m, err)
		}
	}
	return root, nil
}

// apply performs one mutation in place where possible and returns the new
// root.
func apply(root any, m ir.Mutation) (any, error) {
	if len(m.Path) == 0 {
		switch m.Type {
		case ir.MutationSet:
			return Clone(m.Value), nil
		case ir.MutationAdd:
			list, ok := root.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: root is not a list", ErrPath)
			}
			return append(list, elements(m.Value)...), nil
		default:
			return nil, fmt.Errorf("%w: cannot %s the root", ErrPath, m.Type)
		}
	}

	parentPath, last := m.Path[:len(m.Path)-1], m.Path[len(m.Path)-1]
	parent, err := lookup(root, parentPath)
	if err != nil {
		return nil, err
	}

	var updated any
	switch m.Type {
	case ir.MutationSet:
		updated, err = withChild(parent, last, Clone(m.Value), parentPath)
	case ir.MutationDelete:
		updated, err = withoutChild(parent, last, parentPath)
	case ir.MutationAdd:
		var target any
		target, err = lookup(parent, []string{last})
		if err != nil {
			return nil, err
		}
		list, ok := target.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a list", ErrPath, m.Path)
		}
		updated, err = withChild(parent, last, append(list, elements(m.Value)...), parentPath)
	default:
		return nil, fmt.Errorf("unknown mutation type %q", m.Type)
	}
	if err != nil {
		return nil, err
	}
	return replaceAt(root, parentPath, updated)
}

func elements(v any) []any {
	switch vs := v.(type) {
	case []any:
		return Clone(vs).([]any)
	case nil:
		return nil
	default:
		return []any{Clone(v)}
	}
}

// withChild returns parent with key set to value. Setting a list index equal
// to its length appends.
func withChild(parent any, key string, value any, at []string) (any, error) {
	switch p := parent.(type) {
	case map[string]any:
		p[key] = value
		return p, nil
	case []any:
		i, err := index(key, len(p)+1)
		if err != nil {
			return nil, err
		}
		if i == len(p) {
			return append(p, value), nil
		}
		p[i] = value
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %v is not a container", ErrPath, at)
	}
}

// withoutChild returns parent without key. List elements after it shift down.
func withoutChild(parent any, key string, at []string) (any, error) {
	switch p := parent.(type) {
	case map[string]any:
		if _, ok := p[key]; !ok {
			return nil, fmt.Errorf("%w: no key %q at %v", ErrPath, key, at)
		}
		delete(p, key)
		return p, nil
	case []any:
		i, err := index(key, len(p))
		if err != nil {
			return nil, err
		}
		return append(p[:i:i], p[i+1:]...), nil
	default:
		return nil, fmt.Errorf("%w: %v is not a container", ErrPath, at)
	}
}

// replaceAt stores value at path inside root and returns the new root.
// Containers along path already exist.
func replaceAt(root any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	parent, err := lookup(root, path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	key := path[len(path)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[key] = value
	case []any:
		i, err := index(key, len(p))
		if err != nil {
			return nil, err
		}
		p[i] = value
	}
	return root, nil
}

func lookup(v any, path []string) (any, error) {
	for depth, seg := range path {
		switch c := v.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("%w: no key %q at %v", ErrPath, seg, path[:depth])
			}
			v = next
		case []any:
			i, err := index(seg, len(c))
			if err != nil {
				return nil, err
			}
			v = c[i]
		default:
			return nil, fmt.Errorf("%w: %v is not a container", ErrPath, path[:depth])
		}
	}
	return v, nil
}

// index parses a list index that must be below limit.
func index(seg string, limit int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= limit {
		return 0, fmt.Errorf("%w: bad list index %q", ErrPath, seg)
	}
	return i, nil
}

// Clone deep-copies maps and lists. Other values are returned as is.
func Clone(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = Clone(e)
		}
		return out
	case []any:
		if c == nil {
			return []any(nil)
		}
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
