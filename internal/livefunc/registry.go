package livefunc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/store"
)

// DB is the store surface handed to function bodies. Live functions receive
// a *store.Tracked so their reads are recorded; procedures and mutators
// receive the *store.Store.
type DB interface {
	store.Reader
	store.Writer
}

// Call describes one invocation of a registered function.
type Call struct {
	Name    string
	Args    []any
	Session ir.Session
	DB      DB
}

// Func is a function body. Live functions should only read through call.DB.
type Func func(ctx context.Context, call Call) (any, error)

// Mutator applies a batch of client mirror mutations for a live function.
type Mutator func(ctx context.Context, call Call, mutations []ir.Mutation) (any, error)

// Kind distinguishes live functions from procedures.
type Kind int

const (
	// KindFunction is a cacheable, dependency-tracked live function.
	KindFunction Kind = iota
	// KindProcedure is a one-shot call that may write.
	KindProcedure
)

func (k Kind) String() string {
	if k == KindProcedure {
		return "procedure"
	}
	return "function"
}

type registered struct {
	kind Kind
	fn   Func
}

// Registry holds the named functions, procedures and mutators a server
// exposes.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[string]registered
	mutators map[string]Mutator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:    make(map[string]registered),
		mutators: make(map[string]Mutator),
	}
}

// Function registers a live function.
func (r *Registry) Function(name string, fn Func) error {
	return r.register(name, KindFunction, fn)
}

// Procedure registers a one-shot procedure. Procedures cannot be subscribed.
func (r *Registry) Procedure(name string, fn Func) error {
	return r.register(name, KindProcedure, fn)
}

func (r *Registry) register(name string, kind Kind, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register %s: name and function are required", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("register %s: %q already registered", kind, name)
	}
	r.funcs[name] = registered{kind: kind, fn: fn}
	return nil
}

// Mutator registers the mutation handler for a live function name.
func (r *Registry) Mutator(name string, m Mutator) error {
	if name == "" || m == nil {
		return fmt.Errorf("register mutator: name and mutator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mutators[name]; exists {
		return fmt.Errorf("register mutator: %q already registered", name)
	}
	r.mutators[name] = m
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.funcs[name]
	return reg.fn, reg.kind, ok
}

// Names returns every registered function and procedure name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs a function or procedure once, outside the cache. Live functions
// read through a throwaway tracked handle.
func (r *Registry) Call(ctx context.Context, db *store.Store, name string, session ir.Session, args []any) (any, error) {
	fn, kind, ok := r.Lookup(name)
	if !ok {
		return nil, newUnknownFunction(name)
	}
	if args == nil {
		args = []any{}
	}
	call := Call{Name: name, Args: args, Session: session, DB: db}
	if kind == KindFunction {
		call.DB = db.BeginCapture()
	}
	result, err := invoke(ctx, fn, call)
	if err != nil {
		return nil, newEvaluationError(name, err)
	}
	return result, nil
}

// Mutate dispatches a mutation batch to the mutator registered for name.
func (r *Registry) Mutate(ctx context.Context, db *store.Store, name string, session ir.Session, args []any, mutations []ir.Mutation) (any, error) {
	r.mu.RLock()
	m, ok := r.mutators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, newNoMutator(name)
	}
	if args == nil {
		args = []any{}
	}
	result, err := m(ctx, Call{Name: name, Args: args, Session: session, DB: db}, mutations)
	if err != nil {
		return nil, newEvaluationError(name, err)
	}
	return result, nil
}

// invoke runs fn, converting a panic into an error.
func invoke(ctx context.Context, fn Func, call Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, call)
}
