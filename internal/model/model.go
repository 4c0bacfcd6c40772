package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/livesync/internal/debounce"
	"github.com/roach88/livesync/internal/ir"
)

// ErrUndeclared is returned for names that were never declared.
var ErrUndeclared = errors.New("undeclared")

// API is the server surface a Model uses.
type API interface {
	// Fetch returns the current value of a live function.
	Fetch(ctx context.Context, name string, args []any) (any, error)
	// Watch calls fn for every pushed value of a live function.
	Watch(name string, args []any, fn func(any)) (stop func(), err error)
	// Call runs a function or procedure once.
	Call(ctx context.Context, name string, args []any) (any, error)
	// Mutate sends a mutation batch for a function's result.
	Mutate(ctx context.Context, name string, args []any, mutations []ir.Mutation) (any, error)
}

// Function declares a function the model can fetch.
type Function struct {
	Name string
	// Live functions follow server pushes; others use the one-shot path.
	Live bool
	// Mutable functions send local edits to the server's mutator.
	Mutable bool
	// Transform is applied to every fetched or pushed value.
	Transform func(any) any
	// Invalidate selects cached getters of this function to refresh after
	// another getter flushed mutation m.
	Invalidate func(thisArgs []any, m ir.Mutation, name string, args []any) bool
}

// Procedure declares a procedure the model can call.
type Procedure struct {
	Name string
	// Invalidate selects cached getters to refresh after the call.
	Invalidate func(procArgs []any, name string, args []any) bool
}

// Settings tune a Model.
type Settings struct {
	BatchDelay      time.Duration
	InvalidateDelay time.Duration
	GraceDelay      time.Duration
	MutateTimeout   time.Duration
}

// DefaultSettings returns the delays used when none are given.
func DefaultSettings() Settings {
	return Settings{
		BatchDelay:      DefaultBatchDelay,
		InvalidateDelay: DefaultInvalidateDelay,
		GraceDelay:      DefaultGraceDelay,
		MutateTimeout:   10 * time.Second,
	}
}

// Model binds declarations to getters over one API.
type Model struct {
	api      API
	sched    *debounce.Scheduler
	logger   *slog.Logger
	settings Settings

	mu         sync.RWMutex
	functions  map[string]Function
	procedures map[string]Procedure

	getters *xsync.MapOf[string, *binding]
}

type binding struct {
	getter    *Getter
	fn        Function
	stopWatch func()
	stopBatch func()
	stopIdle  func()
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the model logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(m *Model) {
		m.settings = s
	}
}

// New creates a model over api.
func New(api API, opts ...Option) *Model {
	m := &Model{
		api:        api,
		sched:      debounce.New(),
		logger:     slog.Default(),
		settings:   DefaultSettings(),
		functions:  make(map[string]Function),
		procedures: make(map[string]Procedure),
		getters:    xsync.NewMapOf[string, *binding](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeclareFunction adds a function declaration.
func (m *Model) DeclareFunction(fn Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn.Name == "" {
		return errors.New("function name is required")
	}
	if _, ok := m.functions[fn.Name]; ok {
		return fmt.Errorf("function %q already declared", fn.Name)
	}
	if _, ok := m.procedures[fn.Name]; ok {
		return fmt.Errorf("%q already declared as a procedure", fn.Name)
	}
	m.functions[fn.Name] = fn
	return nil
}

// DeclareProcedure adds a procedure declaration.
func (m *Model) DeclareProcedure(p Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Name == "" {
		return errors.New("procedure name is required")
	}
	if _, ok := m.procedures[p.Name]; ok {
		return fmt.Errorf("procedure %q already declared", p.Name)
	}
	if _, ok := m.functions[p.Name]; ok {
		return fmt.Errorf("%q already declared as a function", p.Name)
	}
	m.procedures[p.Name] = p
	return nil
}

// Getter returns the cached getter for (name, args), creating it if needed.
// The getter may not be ready; call Update or Load.
func (m *Model) Getter(name string, args []any) (*Getter, error) {
	m.mu.RLock()
	fn, ok := m.functions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %q: %w", name, ErrUndeclared)
	}
	if args == nil {
		args = []any{}
	}
	key, err := ir.ClientKey(name, args)
	if err != nil {
		return nil, err
	}

	var buildErr error
	b, _ := m.getters.LoadOrCompute(key, func() *binding {
		b, err := m.bind(fn, args)
		if err != nil {
			buildErr = err
			return nil
		}
		return b
	})
	if b == nil {
		m.getters.Compute(key, func(old *binding, loaded bool) (*binding, bool) {
			return old, old == nil
		})
		if buildErr == nil {
			buildErr = fmt.Errorf("function %q: binding failed", name)
		}
		return nil, buildErr
	}
	return b.getter, nil
}

// Load returns the value of (name, args), fetching it if the getter is not
// ready yet. Load observes the getter only while it runs: unless a caller
// holds its own Observe, the getter is released after the grace delay.
func (m *Model) Load(ctx context.Context, name string, args []any) (any, error) {
	g, err := m.Getter(name, args)
	if err != nil {
		return nil, err
	}
	release := g.Observe()
	defer release()
	if err := g.Update(ctx, false); err != nil {
		return nil, err
	}
	if err := g.Wait(ctx); err != nil {
		return nil, err
	}
	return g.Value()
}

func (m *Model) bind(fn Function, args []any) (*binding, error) {
	transform := fn.Transform
	if transform == nil {
		transform = func(v any) any { return v }
	}

	fetch := func(ctx context.Context) (any, error) {
		var v any
		var err error
		if fn.Live {
			v, err = m.api.Fetch(ctx, fn.Name, args)
		} else {
			v, err = m.api.Call(ctx, fn.Name, args)
		}
		if err != nil {
			return nil, err
		}
		return transform(v), nil
	}

	g, err := NewGetter(fn.Name, args, fetch, m.sched,
		WithDelays(m.settings.BatchDelay, m.settings.InvalidateDelay, m.settings.GraceDelay),
		WithGetterLogger(m.logger))
	if err != nil {
		return nil, err
	}

	b := &binding{getter: g, fn: fn}
	if fn.Live {
		stop, err := m.api.Watch(fn.Name, args, func(v any) { g.Set(transform(v)) })
		if err != nil {
			return nil, err
		}
		b.stopWatch = stop
	}
	b.stopBatch = g.OnBatch(func(batch []ir.Mutation) { m.flushed(g, fn, batch) })
	b.stopIdle = g.OnNotObserved(func() { m.release(g.Key(), b) })
	return b, nil
}

// flushed sends a getter's mutation batch and invalidates the getters whose
// predicates select it.
func (m *Model) flushed(g *Getter, fn Function, batch []ir.Mutation) {
	if fn.Mutable {
		ctx, cancel := context.WithTimeout(context.Background(), m.settings.MutateTimeout)
		_, err := m.api.Mutate(ctx, fn.Name, g.Args(), batch)
		cancel()
		if err != nil {
			m.logger.Warn("mutate failed", "func", fn.Name, "mutations", len(batch), "error", err)
		}
	}

	for _, other := range m.bindings() {
		if other.getter == g || other.fn.Invalidate == nil {
			continue
		}
		for _, mut := range batch {
			if other.fn.Invalidate(other.getter.Args(), mut, fn.Name, g.Args()) {
				other.getter.Invalidate()
				break
			}
		}
	}
}

// Call runs a procedure once and invalidates the getters its predicate
// selects.
func (m *Model) Call(ctx context.Context, name string, args []any) (any, error) {
	m.mu.RLock()
	p, ok := m.procedures[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("procedure %q: %w", name, ErrUndeclared)
	}
	if args == nil {
		args = []any{}
	}

	result, err := m.api.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}

	if p.Invalidate != nil {
		for _, b := range m.bindings() {
			if p.Invalidate(args, b.getter.Name(), b.getter.Args()) {
				b.getter.Invalidate()
			}
		}
	}
	return result, nil
}

// Invalidate schedules a refresh of every ready getter of name.
func (m *Model) Invalidate(name string) int {
	n := 0
	for _, b := range m.bindings() {
		if b.getter.Name() == name && b.getter.Invalidate() {
			n++
		}
	}
	return n
}

// Len returns the number of cached getters.
func (m *Model) Len() int {
	return m.getters.Size()
}

func (m *Model) bindings() []*binding {
	var out []*binding
	m.getters.Range(func(_ string, b *binding) bool {
		out = append(out, b)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].getter.Key() < out[j].getter.Key() })
	return out
}

func (m *Model) release(key string, b *binding) {
	m.getters.Compute(key, func(old *binding, loaded bool) (*binding, bool) {
		if !loaded || old != b {
			return old, !loaded
		}
		return nil, true
	})
	b.close()
	m.logger.Debug("getter released", "key", key)
}

func (b *binding) close() {
	if b.stopWatch != nil {
		b.stopWatch()
	}
	b.stopBatch()
	b.stopIdle()
	b.getter.Close()
}

// Close releases every getter and stops pending timers.
func (m *Model) Close() {
	for _, b := range m.bindings() {
		m.getters.Delete(b.getter.Key())
		b.close()
	}
	m.sched.Stop()
}
