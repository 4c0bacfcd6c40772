// Package httpapi serves the one-shot call path: POST /call runs a function
// or procedure once and POST /mutate applies a client mirror's mutation
// batch. Every /call is written to the store's call log.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/store"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// CallRequest is the body of POST /call.
type CallRequest struct {
	User string `json:"user"`
	Args []any  `json:"args"`
}

// MutateRequest is the body of POST /mutate.
type MutateRequest struct {
	User      string        `json:"user"`
	Args      []any         `json:"args"`
	Mutations []ir.Mutation `json:"mutations"`
}

// Response is the body of every reply.
type Response struct {
	Status   string `json:"status"`
	Response any    `json:"response,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// API holds the handlers.
type API struct {
	store    *store.Store
	registry *livefunc.Registry
	resolver session.Resolver
	logger   *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates the one-shot API.
func New(s *store.Store, registry *livefunc.Registry, resolver session.Resolver, opts ...Option) *API {
	a := &API{
		store:    s,
		registry: registry,
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed handler with request logging.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.logRequests)
	r.Methods(http.MethodPost).Path("/call").Queries("name", "{name}").HandlerFunc(a.call)
	r.Methods(http.MethodPost).Path("/mutate").Queries("name", "{name}").HandlerFunc(a.mutate)
	r.Methods(http.MethodGet).Path("/functions").HandlerFunc(a.functions)
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (a *API) call(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	client := r.URL.Query().Get("client")

	var req CallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if req.Args == nil {
		req.Args = []any{}
	}

	sess, err := a.resolver.Resolve(r.Context(), req.User)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err)
		return
	}

	result, callErr := a.registry.Call(r.Context(), a.store, name, sess, req.Args)

	entry := store.CallLogEntry{User: sess.User, Client: client, Name: name, Args: req.Args}
	if callErr != nil {
		entry.Error = callErr.Error()
	} else if data, err := marshalJSON(result); err != nil {
		callErr = fmt.Errorf("encode result: %w", err)
		entry.Error = callErr.Error()
	} else {
		s := string(data)
		entry.Result = &s
	}
	if err := a.store.WriteCallLog(r.Context(), entry); err != nil {
		a.logger.Error("call log write failed", "func", name, "error", err)
	}

	if callErr != nil {
		a.logger.Warn("call failed", "func", name, "user", sess.User, "error", callErr)
		writeCallError(w, callErr)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Response: result})
}

func (a *API) mutate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req MutateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	for i, m := range req.Mutations {
		if !m.Valid() {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Errorf("mutation %d: unknown type %q", i, m.Type))
			return
		}
	}

	sess, err := a.resolver.Resolve(r.Context(), req.User)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err)
		return
	}

	result, err := a.registry.Mutate(r.Context(), a.store, name, sess, req.Args, req.Mutations)
	if err != nil {
		a.logger.Warn("mutate failed", "func", name, "user", sess.User, "mutations", len(req.Mutations), "error", err)
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Response: result})
}

func (a *API) functions(w http.ResponseWriter, r *http.Request) {
	names := a.registry.Names()
	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		_, kind, _ := a.registry.Lookup(name)
		out = append(out, map[string]string{"name": name, "kind": kind.String()})
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Response: out})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty body is an empty request.
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeCallError(w http.ResponseWriter, err error) {
	var lerr *livefunc.Error
	if !errors.As(err, &lerr) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	status := http.StatusInternalServerError
	switch lerr.Code {
	case livefunc.ErrCodeUnknownFunction, livefunc.ErrCodeNoMutator:
		status = http.StatusNotFound
	}
	writeError(w, status, string(lerr.Code), err)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, Response{Status: StatusError, Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	data, err := marshalJSON(resp)
	if err != nil {
		data, _ = marshalJSON(Response{Status: StatusError, Code: "INTERNAL", Error: err.Error()})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// marshalJSON encodes without HTML escaping so results match what the
// function returned.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}
