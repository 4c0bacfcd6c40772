package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/store"
)

type fixture struct {
	store   *store.Store
	handler http.Handler
}

func newFixture(t *testing.T, resolver session.Resolver) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := livefunc.NewRegistry()
	require.NoError(t, r.Function("echo", func(ctx context.Context, call livefunc.Call) (any, error) {
		return map[string]any{"user": call.Session.User, "args": call.Args}, nil
	}))
	require.NoError(t, r.Procedure("notes.create", func(ctx context.Context, call livefunc.Call) (any, error) {
		doc, err := call.DB.Insert(ctx, "notes", map[string]any{"content": call.Args[0]})
		return doc.ID, err
	}))
	require.NoError(t, r.Procedure("fail", func(ctx context.Context, call livefunc.Call) (any, error) {
		return nil, errors.New("nope")
	}))
	require.NoError(t, r.Mutator("echo", func(ctx context.Context, call livefunc.Call, mutations []ir.Mutation) (any, error) {
		return len(mutations), nil
	}))

	api := New(s, r, resolver, WithLogger(logger))
	return &fixture{store: s, handler: api.Handler()}
}

func (f *fixture) post(t *testing.T, url, body string) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (f *fixture) callLog(t *testing.T) []store.CallLogEntry {
	t.Helper()
	entries, err := f.store.ReadCallLog(context.Background(), store.CallLogFilter{})
	require.NoError(t, err)
	return entries
}

func TestCall_Success(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	code, resp := f.post(t, "/call?name=echo&client=c1", `{"user":"alice","args":["a",1]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, map[string]any{"user": "alice", "args": []any{"a", float64(1)}}, resp.Response)

	entries := f.callLog(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].User)
	assert.Equal(t, "c1", entries[0].Client)
	assert.Equal(t, "echo", entries[0].Name)
	assert.Equal(t, []any{"a", float64(1)}, entries[0].Args)
	require.NotNil(t, entries[0].Result)
	assert.JSONEq(t, `{"user":"alice","args":["a",1]}`, *entries[0].Result)
	assert.WithinDuration(t, time.Now(), entries[0].Timestamp, time.Minute)
}

func TestCall_ProcedureWrites(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	code, resp := f.post(t, "/call?name=notes.create", `{"args":["<hello>"]}`)
	require.Equal(t, http.StatusOK, code)

	doc, err := f.store.Get(context.Background(), "notes", resp.Response.(string))
	require.NoError(t, err)
	assert.Equal(t, "<hello>", doc.Body["content"])
}

func TestCall_EmptyBody(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	code, resp := f.post(t, "/call?name=echo", ``)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"user": "", "args": []any{}}, resp.Response)
}

func TestCall_Errors(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	code, resp := f.post(t, "/call?name=missing", `{"user":"bob"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, string(livefunc.ErrCodeUnknownFunction), resp.Code)

	code, resp = f.post(t, "/call?name=fail", `{"user":"bob"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, string(livefunc.ErrCodeEvaluationFailed), resp.Code)
	assert.Contains(t, resp.Error, "nope")

	code, resp = f.post(t, "/call?name=echo", `{"args":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", resp.Code)

	// Failed calls are audited without a result; malformed requests are not
	entries := f.callLog(t)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "bob", e.User)
		assert.Nil(t, e.Result)
		assert.NotEmpty(t, e.Error)
	}
}

func TestCall_NameRequired(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	req := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCall_JWT(t *testing.T) {
	secret := []byte("k")
	f := newFixture(t, session.NewJWT(secret, time.Minute))

	code, resp := f.post(t, "/call?name=echo", `{"user":"forged"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", resp.Code)

	token, err := session.IssueToken(secret, "erin", time.Hour)
	require.NoError(t, err)
	code, resp = f.post(t, "/call?name=echo", `{"user":"`+token+`"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "erin", resp.Response.(map[string]any)["user"])
}

func TestMutate(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	code, resp := f.post(t, "/mutate?name=echo",
		`{"user":"u","args":[],"mutations":[{"type":"set","path":["a"],"value":1},{"type":"delete","path":["b"]}]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), resp.Response)

	code, resp = f.post(t, "/mutate?name=other", `{"mutations":[]}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(livefunc.ErrCodeNoMutator), resp.Code)

	code, resp = f.post(t, "/mutate?name=echo", `{"mutations":[{"type":"explode","path":[]}]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", resp.Code)

	assert.Empty(t, f.callLog(t), "mutations are not call-logged")
}

func TestFunctions(t *testing.T) {
	f := newFixture(t, session.Trusting{})

	req := httptest.NewRequest(http.MethodGet, "/functions", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []any{
		map[string]any{"name": "echo", "kind": "function"},
		map[string]any{"name": "fail", "kind": "procedure"},
		map[string]any{"name": "notes.create", "kind": "procedure"},
	}, resp.Response)
}
