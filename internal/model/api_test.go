package model

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/client"
	"github.com/roach88/livesync/internal/httpapi"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/server"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/store"
)

type remoteFixture struct {
	store  *store.Store
	live   *server.Server
	api    *RemoteAPI
	model  *Model
	noteID string
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()
	logger := discardLogger()
	s, err := store.Open(filepath.Join(t.TempDir(), "model.db"), store.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	doc, err := s.Insert(context.Background(), "notes", map[string]any{"content": "hello"})
	require.NoError(t, err)

	r := livefunc.NewRegistry()
	require.NoError(t, r.Function("notes.get", func(ctx context.Context, call livefunc.Call) (any, error) {
		id, _ := call.Args[0].(string)
		d, err := call.DB.Get(ctx, "notes", id)
		if err != nil {
			return nil, err
		}
		return d.Body, nil
	}))
	require.NoError(t, r.Procedure("notes.create", func(ctx context.Context, call livefunc.Call) (any, error) {
		d, err := call.DB.Insert(ctx, "notes", map[string]any{"content": call.Args[0]})
		return d.ID, err
	}))
	require.NoError(t, r.Mutator("notes.get", func(ctx context.Context, call livefunc.Call, mutations []ir.Mutation) (any, error) {
		id, _ := call.Args[0].(string)
		d, err := call.DB.Get(ctx, "notes", id)
		if err != nil {
			return nil, err
		}
		for _, m := range mutations {
			if m.Type == ir.MutationSet && len(m.Path) == 1 {
				d.Body[m.Path[0]] = m.Value
			}
		}
		_, err = call.DB.Update(ctx, "notes", id, d.Body)
		return nil, err
	}))

	cache := livefunc.NewCache(s, r, livefunc.WithLogger(logger), livefunc.WithNotifyDelay(20*time.Millisecond))
	t.Cleanup(cache.Close)

	live := server.New(cache, session.Trusting{}, server.WithLogger(logger))
	wsSrv := httptest.NewServer(live)
	t.Cleanup(func() {
		live.CloseAll()
		wsSrv.Close()
	})
	httpSrv := httptest.NewServer(httpapi.New(s, r, session.Trusting{}, httpapi.WithLogger(logger)).Handler())
	t.Cleanup(httpSrv.Close)

	settings := client.DefaultSettings()
	settings.ReconnectDelay = 100 * time.Millisecond
	conn := client.Dial(context.Background(), "ws"+strings.TrimPrefix(wsSrv.URL, "http"),
		client.WithLogger(logger), client.WithSettings(settings))
	t.Cleanup(conn.Close)
	mux := client.NewMultiplexer(conn, client.WithUser("u1"), client.WithMuxLogger(logger))
	t.Cleanup(mux.Close)

	api := NewRemoteAPI(mux, httpSrv.URL, "u1", WithClientID("client-1"))
	m := newTestModel(t, api)
	return &remoteFixture{store: s, live: live, api: api, model: m, noteID: doc.ID}
}

func TestRemoteAPI_CallIsLoggedWithClientID(t *testing.T) {
	f := newRemoteFixture(t)
	ctx := context.Background()

	id, err := f.api.Call(ctx, "notes.create", []any{"second"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := f.store.ReadCallLog(ctx, store.CallLogFilter{User: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "client-1", entries[0].Client)
	assert.Equal(t, "notes.create", entries[0].Name)
}

func TestRemoteAPI_Errors(t *testing.T) {
	f := newRemoteFixture(t)
	ctx := context.Background()

	_, err := f.api.Call(ctx, "missing", nil)
	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "UNKNOWN_FUNCTION", callErr.Code)
	assert.Equal(t, 404, callErr.Status)

	_, err = f.api.Mutate(ctx, "notes.create", nil, nil)
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "NO_MUTATOR", callErr.Code)
}

func TestRemoteAPI_GeneratesClientID(t *testing.T) {
	a := NewRemoteAPI(nil, "http://localhost:4000/", "u1")
	b := NewRemoteAPI(nil, "http://localhost:4000/", "u1")
	assert.Len(t, a.ClientID(), 26)
	assert.NotEqual(t, a.ClientID(), b.ClientID())

	_, err := a.Fetch(context.Background(), "notes.get", nil)
	assert.Error(t, err)
}

func TestRemoteAPI_LiveModelRoundTrip(t *testing.T) {
	f := newRemoteFixture(t)
	require.NoError(t, f.model.DeclareFunction(Function{Name: "notes.get", Live: true, Mutable: true}))

	g, err := f.model.Getter("notes.get", []any{f.noteID})
	require.NoError(t, err)
	defer g.Observe()()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := f.model.Load(ctx, "notes.get", []any{f.noteID})
	require.NoError(t, err)
	assert.Equal(t, "hello", v.(map[string]any)["content"])

	doc, err := g.Doc()
	require.NoError(t, err)

	// the local edit is sent as a batch, the mutator writes, the push returns
	require.NoError(t, doc.Set([]string{"content"}, "edited"))
	require.Eventually(t, func() bool {
		stored, err := f.store.Get(context.Background(), "notes", f.noteID)
		return err == nil && stored.Body["content"] == "edited"
	}, 3*time.Second, 5*time.Millisecond)

	_, err = f.store.Update(context.Background(), "notes", f.noteID, map[string]any{"content": "from server"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := g.Value()
		return err == nil && v.(map[string]any)["content"] == "from server"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRemoteAPI_WriteWhileDisconnectedReachesGetter(t *testing.T) {
	f := newRemoteFixture(t)
	require.NoError(t, f.model.DeclareFunction(Function{Name: "notes.get", Live: true}))
	g, err := f.model.Getter("notes.get", []any{f.noteID})
	require.NoError(t, err)
	defer g.Observe()()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = f.model.Load(ctx, "notes.get", []any{f.noteID})
	require.NoError(t, err)

	// the write lands before the client reconnects, so only the ack of the
	// resubscribe carries it
	f.live.CloseAll()
	_, err = f.store.Update(context.Background(), "notes", f.noteID, map[string]any{"content": "while offline"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := g.Value()
		return err == nil && v.(map[string]any)["content"] == "while offline"
	}, 3*time.Second, 5*time.Millisecond)
}
