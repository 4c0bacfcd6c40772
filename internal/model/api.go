package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/livesync/internal/client"
	"github.com/roach88/livesync/internal/httpapi"
	"github.com/roach88/livesync/internal/ir"
)

// CallError is an error response from the one-shot path.
type CallError struct {
	Status int
	Code   string
	Msg    string
}

func (e *CallError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("call failed (%d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
}

// RemoteAPI talks to a livesync server: live functions over a Multiplexer,
// calls and mutations over HTTP.
type RemoteAPI struct {
	mux      *client.Multiplexer
	baseURL  string
	user     string
	clientID string
	http     *http.Client
}

// RemoteOption configures a RemoteAPI.
type RemoteOption func(*RemoteAPI)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(a *RemoteAPI) {
		a.http = c
	}
}

// WithClientID overrides the generated client instance id.
func WithClientID(id string) RemoteOption {
	return func(a *RemoteAPI) {
		a.clientID = id
	}
}

// NewRemoteAPI creates an API. mux may be nil when only the one-shot path
// is used. Every RemoteAPI has its own client instance id, sent with calls
// so the server's call log can tell clients apart.
func NewRemoteAPI(mux *client.Multiplexer, baseURL, user string, opts ...RemoteOption) *RemoteAPI {
	a := &RemoteAPI{
		mux:      mux,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     user,
		clientID: ulid.Make().String(),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ClientID returns the client instance id.
func (a *RemoteAPI) ClientID() string {
	return a.clientID
}

// Fetch implements API.
func (a *RemoteAPI) Fetch(ctx context.Context, name string, args []any) (any, error) {
	if a.mux == nil {
		return nil, fmt.Errorf("fetch %s: no live connection", name)
	}
	return a.mux.Get(ctx, name, args)
}

// Watch implements API.
func (a *RemoteAPI) Watch(name string, args []any, fn func(any)) (func(), error) {
	if a.mux == nil {
		return nil, fmt.Errorf("watch %s: no live connection", name)
	}
	_, stop, err := a.mux.Observe(name, args, fn)
	return stop, err
}

// Call implements API.
func (a *RemoteAPI) Call(ctx context.Context, name string, args []any) (any, error) {
	q := url.Values{"name": {name}, "client": {a.clientID}}
	return a.post(ctx, "/call", q, httpapi.CallRequest{User: a.user, Args: nonNil(args)})
}

// Mutate implements API.
func (a *RemoteAPI) Mutate(ctx context.Context, name string, args []any, mutations []ir.Mutation) (any, error) {
	q := url.Values{"name": {name}}
	return a.post(ctx, "/mutate", q, httpapi.MutateRequest{User: a.user, Args: nonNil(args), Mutations: mutations})
}

// Functions lists the server's declared functions.
func (a *RemoteAPI) Functions(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/functions", nil)
	if err != nil {
		return nil, err
	}
	return a.do(req)
}

func (a *RemoteAPI) post(ctx context.Context, path string, q url.Values, body any) (any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path+"?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *RemoteAPI) do(req *http.Request) (any, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out httpapi.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &CallError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(data))}
	}
	if out.Status != httpapi.StatusSuccess {
		return nil, &CallError{Status: resp.StatusCode, Code: out.Code, Msg: out.Error}
	}
	return out.Response, nil
}

func nonNil(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
