package cortex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points an HTTPClient at srv, with the port taken from the
// server address.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *HTTPClient {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	base := []Option{WithURL(srv.URL), WithPort(port), WithHTTPClient(srv.Client())}
	c, err := NewHTTPClient(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

type fakeCredentials struct {
	token     string
	expired   bool
	refreshed string
	refreshes int
	err       error
}

func (f *fakeCredentials) GetCredentials(context.Context) (ReadOnlyCredentials, error) {
	return ReadOnlyCredentials{AccessToken: f.token}, nil
}

func (f *fakeCredentials) JWTIsExpired() bool { return f.expired }

func (f *fakeCredentials) Refresh(context.Context) (string, error) {
	f.refreshes++
	if f.err != nil {
		return "", f.err
	}
	f.token = f.refreshed
	f.expired = false
	return f.refreshed, nil
}

func TestNewHTTPClient_DefaultHeaders(t *testing.T) {
	c, err := NewHTTPClient(WithHeaders(map[string]string{"x-trace": "1", "accept": "text/plain"}))
	require.NoError(t, err)

	headers := c.Headers()
	assert.Equal(t, "text/plain", headers["Accept"])
	assert.Equal(t, UserAgent(), headers["User-Agent"])
	assert.Equal(t, "1", headers["X-Trace"])
	assert.Equal(t, DefaultURL, c.URL())
	assert.Equal(t, 443, c.Port())
	assert.Zero(t, c.Stats().Snapshot())
}

func TestNewHTTPClientFromMap_RejectsUnknownKeys(t *testing.T) {
	_, err := NewHTTPClientFromMap(map[string]any{"url": DefaultURL, "foo": 1, "bar": 2})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, UnexpectedArgument, cfgErr.Kind)
	assert.Equal(t, []string{"bar", "foo"}, cfgErr.Keys)

	c, err := NewHTTPClientFromMap(map[string]any{"port": 8443, "enforce_json": true})
	require.NoError(t, err)
	assert.Equal(t, 8443, c.Port())
	assert.True(t, c.EnforceJSON())
}

func TestNewHTTPClient_InvalidURL(t *testing.T) {
	_, err := NewHTTPClient(WithURL("ftp://example.com"))
	assert.ErrorIs(t, err, ErrCortex)
}

func TestHTTPClient_StringRedactsToken(t *testing.T) {
	token := "eyJhbGciOi.secret.token"
	c, err := NewHTTPClient(WithHeaders(map[string]string{"Authorization": "Bearer " + token}))
	require.NoError(t, err)

	assert.NotContains(t, c.String(), token)
	assert.NotContains(t, fmt.Sprintf("%#v", c), token)
	assert.Contains(t, c.String(), "url='https://api.us.cdl.paloaltonetworks.com'")
	assert.Contains(t, c.String(), "'Authorization': '<redacted>'")

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("client", "client", c)
	assert.NotContains(t, buf.String(), token)
	assert.Contains(t, buf.String(), "<redacted>")
}

func TestHTTPClient_SetAndDeleteHeader(t *testing.T) {
	c, err := NewHTTPClient()
	require.NoError(t, err)
	c.SetHeader("x-tenant", "t1")
	assert.Equal(t, "t1", c.Headers()["X-Tenant"])
	c.DeleteHeader("X-TENANT")
	assert.NotContains(t, c.Headers(), "X-Tenant")
}

func TestApplyCredentials(t *testing.T) {
	c, err := NewHTTPClient()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("auto refresh off", func(t *testing.T) {
		creds := &fakeCredentials{token: "tok"}
		headers := map[string]string{"Accept": "application/json"}
		require.NoError(t, c.applyCredentials(ctx, false, creds, headers))
		assert.Equal(t, map[string]string{"Accept": "application/json"}, headers)
		assert.Zero(t, creds.refreshes)
	})

	t.Run("valid token", func(t *testing.T) {
		creds := &fakeCredentials{token: "tok"}
		headers := map[string]string{}
		require.NoError(t, c.applyCredentials(ctx, true, creds, headers))
		assert.Equal(t, "Bearer tok", headers["Authorization"])
		assert.Zero(t, creds.refreshes)
	})

	t.Run("expired token", func(t *testing.T) {
		creds := &fakeCredentials{token: "old", expired: true, refreshed: "new"}
		headers := map[string]string{}
		require.NoError(t, c.applyCredentials(ctx, true, creds, headers))
		assert.Equal(t, "Bearer new", headers["Authorization"])
		assert.Equal(t, 1, creds.refreshes)
	})

	t.Run("missing token", func(t *testing.T) {
		creds := &fakeCredentials{refreshed: "fresh"}
		headers := map[string]string{}
		require.NoError(t, c.applyCredentials(ctx, true, creds, headers))
		assert.Equal(t, "Bearer fresh", headers["Authorization"])
		assert.Equal(t, 1, creds.refreshes)
	})

	t.Run("refresh fails", func(t *testing.T) {
		cause := errors.New("denied")
		creds := &fakeCredentials{err: cause}
		headers := map[string]string{}
		assert.ErrorIs(t, c.applyCredentials(ctx, true, creds, headers), cause)
		assert.NotContains(t, headers, "Authorization")
	})
}

func TestRequest_MissingMethod(t *testing.T) {
	c, err := NewHTTPClient()
	require.NoError(t, err)

	_, err = c.Request(context.Background(), RequestSpec{Endpoint: "/test"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, MissingArgument, cfgErr.Kind)
	assert.Equal(t, "missing required argument: method", err.Error())
}

func TestRequest_UnexpectedOption(t *testing.T) {
	c, err := NewHTTPClient()
	require.NoError(t, err)

	_, err = c.Request(context.Background(), RequestSpec{
		Method:  http.MethodGet,
		Options: map[string]any{"timeout": "1s", "bogus": true},
	})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, UnexpectedArgument, cfgErr.Kind)
	assert.Equal(t, []string{"bogus"}, cfgErr.Keys)
}

func TestRequest_BuildsURLAndDelegates(t *testing.T) {
	c, err := NewHTTPClient(
		WithURL("https://api.example.com?tenant=t1"),
		WithEnforceJSON(true),
		WithCredentials(&fakeCredentials{token: "tok"}),
	)
	require.NoError(t, err)

	var got struct {
		enforceJSON, raiseForStatus bool
		method, url                 string
		spec                        *RequestSpec
	}
	c.dispatch = func(_ context.Context, enforceJSON bool, method string, raiseForStatus bool, rawURL string, spec *RequestSpec) (*Response, error) {
		got.enforceJSON, got.raiseForStatus = enforceJSON, raiseForStatus
		got.method, got.url, got.spec = method, rawURL, spec
		return &Response{StatusCode: http.StatusOK}, nil
	}

	_, err = c.Request(context.Background(), RequestSpec{
		Method:         "get",
		Endpoint:       "/test",
		Params:         map[string]any{"pageSize": 5},
		Headers:        map[string]string{"X-Call": "1"},
		RaiseForStatus: Bool(true),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com:443/test", got.url)
	assert.Equal(t, http.MethodGet, got.method)
	assert.True(t, got.enforceJSON)
	assert.True(t, got.raiseForStatus)
	assert.Equal(t, map[string]any{"tenant": "t1", "pageSize": 5}, got.spec.Params)
	assert.Equal(t, "Bearer tok", got.spec.Headers["Authorization"])
	assert.Equal(t, "1", got.spec.Headers["X-Call"])
	assert.Equal(t, "application/json", got.spec.Headers["Accept"])
	// The instance headers never receive the token.
	assert.NotContains(t, c.Headers(), "Authorization")
}

func TestRequest_WrapsForeignErrors(t *testing.T) {
	c, err := NewHTTPClient()
	require.NoError(t, err)

	cause := errors.New("something odd")
	c.dispatch = func(context.Context, bool, string, bool, string, *RequestSpec) (*Response, error) {
		return nil, cause
	}
	_, err = c.Request(context.Background(), RequestSpec{Method: http.MethodGet})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "something odd", err.Error())

	own := &TransportError{Method: "GET", URL: "u", Err: cause}
	c.dispatch = func(context.Context, bool, string, bool, string, *RequestSpec) (*Response, error) {
		return nil, own
	}
	_, err = c.Request(context.Background(), RequestSpec{Method: http.MethodGet})
	assert.Same(t, own, err)
}

func TestSendRequest_CountsTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"ok":true}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
		default:
			w.Write([]byte(`not-json`))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	resp, err := c.Request(ctx, RequestSpec{Method: http.MethodGet, Endpoint: "/ok"})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.EqualValues(t, 1, c.Stats().Transactions.Load())

	resp, err = c.Request(ctx, RequestSpec{Method: http.MethodGet, Endpoint: "/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 2, c.Stats().Transactions.Load())

	_, err = c.Request(ctx, RequestSpec{Method: http.MethodGet, Endpoint: "/missing", RaiseForStatus: Bool(true)})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.JSONEq(t, `{"error":"not found"}`, string(httpErr.Body))
	assert.EqualValues(t, 3, c.Stats().Transactions.Load())

	_, err = c.Request(ctx, RequestSpec{Method: http.MethodGet, Endpoint: "/bad", EnforceJSON: Bool(true)})
	var cortexErr *Error
	require.ErrorAs(t, err, &cortexErr)
	assert.Equal(t, KindInvalidJSON, cortexErr.Kind)
	assert.Contains(t, err.Error(), "Invalid JSON")
	assert.EqualValues(t, 4, c.Stats().Transactions.Load())
}

func TestSendRequest_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.Request(context.Background(), RequestSpec{Method: http.MethodGet, Endpoint: "/x"})
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.MethodGet, tErr.Method)
	assert.Zero(t, c.Stats().Transactions.Load())
}

func TestSendRequest_BodyHeadersCookiesAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, UserAgent(), r.Header.Get("User-Agent"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		cookie, err := r.Cookie("session")
		if assert.NoError(t, err) {
			assert.Equal(t, "abc", cookie.Value)
		}
		assert.Equal(t, "7", r.URL.Query().Get("n"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(body))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, WithAutoRefresh(false))

	_, err := c.Request(context.Background(), RequestSpec{
		Method:  http.MethodPost,
		JSON:    map[string]int{"a": 1},
		Params:  map[string]any{"n": 7},
		Cookies: map[string]string{"session": "abc"},
		Auth:    &BasicAuth{Username: "u", Password: "p"},
	})
	require.NoError(t, err)
}

func TestSendRequest_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"DONE"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, WithStream(true))

	resp, err := c.Request(context.Background(), RequestSpec{Method: http.MethodGet})
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	assert.Nil(t, resp.Body)

	var page JobResultPage
	require.NoError(t, resp.JSON(&page))
	assert.Equal(t, JobDone, page.State)
	assert.NoError(t, resp.Close())
}

func TestSendRequest_StreamDefersJSONCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	resp, err := c.Request(context.Background(), RequestSpec{
		Method:      http.MethodGet,
		Stream:      Bool(true),
		EnforceJSON: Bool(true),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)

	var v any
	err = resp.JSON(&v)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, KindInvalidJSON, cErr.Kind)
	assert.Contains(t, err.Error(), "Invalid JSON")
	assert.Nil(t, resp.Stream)
	assert.Equal(t, []byte(`<html>maintenance</html>`), resp.Body)
}

func TestSendRequest_OptionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.Request(context.Background(), RequestSpec{
		Method:  http.MethodGet,
		Options: map[string]any{"timeout": 50 * time.Millisecond},
	})
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRequest_NoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/from" {
			http.Redirect(w, r, "/to", http.StatusFound)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	resp, err := c.Request(context.Background(), RequestSpec{
		Method:   http.MethodGet,
		Endpoint: "/from",
		Options:  map[string]any{"allow_redirects": false},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestHTTPClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, WithRateLimit(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, RequestSpec{Method: http.MethodGet})
	require.NoError(t, err)

	// The second token is a full second away, beyond the deadline.
	_, err = c.Request(ctx, RequestSpec{Method: http.MethodGet})
	var tErr *TransportError
	assert.ErrorAs(t, err, &tErr)
	assert.EqualValues(t, 1, c.Stats().Transactions.Load())
}

func TestProxyFunc(t *testing.T) {
	fn, err := proxyFunc(map[string]string{"https": "http://secure:3128", "all": "http://any:3128"})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "https://x", nil)
	u, err := fn(req)
	require.NoError(t, err)
	assert.Equal(t, "secure:3128", u.Host)

	req, _ = http.NewRequest(http.MethodGet, "http://x", nil)
	u, err = fn(req)
	require.NoError(t, err)
	assert.Equal(t, "any:3128", u.Host)

	_, err = proxyFunc(map[string]string{"http": "::bad"})
	assert.ErrorIs(t, err, ErrCortex)
}
