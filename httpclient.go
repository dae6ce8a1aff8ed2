// Package cortex is a Go client for the Cortex Data Lake query service.
//
// HTTPClient sends authenticated requests over a pooled connection, refreshing
// the bearer token when it expires. QueryService builds on it to create,
// inspect and cancel query jobs and to poll their results to completion:
//
//	qs, err := cortex.NewQueryService(cortex.WithCredentials(creds))
//	...
//	for resp, err := range qs.IterJobResults(ctx, jobID, cortex.JobResultsOptions{}) {
//		...
//	}
package cortex

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tilakbaserock/pan-cortex-data-lake-go/internal/logging"
)

// Requester is the minimal interface implemented by *HTTPClient. QueryService
// depends on it so tests can substitute a fake.
type Requester interface {
	Request(ctx context.Context, spec RequestSpec) (*Response, error)
}

var _ Requester = (*HTTPClient)(nil)

// BasicAuth holds HTTP basic credentials for a single request.
type BasicAuth struct {
	Username string
	Password string
}

// RequestSpec describes one call to HTTPClient.Request. Only Method is
// required; nil pointers fall back to the client's configuration.
type RequestSpec struct {
	Method string
	// Endpoint is appended to the base URL and port, e.g. "/query/v2/jobs".
	Endpoint string
	// URL overrides the configured base URL for this call.
	URL string

	Params  map[string]any
	JSON    any
	Data    []byte
	Headers map[string]string
	Cookies map[string]string
	Auth    *BasicAuth

	Proxies map[string]string
	Verify  *bool
	Cert    string
	Key     string
	// Stream leaves the body unread in Response.Stream. JSON enforcement is
	// then deferred to Response.JSON, which reports an invalid body with
	// KindInvalidJSON when it drains the stream.
	Stream  *bool

	EnforceJSON    *bool
	RaiseForStatus *bool

	// Options carries pass-through transport options: "timeout"
	// (time.Duration, duration string or seconds) and "allow_redirects"
	// (bool). Any other key is rejected.
	Options map[string]any
}

// passThroughOptions are the RequestSpec.Options keys forwarded to the
// underlying transport.
var passThroughOptions = map[string]bool{
	"timeout":         true,
	"allow_redirects": true,
}

type transportOptions struct {
	timeout        time.Duration
	allowRedirects *bool
}

func parsePassThrough(options map[string]any) (transportOptions, error) {
	var out transportOptions
	var unknown []string
	for k := range options {
		if !passThroughOptions[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return out, unexpectedArgument(unknown...)
	}
	if v, ok := options["timeout"]; ok && v != nil {
		d, err := asDuration("timeout", v)
		if err != nil {
			return out, err
		}
		out.timeout = d
	}
	if v, ok := options["allow_redirects"]; ok && v != nil {
		b, err := asBool("allow_redirects", v)
		if err != nil {
			return out, err
		}
		out.allowRedirects = &b
	}
	return out, nil
}

// Response is a completed HTTP exchange. Body holds the full payload unless
// the request was streamed, in which case Stream must be closed by the caller.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	URL        string
	Body       []byte
	Stream     io.ReadCloser
}

// OK reports whether the status code is below 400.
func (r *Response) OK() bool {
	return r.StatusCode < 400
}

// JSON decodes the body into v. A streamed body is read to the end first.
func (r *Response) JSON(v any) error {
	if r.Stream != nil {
		data, err := io.ReadAll(r.Stream)
		r.Stream.Close()
		r.Stream = nil
		if err != nil {
			return &TransportError{Method: "READ", URL: r.URL, Err: err}
		}
		r.Body = data
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &Error{Kind: KindInvalidJSON, Message: fmt.Sprintf("Invalid JSON: %v", err), Err: err}
	}
	return nil
}

// Close releases a streamed body. It is a no-op otherwise.
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	err := r.Stream.Close()
	r.Stream = nil
	return err
}

// cancelOnClose ties a per-request timeout to the life of a streamed body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type sendFunc func(ctx context.Context, enforceJSON bool, method string, raiseForStatus bool, rawURL string, spec *RequestSpec) (*Response, error)

// HTTPClient sends requests to the query service. It is safe for concurrent
// use. Every request carries the default headers and, when credentials are
// configured with AutoRefresh, a fresh bearer token.
type HTTPClient struct {
	cfg       Config
	baseURL   *url.URL
	urlParams map[string]string

	mu          sync.RWMutex
	headers     map[string]string
	credentials Credentials

	client    *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
	log       logging.Logger
	stats     Stats

	// dispatch is sendRequest unless replaced by tests.
	dispatch sendFunc
}

// NewHTTPClient builds a client from DefaultConfig and the given options.
func NewHTTPClient(opts ...Option) (*HTTPClient, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newHTTPClient(*cfg)
}

// NewHTTPClientFromMap builds a client from loosely typed settings (see
// OptionsFromMap), followed by opts. Unknown keys are rejected with a
// *ConfigurationError naming all of them.
func NewHTTPClientFromMap(settings map[string]any, opts ...Option) (*HTTPClient, error) {
	mapped, err := OptionsFromMap(settings)
	if err != nil {
		return nil, err
	}
	return NewHTTPClient(append(mapped, opts...)...)
}

func newHTTPClient(cfg Config) (*HTTPClient, error) {
	base, params, err := resolveBaseURL(cfg.URL, cfg.Port)
	if err != nil {
		return nil, err
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": UserAgent(),
	}
	addHeaders(headers, cfg.Headers)

	c := &HTTPClient{
		cfg:         cfg,
		baseURL:     base,
		urlParams:   params,
		headers:     headers,
		credentials: cfg.Credentials,
		log:         logging.Nop{},
	}
	if cfg.Logger != nil {
		c.log = logging.NewSlogLogger(cfg.Logger).With("component", "httpclient")
	}

	if cfg.HTTPClient != nil {
		c.client = cfg.HTTPClient
	} else {
		t, err := newTransport(transportSettings{
			verify:   cfg.Verify,
			caBundle: cfg.CABundle,
			cert:     cfg.Cert,
			key:      cfg.Key,
			proxies:  cfg.Proxies,
		})
		if err != nil {
			return nil, err
		}
		c.transport = t
		c.client = &http.Client{Transport: t, Timeout: cfg.Timeout}
	}

	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	c.dispatch = c.sendRequest
	return c, nil
}

type transportSettings struct {
	verify    bool
	caBundle  string
	cert, key string
	proxies   map[string]string
	oneOff    bool
}

// newTransport builds a pooled keep-alive transport. One-off transports,
// used for per-request TLS or proxy overrides, do not keep connections.
func newTransport(s transportSettings) (*http.Transport, error) {
	tlsCfg, err := newTLSConfig(s.verify, s.caBundle, s.cert, s.key)
	if err != nil {
		return nil, err
	}
	proxy, err := proxyFunc(s.proxies)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		Proxy:           proxy,
		TLSClientConfig: tlsCfg,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     s.oneOff,
	}, nil
}

func newTLSConfig(verify bool, caBundle, cert, key string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify, //nolint:gosec // explicit opt-out
	}
	if caBundle != "" {
		pem, err := os.ReadFile(caBundle)
		if err != nil {
			return nil, invalidArgument("ca_bundle", "%v", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, invalidArgument("ca_bundle", "no certificates found in %s", caBundle)
		}
		cfg.RootCAs = pool
	}
	if cert != "" {
		if key == "" {
			key = cert
		}
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, invalidArgument("cert", "%v", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// proxyFunc selects a proxy by request scheme, falling back to the "all"
// entry. Without any entries the environment decides.
func proxyFunc(proxies map[string]string) (func(*http.Request) (*url.URL, error), error) {
	if len(proxies) == 0 {
		return http.ProxyFromEnvironment, nil
	}
	parsed := make(map[string]*url.URL, len(proxies))
	for scheme, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, invalidArgument("proxies", "invalid proxy URL for %s", scheme)
		}
		parsed[strings.ToLower(scheme)] = u
	}
	return func(r *http.Request) (*url.URL, error) {
		if u, ok := parsed[r.URL.Scheme]; ok {
			return u, nil
		}
		if u, ok := parsed["all"]; ok {
			return u, nil
		}
		return nil, nil
	}, nil
}

// URL returns the configured base URL as given, without the port.
func (c *HTTPClient) URL() string { return c.cfg.URL }

// Port returns the configured port.
func (c *HTTPClient) Port() int { return c.cfg.Port }

// AutoRefresh reports whether expired tokens are refreshed before sending.
func (c *HTTPClient) AutoRefresh() bool { return c.cfg.AutoRefresh }

// EnforceJSON reports the default for RequestSpec.EnforceJSON.
func (c *HTTPClient) EnforceJSON() bool { return c.cfg.EnforceJSON }

// RaiseForStatus reports the default for RequestSpec.RaiseForStatus.
func (c *HTTPClient) RaiseForStatus() bool { return c.cfg.RaiseForStatus }

// Stats returns the live counters of this client.
func (c *HTTPClient) Stats() *Stats { return &c.stats }

// Headers returns a copy of the headers sent with every request.
func (c *HTTPClient) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	addHeaders(out, c.headers)
	return out
}

// SetHeader adds or replaces a default header.
func (c *HTTPClient) SetHeader(key, value string) {
	c.mu.Lock()
	c.headers[http.CanonicalHeaderKey(key)] = value
	c.mu.Unlock()
}

// DeleteHeader removes a default header.
func (c *HTTPClient) DeleteHeader(key string) {
	c.mu.Lock()
	delete(c.headers, http.CanonicalHeaderKey(key))
	c.mu.Unlock()
}

// Credentials returns the configured token source, or nil.
func (c *HTTPClient) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials
}

// SetCredentials swaps the token source for subsequent requests.
func (c *HTTPClient) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.credentials = creds
	c.mu.Unlock()
}

// Close drops idle pooled connections. The client stays usable.
func (c *HTTPClient) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	} else {
		c.client.CloseIdleConnections()
	}
	return nil
}

// String describes the client with sensitive header values redacted.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("HTTPClient(url='%s', port=%d, headers=%s)", c.cfg.URL, c.cfg.Port, formatHeaders(c.Headers()))
}

func (c *HTTPClient) GoString() string { return c.String() }

// LogValue keeps secrets out of structured logs.
func (c *HTTPClient) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", c.cfg.URL),
		slog.Int("port", c.cfg.Port),
		slog.Any("headers", redactHeaders(c.Headers())),
	)
}

// applyCredentials sets the Authorization header from creds. The current
// token is used while it is present and not expired; otherwise creds is
// refreshed once.
func (c *HTTPClient) applyCredentials(ctx context.Context, autoRefresh bool, creds Credentials, headers map[string]string) error {
	if !autoRefresh || creds == nil {
		return nil
	}
	current, err := creds.GetCredentials(ctx)
	if err != nil {
		return err
	}
	if current.AccessToken != "" && !creds.JWTIsExpired() {
		headers["Authorization"] = "Bearer " + current.AccessToken
		return nil
	}

	token, err := creds.Refresh(ctx)
	if err != nil {
		return err
	}
	c.log.Debug(ctx, "access token refreshed")
	headers["Authorization"] = "Bearer " + token
	return nil
}

// Request sends one request described by spec to <url>:<port><endpoint>.
// Errors are always from this package's taxonomy; anything foreign is
// wrapped in an *HTTPError.
func (c *HTTPClient) Request(ctx context.Context, spec RequestSpec) (*Response, error) {
	if spec.Method == "" {
		return nil, missingArgument("method")
	}
	if _, err := parsePassThrough(spec.Options); err != nil {
		return nil, err
	}

	headers := c.Headers()
	addHeaders(headers, spec.Headers)
	if err := c.applyCredentials(ctx, c.cfg.AutoRefresh, c.Credentials(), headers); err != nil {
		return nil, wrapForeign(err)
	}

	base, urlParams := c.baseURL, c.urlParams
	if spec.URL != "" && strings.TrimRight(spec.URL, "/") != c.cfg.URL {
		var err error
		base, urlParams, err = resolveBaseURL(spec.URL, c.cfg.Port)
		if err != nil {
			return nil, err
		}
	}

	enforceJSON := c.cfg.EnforceJSON
	if spec.EnforceJSON != nil {
		enforceJSON = *spec.EnforceJSON
	}
	raiseForStatus := c.cfg.RaiseForStatus
	if spec.RaiseForStatus != nil {
		raiseForStatus = *spec.RaiseForStatus
	}

	call := spec
	call.Headers = headers
	call.Params = mergeParams(urlParams, spec.Params)

	resp, err := c.dispatch(ctx, enforceJSON, strings.ToUpper(spec.Method), raiseForStatus, buildEndpoint(base, spec.Endpoint), &call)
	if err != nil {
		return nil, wrapForeign(err)
	}
	return resp, nil
}

func wrapForeign(err error) error {
	if errors.Is(err, ErrCortex) {
		return err
	}
	return &HTTPError{Err: err}
}

// sendRequest performs exactly one HTTP exchange. Transactions is counted as
// soon as a response arrives, before status and JSON enforcement.
func (c *HTTPClient) sendRequest(ctx context.Context, enforceJSON bool, method string, raiseForStatus bool, rawURL string, spec *RequestSpec) (*Response, error) {
	if spec == nil {
		spec = &RequestSpec{}
	}
	opts, err := parsePassThrough(spec.Options)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Method: method, URL: rawURL, Err: err}
		}
	}

	cancel := context.CancelFunc(func() {})
	if opts.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
	}

	req, err := newHTTPRequest(ctx, method, rawURL, spec)
	if err != nil {
		cancel()
		return nil, err
	}
	client, err := c.clientFor(spec, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	httpResp, err := client.Do(req)
	if err != nil {
		cancel()
		c.log.Debug(ctx, "request failed", "method", method, "url", rawURL, "error", err)
		return nil, &TransportError{Method: method, URL: rawURL, Err: err}
	}

	stream := c.cfg.Stream
	if spec.Stream != nil {
		stream = *spec.Stream
	}
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		URL:        rawURL,
	}
	if stream {
		resp.Stream = &cancelOnClose{ReadCloser: httpResp.Body, cancel: cancel}
	} else {
		body, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		cancel()
		if err != nil {
			return nil, &TransportError{Method: method, URL: rawURL, Err: err}
		}
		resp.Body = body
	}

	c.stats.Transactions.Add(1)
	c.log.Debug(ctx, "request completed",
		"method", method,
		"url", rawURL,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)

	if raiseForStatus && resp.StatusCode >= 400 {
		body := resp.Body
		if stream {
			body, _ = io.ReadAll(io.LimitReader(resp.Stream, 64<<10))
			resp.Close()
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}

	// Streamed bodies are validated by Response.JSON.
	if enforceJSON && !stream {
		var probe any
		if err := json.Unmarshal(resp.Body, &probe); err != nil {
			return nil, &Error{Kind: KindInvalidJSON, Message: fmt.Sprintf("Invalid JSON: %v", err), Err: err}
		}
	}
	return resp, nil
}

func newHTTPRequest(ctx context.Context, method, rawURL string, spec *RequestSpec) (*http.Request, error) {
	var body io.Reader
	contentType := ""
	switch {
	case spec.JSON != nil:
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(spec.JSON); err != nil {
			return nil, &Error{Kind: KindGeneric, Message: fmt.Sprintf("encode request body: %v", err), Err: err}
		}
		body = buf
		contentType = "application/json"
	case spec.Data != nil:
		body = bytes.NewReader(spec.Data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, invalidArgument("url", "%v", err)
	}
	if len(spec.Params) > 0 {
		q := req.URL.Query()
		encodeParams(q, spec.Params)
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range spec.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if spec.Auth != nil {
		req.SetBasicAuth(spec.Auth.Username, spec.Auth.Password)
	}
	return req, nil
}

// clientFor returns the pooled client unless the call overrides TLS, proxy
// or redirect behaviour.
func (c *HTTPClient) clientFor(spec *RequestSpec, opts transportOptions) (*http.Client, error) {
	overrideTransport := spec.Verify != nil || spec.Cert != "" || len(spec.Proxies) > 0
	if !overrideTransport && opts.allowRedirects == nil {
		return c.client, nil
	}

	client := *c.client
	if overrideTransport {
		s := transportSettings{
			verify:   c.cfg.Verify,
			caBundle: c.cfg.CABundle,
			cert:     c.cfg.Cert,
			key:      c.cfg.Key,
			proxies:  c.cfg.Proxies,
			oneOff:   true,
		}
		if spec.Verify != nil {
			s.verify = *spec.Verify
		}
		if spec.Cert != "" {
			s.cert, s.key = spec.Cert, spec.Key
		}
		if len(spec.Proxies) > 0 {
			s.proxies = spec.Proxies
		}
		t, err := newTransport(s)
		if err != nil {
			return nil, err
		}
		client.Transport = t
	}
	if opts.allowRedirects != nil && !*opts.allowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &client, nil
}
