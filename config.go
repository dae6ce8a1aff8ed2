package cortex

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"
)

// DefaultURL is the US region endpoint of the query service.
const DefaultURL = "https://api.us.cdl.paloaltonetworks.com"

// Config holds everything an HTTPClient needs. Build it with DefaultConfig and
// Options rather than by hand.
type Config struct {
	// URL is the service origin, without a trailing slash. A port in the URL
	// is replaced by Port.
	URL string
	// Port is appended to the host on every request.
	Port int
	// Headers are sent with every request, on top of the defaults.
	Headers map[string]string
	// Timeout bounds a whole exchange. Zero means no limit.
	Timeout time.Duration
	// Verify enables TLS certificate verification.
	Verify bool
	// CABundle is a PEM file of extra trusted roots.
	CABundle string
	// Cert and Key are PEM files of a client certificate.
	Cert string
	Key  string
	// Proxies maps a URL scheme ("http", "https") to a proxy URL. When empty
	// the environment (HTTPS_PROXY etc.) is used.
	Proxies map[string]string
	// Stream leaves response bodies unread for the caller.
	Stream bool

	AutoRefresh    bool
	EnforceJSON    bool
	RaiseForStatus bool

	// RateLimit caps outgoing requests per second; zero disables it.
	RateLimit float64
	RateBurst int

	Credentials Credentials
	// HTTPClient replaces the pooled client built from the options above.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultConfig returns the settings used when no option overrides them:
// the US endpoint on port 443, TLS verification and automatic token
// refresh on, JSON and status enforcement off.
func DefaultConfig() *Config {
	return &Config{
		URL:         DefaultURL,
		Port:        443,
		Headers:     make(map[string]string),
		Verify:      true,
		AutoRefresh: true,
	}
}

// Option mutates a Config. Options are applied in order, so later ones win.
type Option func(c *Config)

// WithURL sets the base URL. It must be an absolute http(s) URL; any query
// string becomes default parameters for every request.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithPort sets the port appended to the base URL.
func WithPort(port int) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithHeaders merges headers into the configured set; later calls win.
func WithHeaders(headers map[string]string) Option {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithTimeout bounds every request. Zero means no client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithVerify toggles TLS certificate verification.
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}

// WithCABundle verifies the server against the PEM bundle at path instead
// of the system roots.
func WithCABundle(path string) Option {
	return func(c *Config) {
		c.CABundle = path
	}
}

// WithClientCert presents a client certificate. keyFile may be empty when
// certFile holds both the certificate and its key.
func WithClientCert(certFile, keyFile string) Option {
	return func(c *Config) {
		c.Cert = certFile
		c.Key = keyFile
	}
}

// WithProxies merges scheme to proxy URL mappings ("http", "https" or
// "all").
func WithProxies(proxies map[string]string) Option {
	return func(c *Config) {
		if c.Proxies == nil {
			c.Proxies = make(map[string]string)
		}
		for k, v := range proxies {
			c.Proxies[k] = v
		}
	}
}

// WithStream makes requests return the body unread in Response.Stream.
func WithStream(stream bool) Option {
	return func(c *Config) {
		c.Stream = stream
	}
}

// WithCredentials sets the token source used for the Authorization header.
func WithCredentials(creds Credentials) Option {
	return func(c *Config) {
		c.Credentials = creds
	}
}

// WithAutoRefresh controls whether an expired token is refreshed before a
// request is sent.
func WithAutoRefresh(enabled bool) Option {
	return func(c *Config) {
		c.AutoRefresh = enabled
	}
}

// WithEnforceJSON rejects response bodies that are not valid JSON.
func WithEnforceJSON(enabled bool) Option {
	return func(c *Config) {
		c.EnforceJSON = enabled
	}
}

// WithRaiseForStatus turns 4xx and 5xx responses into *HTTPError.
func WithRaiseForStatus(enabled bool) Option {
	return func(c *Config) {
		c.RaiseForStatus = enabled
	}
}

// WithRateLimit limits the client to rps requests per second with the given
// burst. A burst below one is raised to one.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config) {
		c.RateLimit = rps
		c.RateBurst = burst
	}
}

// WithHTTPClient replaces the pooled client. TLS, proxy and timeout settings
// are then the caller's responsibility.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithLogger sets the logger for request tracing. Nil discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// configKeys is the closed set of keys accepted by OptionsFromMap.
var configKeys = map[string]func(key string, v any) (Option, error){
	"url": func(key string, v any) (Option, error) {
		s, err := asString(key, v)
		return WithURL(s), err
	},
	"port": func(key string, v any) (Option, error) {
		n, err := asInt(key, v)
		return WithPort(n), err
	},
	"headers": func(key string, v any) (Option, error) {
		m, err := asStringMap(key, v)
		return WithHeaders(m), err
	},
	"timeout": func(key string, v any) (Option, error) {
		d, err := asDuration(key, v)
		return WithTimeout(d), err
	},
	"verify": func(key string, v any) (Option, error) {
		// A string is a CA bundle path, which also implies verification.
		if s, ok := v.(string); ok {
			return func(c *Config) {
				c.Verify = true
				c.CABundle = s
			}, nil
		}
		b, err := asBool(key, v)
		return WithVerify(b), err
	},
	"ca_bundle": func(key string, v any) (Option, error) {
		s, err := asString(key, v)
		return WithCABundle(s), err
	},
	"cert": func(key string, v any) (Option, error) {
		s, err := asString(key, v)
		return func(c *Config) { c.Cert = s }, err
	},
	"key": func(key string, v any) (Option, error) {
		s, err := asString(key, v)
		return func(c *Config) { c.Key = s }, err
	},
	"proxies": func(key string, v any) (Option, error) {
		m, err := asStringMap(key, v)
		return WithProxies(m), err
	},
	"stream": func(key string, v any) (Option, error) {
		b, err := asBool(key, v)
		return WithStream(b), err
	},
	"auto_refresh": func(key string, v any) (Option, error) {
		b, err := asBool(key, v)
		return WithAutoRefresh(b), err
	},
	"enforce_json": func(key string, v any) (Option, error) {
		b, err := asBool(key, v)
		return WithEnforceJSON(b), err
	},
	"raise_for_status": func(key string, v any) (Option, error) {
		b, err := asBool(key, v)
		return WithRaiseForStatus(b), err
	},
	"rate_limit": func(key string, v any) (Option, error) {
		f, err := asFloat(key, v)
		return func(c *Config) { c.RateLimit = f }, err
	},
	"rate_burst": func(key string, v any) (Option, error) {
		n, err := asInt(key, v)
		return func(c *Config) { c.RateBurst = n }, err
	},
}

// ConfigKeys lists the keys accepted by OptionsFromMap, sorted.
func ConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OptionsFromMap converts loosely typed settings, as decoded from YAML or
// JSON, into Options. Every unknown key is reported in a single
// *ConfigurationError.
func OptionsFromMap(settings map[string]any) ([]Option, error) {
	var unknown []string
	for k := range settings {
		if _, ok := configKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, unexpectedArgument(unknown...)
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]Option, 0, len(settings))
	for _, k := range keys {
		opt, err := configKeys[k](k, settings[k])
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidArgument(key, "want string, got %T", v)
	}
	return s, nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, invalidArgument(key, "want bool, got %T", v)
	}
	return b, nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt32 {
			return 0, invalidArgument(key, "%d out of range", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, invalidArgument(key, "want integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, invalidArgument(key, "want integer, got %T", v)
	}
}

func asFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int, int32, int64:
		i, err := asInt(key, v)
		return float64(i), err
	default:
		return 0, invalidArgument(key, "want number, got %T", v)
	}
}

// asDuration accepts a time.Duration, a Go duration string ("30s") or a
// number of seconds.
func asDuration(key string, v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, invalidArgument(key, "%v", err)
		}
		return parsed, nil
	default:
		secs, err := asFloat(key, v)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
}

func asStringMap(key string, v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			switch s := val.(type) {
			case string:
				out[k] = s
			case fmt.Stringer:
				out[k] = s.String()
			default:
				out[k] = fmt.Sprint(val)
			}
		}
		return out, nil
	default:
		return nil, invalidArgument(key, "want mapping, got %T", v)
	}
}
