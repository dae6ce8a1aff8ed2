package cortex

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// resolveBaseURL validates rawURL, forces port onto it and splits off any
// query string, which is returned as default request parameters.
func resolveBaseURL(rawURL string, port int) (*url.URL, map[string]string, error) {
	uri, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, nil, invalidArgument("url", "%v", err)
	}
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return nil, nil, invalidArgument("url", "unsupported scheme %q in %s", uri.Scheme, rawURL)
	}
	if strings.TrimSpace(uri.Hostname()) == "" {
		return nil, nil, invalidArgument("url", "no host specified in %s", rawURL)
	}
	if port < 1 || port > 65535 {
		return nil, nil, invalidArgument("port", "%d out of range", port)
	}
	params, err := parseURIParameters(uri.RawQuery)
	if err != nil {
		return nil, nil, err
	}
	uri.Host = net.JoinHostPort(uri.Hostname(), strconv.Itoa(port))
	uri.RawQuery = ""
	uri.Fragment = ""
	return uri, params, nil
}

func parseURIParameters(rawQuery string) (map[string]string, error) {
	out := map[string]string{}
	if rawQuery == "" {
		return out, nil
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, invalidArgument("url", "query parameter must be key=val format: '%s'", pair)
		}
		k, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, invalidArgument("url", "%v", err)
		}
		v, err := url.QueryUnescape(kv[1])
		if err != nil {
			return nil, invalidArgument("url", "%v", err)
		}
		if _, exists := out[k]; exists {
			return nil, invalidArgument("url", "query parameter '%s' is in URL multiple times", k)
		}
		out[k] = v
	}
	return out, nil
}

// buildEndpoint joins base and endpoint with exactly one slash between them.
func buildEndpoint(base *url.URL, endpoint string) string {
	u := *base
	if endpoint != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	return u.String()
}

// mergeParams overlays call parameters on the URL defaults. Nil values are
// dropped so optional parameters can be passed through unconditionally.
func mergeParams(defaults map[string]string, params map[string]any) map[string]any {
	if len(defaults) == 0 && len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func encodeParams(q url.Values, params map[string]any) {
	for k, v := range params {
		if v == nil {
			continue
		}
		q.Set(k, formatParam(v))
	}
}

func formatParam(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case int:
		return strconv.Itoa(p)
	case int64:
		return strconv.FormatInt(p, 10)
	case bool:
		return strconv.FormatBool(p)
	case fmt.Stringer:
		return p.String()
	default:
		return fmt.Sprint(v)
	}
}

// addHeaders copies src into dst under canonical header keys.
func addHeaders(dst, src map[string]string) {
	for k, v := range src {
		dst[http.CanonicalHeaderKey(k)] = v
	}
}

const redacted = "<redacted>"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"x-api-key":           true,
}

func isSensitiveHeader(key, value string) bool {
	if sensitiveHeaders[strings.ToLower(key)] {
		return true
	}
	v := strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(v, "bearer ") || strings.HasPrefix(v, "basic ")
}

// redactHeaders returns a copy of headers safe to print.
func redactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveHeader(k, v) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

// formatHeaders renders headers in sorted key order, redacted.
func formatHeaders(headers map[string]string) string {
	safe := redactHeaders(headers)
	keys := make([]string, 0, len(safe))
	for k := range safe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("'%s': '%s'", k, safe[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
