package ingest

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Tracking parameters stripped before a URL is fetched or stored, so
// re-ingesting the same article under a different campaign link
// overwrites the earlier chunks instead of duplicating them.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// CanonicalURL normalizes a URL before ingestion: lowercases scheme and
// host, removes default ports, strips fragments and tracking query
// parameters, cleans the path and sorts what remains of the query.
// A missing scheme defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	parsed, err := parseFlexible(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host

	hadTrailingSlash := strings.HasSuffix(parsed.Path, "/")
	cleaned := path.Clean(parsed.Path)
	if cleaned == "." || cleaned == "" {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if cleaned != "/" && hadTrailingSlash {
		cleaned += "/"
	}
	parsed.Path = cleaned

	parsed.Fragment = ""
	query := parsed.Query()
	for key := range query {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	for _, values := range query {
		sort.Strings(values)
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// parseFlexible parses raw into a url.URL, accepting schemeless forms
// like example.com/path and //example.com/path.
func parseFlexible(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
