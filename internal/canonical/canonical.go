// Package canonical produces the deterministic canonical string form of a
// URL used as the dedup key across the store.
package canonical

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// trackingParams is the closed set of query parameter names stripped during
// canonicalization, matched case-insensitively.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"fbclid":       {},
	"gclid":        {},
	"igshid":       {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"ref_src":      {},
	"spm":          {},
}

// keyCollator sorts surviving query parameters using locale-independent
// (root-locale) Unicode collation rather than a byte-wise comparison.
var keyCollator = collate.New(language.Und)

// Canonicalize reduces raw to its deterministic canonical form. The second
// return value is false when raw is empty or cannot be turned into a valid
// URL after the normalization steps below.
func Canonicalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	trimmed = norm.NFC.String(trimmed)

	if !hasHTTPScheme(trimmed) {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = stripDefaultPort(u.Scheme, u.Host)
	u.Fragment = ""

	u.RawQuery = filteredSortedQuery(u.Query())

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), true
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func stripDefaultPort(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

func filteredSortedQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, tracked := trackingParams[strings.ToLower(k)]; tracked {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}

	sort.Slice(keys, func(i, j int) bool {
		return keyCollator.CompareString(keys[i], keys[j]) < 0
	})

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		for j, v := range values[k] {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
