// Package textx holds small text sanitation helpers shared by the result
// pipeline: HTML stripping, URL cleanup, handle normalization.
package textx

import (
	"net/url"
	"regexp"
	"strings"
)

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes markup tags and collapses the remaining whitespace.
func StripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// trackingParams are query parameters dropped during URL normalization.
var trackingParams = map[string]bool{
	"fbclid":       true,
	"gclid":        true,
	"igshid":       true,
	"mc_cid":       true,
	"mc_eid":       true,
	"ref":          true,
	"utm_campaign": true,
	"utm_content":  true,
	"utm_medium":   true,
	"utm_source":   true,
	"utm_term":     true,
}

// NormalizeURL strips tracking parameters and forces an https scheme on
// scheme-less URLs. Unparseable input is returned trimmed but otherwise
// untouched.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "https://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.Scheme == "" || u.Scheme == "http" {
		u.Scheme = "https"
	}
	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// NormalizeHandle lowercases a platform handle and strips whitespace and a
// leading @.
func NormalizeHandle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "@")
}
