// Package normalize provides the pure helpers that derive dedup keys and
// contact fields from raw company data.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	schemeRe         = regexp.MustCompile(`(?i)^https?://`)
	domainFallbackRe = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?([^/\s]+)`)
)

// ExtractDomain returns the lowercase hostname of a website with any leading
// "www." removed. Inputs without a scheme are treated as https. Returns ""
// for empty input.
//
//	"https://www.Acme.com/about" → "acme.com"
//	"shop.example.org"           → "shop.example.org"
func ExtractDomain(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}

	raw := website
	if !schemeRe.MatchString(raw) {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err == nil && u.Hostname() != "" {
		return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}

	m := domainFallbackRe.FindStringSubmatch(website)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// NormalizeWebsite returns the scheme and host origin of a website, adding
// https when no scheme is present. Unparseable input is returned trimmed.
func NormalizeWebsite(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}
	if !schemeRe.MatchString(website) {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil || u.Host == "" {
		return website
	}
	return u.Scheme + "://" + u.Host
}
