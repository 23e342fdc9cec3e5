package normalize

import (
	"regexp"
	"strings"
)

// freeMailProviders are consumer mail providers. Matching is by substring of
// the email domain, so "gmx" also rejects "gmx.de" and "gmx.net".
var freeMailProviders = []string{
	"gmail",
	"yahoo",
	"hotmail",
	"outlook",
	"aol",
	"icloud",
	"proton",
	"protonmail",
	"zoho",
	"yandex",
	"mail",
	"gmx",
	"live",
	"msn",
	"inbox",
	"rediff",
	"web.de",
	"t-online",
	"freenet",
	"googlemail",
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// IsValidEmailFormat reports whether email looks like local@domain.tld.
func IsValidEmailFormat(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && emailRe.MatchString(email)
}

// IsBusinessEmail reports whether email is well formed and not hosted by a
// free or consumer mail provider.
func IsBusinessEmail(email string) bool {
	if !IsValidEmailFormat(email) {
		return false
	}
	at := strings.LastIndex(email, "@")
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	for _, provider := range freeMailProviders {
		if strings.Contains(domain, provider) {
			return false
		}
	}
	return true
}

// ValidateEmail returns the trimmed, lowercased email when it is a business
// address and "" otherwise.
func ValidateEmail(email string) string {
	cleaned := strings.ToLower(strings.TrimSpace(email))
	if !IsBusinessEmail(cleaned) {
		return ""
	}
	return cleaned
}
