package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

// CompanyHash returns the deduplication key for a company. The domain is used
// when present so that differently named rows for one website collapse to the
// same company; otherwise the name is used.
func CompanyHash(domain, name string) string {
	input := domain
	if strings.TrimSpace(input) == "" {
		input = name
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(input))))
	return hex.EncodeToString(sum[:])[:HashLength]
}
