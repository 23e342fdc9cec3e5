package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		website string
		want    string
	}{
		{"full url with www", "https://www.Acme.com/about", "acme.com"},
		{"bare host", "shop.example.org", "shop.example.org"},
		{"empty", "", ""},
		{"whitespace", "   ", ""},
		{"http scheme", "http://Example.COM", "example.com"},
		{"path without scheme", "acme.com/contact", "acme.com"},
		{"port", "https://acme.com:8443/x", "acme.com"},
		{"uppercase scheme", "HTTPS://WWW.ACME.COM", "acme.com"},
		{"subdomain kept", "https://www.shop.acme.com", "shop.acme.com"},
		{"fallback on unparseable host", "foo bar.com", "foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExtractDomain(tt.website))
		})
	}
}

func TestNormalizeWebsite(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://acme.com", NormalizeWebsite("acme.com/contact"))
	assert.Equal(t, "http://www.acme.com", NormalizeWebsite("http://www.acme.com/about?x=1"))
	assert.Equal(t, "", NormalizeWebsite(""))
}

func TestCompanyHash_Deterministic(t *testing.T) {
	t.Parallel()

	h1 := CompanyHash("acme.com", "Acme Inc")
	h2 := CompanyHash("acme.com", "Acme Inc")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, HashLength)
	assert.Equal(t, "1194228da8fdbdee", h1)
}

func TestCompanyHash_DomainWinsOverName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CompanyHash("acme.com", "Acme Inc"), CompanyHash("acme.com", "ACME"))
	assert.NotEqual(t, CompanyHash("acme.com", "Acme"), CompanyHash("", "Acme"))
}

func TestCompanyHash_NameFallbackNormalized(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "822b33ad87c148a0", CompanyHash("", "  ACME "))
	assert.Equal(t, CompanyHash("", "acme"), CompanyHash("  ", "Acme"))
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"sales@acme.com", "sales@acme.com"},
		{"  Sales@Acme.COM ", "sales@acme.com"},
		{"bob@gmail.com", ""},
		{"jane@web.de", ""},
		{"x@googlemail.com", ""},
		{"info@yahoo.co.uk", ""},
		{"not-an-email", ""},
		{"a@b", ""},
		{"", ""},
		{"two words@acme.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidateEmail(tt.in))
		})
	}
}

func TestIsBusinessEmail(t *testing.T) {
	t.Parallel()

	assert.True(t, IsBusinessEmail("ops@supplier.io"))
	assert.False(t, IsBusinessEmail("ops@outlook.com"))
	assert.False(t, IsBusinessEmail("garbage"))
	assert.True(t, IsValidEmailFormat("bob@gmail.com"))
}
