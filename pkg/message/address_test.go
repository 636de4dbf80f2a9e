package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice Archer <Alice@Acme.com>", "alice@acme.com"},
		{"bob@acme.com", "bob@acme.com"},
		{"  Carol@Partner.IO  ", "carol@partner.io"},
		{"no address here", ""},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExtractEmail(c.in), "input %q", c.in)
	}
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "acme.com", ExtractDomain("Alice <alice@acme.com>"))
	assert.Equal(t, "partner.io", ExtractDomain("bob@partner.io"))
	assert.Equal(t, "", ExtractDomain("not an address"))
}

func TestEmailsInHandlesLists(t *testing.T) {
	got := EmailsIn("Bob <bob@acme.com>, Carol <carol@partner.io>")
	assert.Equal(t, []string{"bob@acme.com", "carol@partner.io"}, got)
}

func TestEmailsInFallsBackOnMalformed(t *testing.T) {
	got := EmailsIn("bob@acme.com, <<broken, carol@partner.io")
	assert.Contains(t, got, "bob@acme.com")
	assert.Contains(t, got, "carol@partner.io")
}

func TestDomainsIn(t *testing.T) {
	got := DomainsIn(
		"Alice <alice@acme.com>",
		"bob@acme.com, carol@partner.io",
		"",
	)
	assert.ElementsMatch(t, []string{"acme.com", "partner.io"}, got)
}

func TestParseDate(t *testing.T) {
	assert.Equal(t, int64(1736157600), ParseDate("Mon, 06 Jan 2025 10:00:00 +0000"))
	assert.Equal(t, int64(0), ParseDate("not a date"))
	assert.Equal(t, int64(0), ParseDate(""))
}
