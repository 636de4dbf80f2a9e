package message

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
)

var angleAddr = regexp.MustCompile(`<(.+?)>`)

// ExtractEmail pulls the first addr-spec out of a header value like
// "Alice Archer <alice@acme.com>" and lower-cases it. Returns "" when no
// address is recognizable.
func ExtractEmail(s string) string {
	if s == "" {
		return ""
	}
	if m := angleAddr.FindStringSubmatch(s); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	if strings.Contains(s, "@") {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return ""
}

// ExtractDomain returns the domain of the first address in s, "" when none.
func ExtractDomain(s string) string {
	email := ExtractEmail(s)
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// EmailsIn returns every address in a recipient header value, lower-cased.
// Structured parsing is tried first; on failure the value is comma-split
// and each piece handled heuristically, so a malformed list still yields
// the addresses that can be recognized.
func EmailsIn(headerValue string) []string {
	if strings.TrimSpace(headerValue) == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(headerValue); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, piece := range strings.Split(headerValue, ",") {
		if e := ExtractEmail(piece); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// DomainsIn collects the distinct domains across a set of address values.
// Each value may be a single address, a display-name form, or a list.
func DomainsIn(values ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(d string) {
		if d == "" {
			return
		}
		if _, dup := seen[d]; dup {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, v := range values {
		if v == "" {
			continue
		}
		emails := EmailsIn(v)
		if len(emails) == 0 {
			if e := ExtractEmail(v); e != "" {
				emails = []string{e}
			}
		}
		for _, e := range emails {
			if at := strings.LastIndex(e, "@"); at >= 0 && at < len(e)-1 {
				add(strings.ToLower(strings.TrimSuffix(e[at+1:], ">")))
			}
		}
	}
	return out
}

// ParseDate converts an RFC 5322 Date header to epoch seconds, 0 when the
// value is absent or unparseable. Zero sorts last and marks the message as
// undatable for retention.
func ParseDate(value string) int64 {
	if strings.TrimSpace(value) == "" {
		return 0
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// FormatDate renders t in RFC 5322 form for synthesized headers.
func FormatDate(t time.Time) string {
	return t.Format(time.RFC1123Z)
}
