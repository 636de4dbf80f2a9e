// Package redact finds personally identifiable information in message text
// and masks it with bracketed labels. The same pass backs the preview
// endpoint, the scan endpoint, and redacted exports, so all three agree on
// what counts as PII.
package redact

import (
	"regexp"
	"sort"
)

// Entity is one identified PII segment. Offsets are byte positions into
// the scanned text.
type Entity struct {
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

type pattern struct {
	label string
	re    *regexp.Regexp
}

// Patterns are applied in declaration order; Scan output preserves it.
var patterns = []pattern{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{"IPV4", regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"PHONE", regexp.MustCompile(`\b(?:\+?\d{1,3}[- ]?)?\(?\d{3}\)?[- ]?\d{3}[- ]?\d{4}\b`)},
	{"IBAN", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
	{"API_KEY", regexp.MustCompile(`\b(?:sk|pk|ghp|gho|xox[a-z])[-_][A-Za-z0-9_-]{16,}\b`)},
}

// Scan returns every PII segment found in text, grouped by pattern in
// declaration order.
func Scan(text string) []Entity {
	var found []Entity
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			found = append(found, Entity{
				Label: p.label,
				Start: m[0],
				End:   m[1],
				Text:  text[m[0]:m[1]],
			})
		}
	}
	return found
}

// Text replaces every identified segment with its bracketed label.
// Segments are spliced right to left so earlier offsets stay valid while
// replacing.
func Text(text string) string {
	found := Scan(text)
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Start > found[j].Start
	})
	out := text
	for _, e := range found {
		// Overlapping matches may have shrunk the tail already; clamp
		// instead of panicking so the splice stays total.
		start, end := e.Start, e.End
		if start > len(out) {
			continue
		}
		if end > len(out) {
			end = len(out)
		}
		out = out[:start] + "[" + e.Label + "]" + out[end:]
	}
	return out
}
