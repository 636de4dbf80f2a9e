//go:build property
// +build property

package redact

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMaskingProperty verifies that planted identifiers never survive
// masking, whatever text surrounds them. Fillers are alphabetic so the
// only identifiers in the input are the planted ones.
func TestMaskingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("planted address never survives", prop.ForAll(
		func(local, domain, before, after string) bool {
			if local == "" || domain == "" {
				return true
			}
			email := local + "@" + domain + ".com"
			out := Text(before + " " + email + " " + after)
			return !strings.Contains(out, email) && strings.Contains(out, "[EMAIL]")
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("planted SSN never survives", prop.ForAll(
		func(area, group, serial int, before, after string) bool {
			ssn := fmt.Sprintf("%03d-%02d-%04d", area, group, serial)
			out := Text(before + " " + ssn + " " + after)
			return !strings.Contains(out, ssn) && strings.Contains(out, "[SSN]")
		},
		gen.IntRange(0, 999),
		gen.IntRange(0, 99),
		gen.IntRange(0, 9999),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("all planted identifiers masked together", prop.ForAll(
		func(local, domain string, area, group, serial int, filler string) bool {
			if local == "" || domain == "" {
				return true
			}
			email := local + "@" + domain + ".org"
			ssn := fmt.Sprintf("%03d-%02d-%04d", area, group, serial)
			ip := "10.42.7.199"
			out := Text(strings.Join([]string{filler, email, filler, ssn, ip, filler}, " "))
			return !strings.Contains(out, email) &&
				!strings.Contains(out, ssn) &&
				!strings.Contains(out, ip)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 999),
		gen.IntRange(0, 99),
		gen.IntRange(0, 9999),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
