package message

import (
	"regexp"
	"strings"
)

// TextExtractor pulls searchable text out of an attachment payload.
// Extractors for formats needing external engines (PDF text layers, OCR)
// plug in through this interface; the built-in set covers text payloads.
type TextExtractor interface {
	// Supports reports whether the extractor handles the payload,
	// judged by declared media type and filename.
	Supports(contentType, filename string) bool
	// Extract returns the text content of data.
	Extract(data []byte) (string, error)
}

// PlainTextExtractor handles text/* payloads by charset-tolerant decoding.
// HTML additionally has tags removed so markup does not pollute the index.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Supports(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".csv") ||
		strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".md")
}

var (
	htmlTag        = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlWhitespace = regexp.MustCompile(`\s+`)
)

func (PlainTextExtractor) Extract(data []byte) (string, error) {
	text := strings.ToValidUTF8(string(data), "�")
	if strings.Contains(text, "<") && strings.Contains(text, ">") {
		stripped := htmlTag.ReplaceAllString(text, " ")
		if stripped != text {
			text = stripped
		}
	}
	return strings.TrimSpace(htmlWhitespace.ReplaceAllString(text, " ")), nil
}

// DefaultExtractors is the extractor chain used when the caller supplies
// none.
func DefaultExtractors() []TextExtractor {
	return []TextExtractor{PlainTextExtractor{}}
}

func extractText(extractors []TextExtractor, contentType, filename string, data []byte) string {
	for _, ex := range extractors {
		if !ex.Supports(contentType, filename) {
			continue
		}
		text, err := ex.Extract(data)
		if err != nil {
			continue
		}
		return text
	}
	return ""
}
