package message

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// DecodeBody returns the part's payload with its Content-Transfer-Encoding
// undone. Decoding is lenient: malformed base64 and quoted-printable input
// yield whatever decoded cleanly rather than an error, since archived mail
// is read-only evidence that cannot be bounced for repair.
func (p *Part) DecodeBody() []byte {
	cte := strings.ToLower(strings.TrimSpace(p.Get("Content-Transfer-Encoding")))
	switch cte {
	case "base64":
		return decodeBase64(p.Body)
	case "quoted-printable":
		return decodeQuotedPrintable(p.Body)
	default:
		return p.Body
	}
}

// Text returns the decoded payload as a string in UTF-8, converting from
// the declared charset when one is known. Bytes that survive no conversion
// are replaced, never dropped.
func (p *Part) Text() string {
	data := p.DecodeBody()
	_, params := p.ContentType()
	return toUTF8(data, params["charset"])
}

func decodeBase64(body []byte) []byte {
	clean := make([]byte, 0, len(body))
	for _, c := range body {
		switch c {
		case '\r', '\n', ' ', '\t':
		default:
			clean = append(clean, c)
		}
	}
	if n := len(clean) % 4; n != 0 {
		clean = append(clean, bytes.Repeat([]byte{'='}, 4-n)...)
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, _ := base64.StdEncoding.Decode(out, clean)
	return out[:n]
}

func decodeQuotedPrintable(body []byte) []byte {
	out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
	if err != nil && len(out) == 0 {
		return body
	}
	return out
}

func toUTF8(data []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return strings.ToValidUTF8(string(data), "�")
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return strings.ToValidUTF8(string(decoded), "�")
}
