// Package message parses archived email, detaches attachment payloads into
// content-addressed references, and reconstructs full messages from a stored
// skeleton plus the referenced blobs. Parsing keeps the original header bytes
// so a stored skeleton stays as close to the journaled wire form as the
// attachment rewrite allows.
package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// CASRefHeader marks a part whose payload was moved to content-addressed
// storage. Its value is the hex SHA-256 of the detached payload.
const CASRefHeader = "X-OpenArchive-CAS-Ref"

// RefPattern matches the placeholder written into a stripped part's body.
var RefPattern = regexp.MustCompile(`\[CAS_REF:([a-fA-F0-9]{64})\]`)

// Placeholder returns the body written in place of a detached payload.
func Placeholder(sha256hex string) string {
	return "[CAS_REF:" + sha256hex + "]"
}

// Header is one raw header field. Raw holds the exact folded bytes of the
// field, including the trailing line break, so serialization preserves the
// original form of untouched headers.
type Header struct {
	Name string
	Raw  []byte
}

// Part is one node of a MIME message. Leaves carry Body in its transfer
// encoding; multipart containers carry Subparts with the preamble and
// epilogue around them.
type Part struct {
	Headers  []Header
	Body     []byte
	Subparts []*Part
	Preamble []byte
	Epilogue []byte

	boundary string
	nl       string
}

// Parse builds the part tree for a raw RFC 5322 message. Multipart bodies
// are split on their declared boundary; anything else, including nested
// message/rfc822, stays a leaf with its body bytes untouched.
func Parse(raw []byte) (*Part, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message: empty input")
	}
	p := &Part{nl: detectNewline(raw)}
	headerBlock, body := splitHeaderBody(raw)
	if err := p.parseHeaders(headerBlock); err != nil {
		return nil, err
	}
	p.Body = body

	ctype, params := p.ContentType()
	if strings.HasPrefix(ctype, "multipart/") {
		if b := params["boundary"]; b != "" {
			p.boundary = b
			p.splitMultipart()
		}
	}
	return p, nil
}

// Bytes serializes the part tree. Header bytes and leaf bodies are emitted
// as stored; boundary delimiter lines are regenerated around subparts.
func (p *Part) Bytes() []byte {
	var buf bytes.Buffer
	for _, h := range p.Headers {
		buf.Write(h.Raw)
	}
	buf.WriteString(p.nl)
	if len(p.Subparts) == 0 {
		buf.Write(p.Body)
		return buf.Bytes()
	}
	if len(p.Preamble) > 0 {
		buf.Write(p.Preamble)
		buf.WriteString(p.nl)
	}
	for _, sp := range p.Subparts {
		buf.WriteString("--")
		buf.WriteString(p.boundary)
		buf.WriteString(p.nl)
		buf.Write(sp.Bytes())
		buf.WriteString(p.nl)
	}
	buf.WriteString("--")
	buf.WriteString(p.boundary)
	buf.WriteString("--")
	buf.WriteString(p.nl)
	if len(p.Epilogue) > 0 {
		buf.Write(p.Epilogue)
	}
	return buf.Bytes()
}

// Walk visits p and every descendant, containers before their children.
func (p *Part) Walk(fn func(*Part)) {
	fn(p)
	for _, sp := range p.Subparts {
		sp.Walk(fn)
	}
}

// IsMultipart reports whether the part holds subparts.
func (p *Part) IsMultipart() bool { return len(p.Subparts) > 0 }

// Get returns the unfolded, trimmed value of the first header with the
// given name, or "" when absent.
func (p *Part) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return headerValue(h)
		}
	}
	return ""
}

// Has reports whether a header with the given name is present.
func (p *Part) Has(name string) bool {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Remove drops every header with the given name.
func (p *Part) Remove(name string) {
	kept := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	p.Headers = kept
}

// Add appends a header field.
func (p *Part) Add(name, value string) {
	p.Headers = append(p.Headers, Header{
		Name: name,
		Raw:  []byte(name + ": " + value + p.nl),
	})
}

// SetBody replaces a leaf body.
func (p *Part) SetBody(b []byte) {
	p.Body = b
	p.Subparts = nil
}

// ContentType returns the lower-cased media type and its parameters. A
// missing or unparseable Content-Type defaults to text/plain.
func (p *Part) ContentType() (string, map[string]string) {
	v := p.Get("Content-Type")
	if v == "" {
		return "text/plain", map[string]string{}
	}
	ctype, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "text/plain", map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	return strings.ToLower(ctype), params
}

// Disposition returns the Content-Disposition type ("attachment",
// "inline", ...) and the raw header value. The type is "" when the header
// is absent or unparseable.
func (p *Part) Disposition() (string, string) {
	v := p.Get("Content-Disposition")
	if v == "" {
		return "", ""
	}
	dtype, _, err := mime.ParseMediaType(v)
	if err != nil {
		return "", v
	}
	return strings.ToLower(dtype), v
}

// Filename returns the decoded attachment filename from the
// Content-Disposition filename parameter, falling back to the Content-Type
// name parameter. Empty when neither is present.
func (p *Part) Filename() string {
	if v := p.Get("Content-Disposition"); v != "" {
		if _, params, err := mime.ParseMediaType(v); err == nil {
			if f := params["filename"]; f != "" {
				return DecodeWords(f)
			}
		}
	}
	_, params := p.ContentType()
	if n := params["name"]; n != "" {
		return DecodeWords(n)
	}
	return ""
}

// ContentID returns the part's Content-ID with angle brackets stripped.
func (p *Part) ContentID() string {
	return strings.Trim(p.Get("Content-ID"), "<>")
}

// CASRef returns the content-addressed reference of a stripped part, ""
// when the part still carries its payload.
func (p *Part) CASRef() string {
	return strings.TrimSpace(p.Get(CASRefHeader))
}

// DecodedHeader returns the header value with RFC 2047 encoded words
// decoded. Undecodable input comes back verbatim.
func (p *Part) DecodedHeader(name string) string {
	return DecodeWords(p.Get(name))
}

// HeaderPair is one name/value entry of the ordered header listing.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderList returns the top-level headers of a raw message in original
// order with folded values joined.
func HeaderList(raw []byte) ([]HeaderPair, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	pairs := make([]HeaderPair, 0, len(p.Headers))
	for _, h := range p.Headers {
		pairs = append(pairs, HeaderPair{Name: h.Name, Value: headerValue(h)})
	}
	return pairs, nil
}

func (p *Part) parseHeaders(block []byte) error {
	lines := splitLines(block)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(p.Headers) == 0 {
				continue
			}
			last := &p.Headers[len(p.Headers)-1]
			last.Raw = append(last.Raw, line...)
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		p.Headers = append(p.Headers, Header{
			Name: string(bytes.TrimSpace(line[:colon])),
			Raw:  append([]byte(nil), line...),
		})
	}
	return nil
}

func (p *Part) splitMultipart() {
	delim := []byte("--" + p.boundary)
	closeDelim := []byte("--" + p.boundary + "--")

	var segments [][]byte
	var current []byte
	inPart := false
	closed := false
	rest := p.Body

	for len(rest) > 0 && !closed {
		line, remainder := nextLine(rest)
		trimmed := bytes.TrimRight(line, " \t\r\n")
		switch {
		case bytes.Equal(trimmed, closeDelim):
			if inPart {
				segments = append(segments, trimOneBreak(current))
			} else {
				p.Preamble = trimOneBreak(current)
			}
			current = nil
			closed = true
			p.Epilogue = remainder
		case bytes.Equal(trimmed, delim):
			if inPart {
				segments = append(segments, trimOneBreak(current))
			} else {
				p.Preamble = trimOneBreak(current)
			}
			current = nil
			inPart = true
		default:
			current = append(current, line...)
		}
		rest = remainder
		if closed {
			break
		}
	}
	if !closed && inPart {
		// No closing delimiter; treat the tail as the last part.
		segments = append(segments, trimOneBreak(current))
	}
	if len(segments) == 0 {
		return
	}

	for _, seg := range segments {
		child, err := Parse(seg)
		if err != nil {
			child = &Part{Body: seg, nl: p.nl}
		}
		p.Subparts = append(p.Subparts, child)
	}
	p.Body = nil
}

func headerValue(h Header) string {
	colon := bytes.IndexByte(h.Raw, ':')
	if colon < 0 {
		return ""
	}
	v := string(h.Raw[colon+1:])
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}

// DecodeWords decodes RFC 2047 encoded words, returning the input
// unchanged when decoding fails.
func DecodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := ianaindex.MIME.Encoding(charset)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("message: unsupported charset %q", charset)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func detectNewline(raw []byte) string {
	i := bytes.IndexByte(raw, '\n')
	if i > 0 && raw[i-1] == '\r' {
		return "\r\n"
	}
	if i >= 0 {
		return "\n"
	}
	return "\r\n"
}

// splitHeaderBody divides raw at the first empty line. A line without a
// colon that is not a continuation also ends the header block, matching
// lenient parsers that shove malformed remainders into the body.
func splitHeaderBody(raw []byte) (header, body []byte) {
	offset := 0
	started := false
	for offset < len(raw) {
		line, _ := nextLine(raw[offset:])
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			return raw[:offset], raw[offset+len(line):]
		}
		cont := line[0] == ' ' || line[0] == '\t'
		if !cont && !bytes.ContainsRune(trimmed, ':') {
			if !started {
				return nil, raw
			}
			return raw[:offset], raw[offset:]
		}
		started = true
		offset += len(line)
	}
	return raw, nil
}

// nextLine returns the first line of b including its line break, plus the
// remainder.
func nextLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return b, nil
	}
	return b[:i+1], b[i+1:]
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	for len(b) > 0 {
		line, rest := nextLine(b)
		lines = append(lines, line)
		b = rest
	}
	return lines
}

// trimOneBreak removes a single trailing line break; the break before a
// boundary delimiter belongs to the delimiter, not the part.
func trimOneBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}
