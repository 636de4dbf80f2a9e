package message

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// CASFetcher retrieves a detached payload by its hex SHA-256.
type CASFetcher func(ctx context.Context, sha256hex string) ([]byte, error)

// ViewAttachment is one attachment as presented to an interactive reader.
// Size is the length of the base64 form, which is what travels.
type ViewAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	ContentB64  string `json:"content_b64"`
}

// View is the interactive rendering of an archived message: extracted
// bodies, attachment list, inline images keyed by Content-ID, and the full
// reconstructed source. Missing holds the digests of payloads that could
// not be fetched; the view is still served, degraded.
type View struct {
	BodyText     string
	BodyHTML     string
	Attachments  []ViewAttachment
	InlineImages map[string]string
	RawEML       string
	Missing      []string
	ParseFailed  bool
}

// Content returns the best single-body representation, preferring plain
// text, then HTML, then the raw source.
func (v *View) Content() string {
	if v.BodyText != "" {
		return v.BodyText
	}
	if v.BodyHTML != "" {
		return v.BodyHTML
	}
	return v.RawEML
}

// BuildView reconstructs an interactive view from a decrypted skeleton.
// The raw source is produced by splicing fetched payloads over their
// placeholders; bodies and attachments come from a part walk that fetches
// referenced payloads in their original binary form. A payload that cannot
// be fetched leaves its placeholder visible and is reported in Missing.
func BuildView(ctx context.Context, skeleton []byte, fetch CASFetcher) (*View, error) {
	v := &View{InlineImages: map[string]string{}}

	spliced, missing := SpliceRefs(ctx, skeleton, fetch)
	v.RawEML = strings.ToValidUTF8(string(spliced), "�")
	v.Missing = missing

	root, err := Parse(skeleton)
	if err != nil {
		v.ParseFailed = true
		return v, nil
	}

	root.Walk(func(p *Part) {
		if p.IsMultipart() {
			return
		}
		ctype, _ := p.ContentType()
		_, rawDispo := p.Disposition()
		cid := p.ContentID()

		var payload []byte
		textual := strings.HasPrefix(ctype, "text/")

		if ref := p.CASRef(); ref != "" {
			blob, ferr := fetch(ctx, ref)
			if ferr == nil {
				payload = blob
			} else {
				v.Missing = appendMissing(v.Missing, ref)
				payload = p.DecodeBody()
			}
		} else {
			payload = p.DecodeBody()
		}

		isAttachment := strings.Contains(rawDispo, "attachment") || (cid != "" && !textual)

		if isAttachment {
			if len(payload) == 0 {
				return
			}
			b64 := base64.StdEncoding.EncodeToString(payload)
			if cid != "" {
				v.InlineImages[cid] = fmt.Sprintf("data:%s;base64,%s", ctype, b64)
			}
			filename := p.Filename()
			if filename != "" || strings.Contains(rawDispo, "attachment") {
				if filename == "" {
					filename = fmt.Sprintf("attachment_%d.%s", len(v.Attachments)+1, subtypeOf(ctype))
				}
				v.Attachments = append(v.Attachments, ViewAttachment{
					Filename:    filename,
					ContentType: ctype,
					Size:        len(b64),
					ContentB64:  b64,
				})
			}
			return
		}

		switch ctype {
		case "text/plain":
			v.BodyText += partText(p, payload)
		case "text/html":
			v.BodyHTML += partText(p, payload)
		}
	})

	if v.BodyHTML != "" {
		for cid, dataURI := range v.InlineImages {
			v.BodyHTML = strings.ReplaceAll(v.BodyHTML, "cid:"+cid, dataURI)
		}
	}
	return v, nil
}

// SpliceRefs replaces every placeholder in raw with the referenced payload
// bytes. Distinct digests are fetched once; unfetchable ones keep their
// placeholder and are returned.
func SpliceRefs(ctx context.Context, raw []byte, fetch CASFetcher) ([]byte, []string) {
	matches := RefPattern.FindAllSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw, nil
	}

	blobs := map[string][]byte{}
	var missing []string
	var out bytes.Buffer
	last := 0
	for _, m := range matches {
		ref := string(raw[m[2]:m[3]])
		blob, ok := blobs[ref]
		if !ok {
			fetched, err := fetch(ctx, ref)
			if err != nil {
				missing = appendMissing(missing, ref)
				blobs[ref] = nil
			} else {
				blobs[ref] = fetched
			}
			blob = blobs[ref]
		}
		if blob == nil {
			continue
		}
		out.Write(raw[last:m[0]])
		out.Write(blob)
		last = m[1]
	}
	if last == 0 {
		return raw, missing
	}
	out.Write(raw[last:])
	return out.Bytes(), missing
}

// partText decodes payload as text using the part's declared charset. A
// payload fetched from content-addressed storage is raw bytes; one decoded
// from the part already had its transfer encoding undone, so only charset
// conversion remains either way.
func partText(p *Part, payload []byte) string {
	_, params := p.ContentType()
	return toUTF8(payload, params["charset"])
}

func subtypeOf(ctype string) string {
	if i := strings.LastIndex(ctype, "/"); i >= 0 && i < len(ctype)-1 {
		return ctype[i+1:]
	}
	return "bin"
}

func appendMissing(missing []string, ref string) []string {
	for _, m := range missing {
		if m == ref {
			return missing
		}
	}
	return append(missing, ref)
}
