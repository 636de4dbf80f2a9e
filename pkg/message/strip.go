package message

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Metadata is the index-facing description of a message produced while
// stripping. Field names match the search document schema.
type Metadata struct {
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Date       string   `json:"date,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  []string `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	EnvelopeFrom string   `json:"envelope_from,omitempty"`
	EnvelopeRcpt []string `json:"envelope_rcpt,omitempty"`

	Size              int64    `json:"size"`
	HasAttachments    bool     `json:"has_attachments"`
	CASAttachments    []string `json:"cas_attachments,omitempty"`
	AttachmentContent string   `json:"attachment_content,omitempty"`
}

// Attachment is one payload detached during stripping, ready for
// content-addressed upload under its digest.
type Attachment struct {
	SHA256      string
	Data        []byte
	Filename    string
	ContentType string
}

// StripResult carries the skeleton that is stored encrypted, the metadata
// that is indexed, and the detached payloads.
type StripResult struct {
	Skeleton    []byte
	Metadata    Metadata
	Attachments []Attachment
}

// Strip detaches every attachment payload of a raw message into
// content-addressed form. Each attachment part's body is replaced by a
// placeholder naming the payload digest, its transfer encoding header is
// dropped, and a reference header is added. Size records the original wire
// size, before stripping. A part counts as an attachment when its
// disposition type is "attachment" or it carries a filename.
func Strip(raw []byte, envelopeFrom string, envelopeRcpt []string, extractors []TextExtractor) (*StripResult, error) {
	root, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if extractors == nil {
		extractors = DefaultExtractors()
	}

	var (
		attachments []Attachment
		casRefs     []string
		texts       []string
	)

	root.Walk(func(p *Part) {
		if p.IsMultipart() {
			return
		}
		dtype, _ := p.Disposition()
		filename := p.Filename()
		if dtype != "attachment" && filename == "" {
			return
		}

		data := p.DecodeBody()
		sum := sha256.Sum256(data)
		ref := hex.EncodeToString(sum[:])
		ctype, _ := p.ContentType()

		attachments = append(attachments, Attachment{
			SHA256:      ref,
			Data:        data,
			Filename:    filename,
			ContentType: ctype,
		})
		casRefs = append(casRefs, ref)
		if text := extractText(extractors, ctype, filename, data); text != "" {
			texts = append(texts, text)
		}

		p.SetBody([]byte(Placeholder(ref)))
		p.Remove("Content-Transfer-Encoding")
		p.Add(CASRefHeader, ref)
	})

	meta := Metadata{
		From:              root.DecodedHeader("From"),
		To:                root.DecodedHeader("To"),
		Subject:           root.DecodedHeader("Subject"),
		Date:              root.Get("Date"),
		MessageID:         root.Get("Message-ID"),
		InReplyTo:         strings.Fields(root.Get("In-Reply-To")),
		References:        strings.Fields(root.Get("References")),
		EnvelopeFrom:      envelopeFrom,
		EnvelopeRcpt:      envelopeRcpt,
		Size:              int64(len(raw)),
		HasAttachments:    len(casRefs) > 0,
		CASAttachments:    casRefs,
		AttachmentContent: strings.Join(texts, " "),
	}

	return &StripResult{
		Skeleton:    root.Bytes(),
		Metadata:    meta,
		Attachments: attachments,
	}, nil
}
