package message

import (
	"context"
	"encoding/base64"
	"fmt"
)

const base64LineLength = 76

// Rebuild reconstructs a complete MIME message from a stored skeleton for
// export. Every referenced payload is fetched, re-encoded as base64, and
// restored into its part with an attachment disposition, so the emitted
// file opens in a mail client with all attachments in place. Payloads that
// cannot be fetched leave a marker body in their part and are returned as
// missing; the rest of the message is still emitted.
func Rebuild(ctx context.Context, skeleton []byte, fetch CASFetcher) ([]byte, []string, error) {
	root, err := Parse(skeleton)
	if err != nil {
		return nil, nil, fmt.Errorf("message: rebuild parse: %w", err)
	}

	var missing []string
	n := 0
	root.Walk(func(p *Part) {
		if p.IsMultipart() {
			return
		}
		ref := p.CASRef()
		if ref == "" {
			return
		}
		n++

		blob, ferr := fetch(ctx, ref)
		if ferr != nil {
			missing = appendMissing(missing, ref)
			p.SetBody([]byte(fmt.Sprintf("[attachment %s unavailable]", ref)))
			return
		}

		filename := p.Filename()
		if filename == "" {
			ctype, _ := p.ContentType()
			filename = fmt.Sprintf("attachment_%d.%s", n, subtypeOf(ctype))
		}

		p.SetBody(wrapBase64(blob, p.nl))
		p.Remove("Content-Transfer-Encoding")
		p.Add("Content-Transfer-Encoding", "base64")
		p.Remove("Content-Disposition")
		p.Add("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		p.Remove(CASRefHeader)
	})

	return root.Bytes(), missing, nil
}

func wrapBase64(data []byte, nl string) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) <= base64LineLength {
		return []byte(encoded)
	}
	out := make([]byte, 0, len(encoded)+len(encoded)/base64LineLength*len(nl))
	for len(encoded) > base64LineLength {
		out = append(out, encoded[:base64LineLength]...)
		out = append(out, nl...)
		encoded = encoded[base64LineLength:]
	}
	out = append(out, encoded...)
	return out
}
