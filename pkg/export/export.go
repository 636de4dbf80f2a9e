// Package export assembles eDiscovery deliverables. A job decrypts each
// requested message, restores its detached attachments, optionally masks
// PII, and packages the result as a ZIP of .eml files, rendered PDFs, or
// a single mbox. A message that cannot be produced leaves an error entry
// in the archive instead of silently vanishing from the production set.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/message"
	"github.com/openarchive/openarchive/pkg/redact"
)

// Format selects the deliverable layout.
type Format string

const (
	FormatNative Format = "native"
	FormatPDF    Format = "pdf"
	FormatMbox   Format = "mbox"
)

// chunkSize bounds how many documents one index lookup fetches.
const chunkSize = 100

// ParseFormat maps a request parameter onto a supported format. An empty
// value selects native.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatNative, nil
	case FormatNative, FormatPDF, FormatMbox:
		return f, nil
	default:
		return "", fmt.Errorf("export: unsupported format %q", s)
	}
}

// Job describes one export run. MessageIDs usually come from a review
// case; OrgID scopes every lookup so a stray id cannot pull another
// tenant's mail into the deliverable.
type Job struct {
	ExportID   string
	OrgID      int64
	MessageIDs []string
	Format     Format
	Redact     bool
}

// Result reports a finished job.
type Result struct {
	Path     string
	Exported int
	Failed   int
}

// Exporter renders jobs into ZIP archives under a local directory.
type Exporter struct {
	idx    index.Index
	blobs  blob.Store
	dir    string
	logger *slog.Logger
}

// New prepares an exporter writing into dir, creating it if needed.
func New(idx index.Index, blobs blob.Store, dir string, logger *slog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: failed to create export directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{idx: idx, blobs: blobs, dir: dir, logger: logger.With("component", "export")}, nil
}

// Run executes a job and returns the path of the published archive. The
// archive is assembled under a temporary name and renamed into place once
// complete, so downloads never observe a partial ZIP.
func (e *Exporter) Run(ctx context.Context, job Job) (*Result, error) {
	if len(job.MessageIDs) == 0 {
		return nil, errors.New("export: no messages to export")
	}
	switch job.Format {
	case FormatNative, FormatPDF, FormatMbox:
	default:
		return nil, fmt.Errorf("export: unsupported format %q", job.Format)
	}

	final := filepath.Join(e.dir, job.ExportID+".zip")
	tmp := final + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("export: failed to create archive: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	zw := zip.NewWriter(f)
	var (
		mboxBuf bytes.Buffer
		mw      *mbox.Writer
	)
	if job.Format == FormatMbox {
		mw = mbox.NewWriter(&mboxBuf)
	}

	result := &Result{}
	ids := job.MessageIDs
	for start := 0; start < len(ids); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := ids[start:min(start+chunkSize, len(ids))]
		docs, err := e.fetchDocs(ctx, job.OrgID, chunk)
		if err != nil {
			return nil, err
		}
		for _, id := range chunk {
			doc, ok := docs[id]
			if !ok {
				writeError(zw, id, errors.New("message not found in archive"))
				result.Failed++
				continue
			}
			if err := e.exportOne(ctx, zw, mw, doc, job); err != nil {
				e.logger.Warn("export item failed", "id", id, "error", err)
				writeError(zw, id, err)
				result.Failed++
				continue
			}
			result.Exported++
		}
	}

	if mw != nil {
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("export: failed to finalize mbox: %w", err)
		}
		w, err := zw.Create(job.ExportID + ".mbox")
		if err != nil {
			return nil, fmt.Errorf("export: failed to add mbox entry: %w", err)
		}
		if _, err := w.Write(mboxBuf.Bytes()); err != nil {
			return nil, fmt.Errorf("export: failed to write mbox entry: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: failed to finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("export: failed to flush archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("export: failed to publish archive: %w", err)
	}
	result.Path = final
	e.logger.Info("export complete", "export_id", job.ExportID, "format", job.Format,
		"exported", result.Exported, "failed", result.Failed)
	return result, nil
}

func (e *Exporter) fetchDocs(ctx context.Context, orgID int64, ids []string) (map[string]*index.Document, error) {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	res, err := e.idx.Search(ctx, index.SearchParams{
		Filter: fmt.Sprintf("org_id = %d AND id IN [%s]", orgID, strings.Join(quoted, ", ")),
		Limit:  len(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("export: failed to look up messages: %w", err)
	}
	docs := make(map[string]*index.Document, len(res.Hits))
	for i := range res.Hits {
		docs[res.Hits[i].ID] = &res.Hits[i]
	}
	return docs, nil
}

func (e *Exporter) exportOne(ctx context.Context, zw *zip.Writer, mw *mbox.Writer, doc *index.Document, job Job) error {
	if doc.EncryptionKey == "" {
		return errors.New("no encryption key recorded")
	}
	key, err := crypto.DecodeMessageKey(doc.EncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}
	ciphertext, err := e.blobs.Get(ctx, blob.MessageKey(doc.ID))
	if err != nil {
		return fmt.Errorf("failed to fetch blob: %w", err)
	}
	skeleton, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}

	fetch := func(ctx context.Context, sha string) ([]byte, error) {
		return e.blobs.Get(ctx, blob.CASKey(sha))
	}

	if job.Format == FormatPDF {
		view, err := message.BuildView(ctx, skeleton, fetch)
		if err != nil {
			return err
		}
		body := view.Content()
		meta := *doc
		if job.Redact {
			body = redact.Text(body)
			meta.Subject = redact.Text(meta.Subject)
			meta.From = redact.Text(meta.From)
			meta.To = redact.Text(meta.To)
		}
		data, err := renderPDF(&meta, body)
		if err != nil {
			return err
		}
		w, err := zw.Create(doc.ID + ".pdf")
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	raw, missing, err := message.Rebuild(ctx, skeleton, fetch)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		e.logger.Warn("exported message with unavailable attachments", "id", doc.ID, "missing", len(missing))
	}
	if job.Redact {
		raw = redactRaw(raw)
	}

	if job.Format == FormatMbox {
		from := doc.EnvelopeFrom
		if from == "" {
			from = doc.SenderEmail
		}
		if from == "" {
			from = "MAILER-DAEMON"
		}
		ts := time.Now().UTC()
		if doc.DateTimestamp > 0 {
			ts = time.Unix(doc.DateTimestamp, 0).UTC()
		}
		w, err := mw.CreateMessage(from, ts)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	}

	w, err := zw.Create(doc.ID + ".eml")
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// redactRaw masks PII in the address headers and textual parts of a
// complete message. Binary attachment payloads pass through untouched.
func redactRaw(raw []byte) []byte {
	root, err := message.Parse(raw)
	if err != nil {
		return []byte(redact.Text(string(raw)))
	}
	for _, name := range []string{"Subject", "From", "To", "Cc"} {
		if v := root.Get(name); v != "" {
			root.Remove(name)
			root.Add(name, redact.Text(v))
		}
	}
	root.Walk(func(p *message.Part) {
		if p.IsMultipart() {
			return
		}
		ctype, _ := p.ContentType()
		if !strings.HasPrefix(ctype, "text/") {
			return
		}
		p.SetBody([]byte(redact.Text(p.Text())))
		p.Remove("Content-Transfer-Encoding")
	})
	return root.Bytes()
}

func writeError(zw *zip.Writer, id string, cause error) {
	w, err := zw.Create(id + "_error.txt")
	if err != nil {
		return
	}
	io.WriteString(w, cause.Error())
}
