// Package ingest is the core-side capture pipeline. Edge agents post
// batches of stripped, encrypted messages; the pipeline persists each
// ciphertext blob first, then derives the index document: integrity
// digest and signature, cleaned participant addresses, involved
// domains, owning organizations, the sort timestamp, and classification
// flags. Items fail independently; the response reports how many were
// captured.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/message"
)

// Item is one message in a sync batch, exactly as the agent buffered
// it: the ciphertext of the stripped skeleton plus its metadata and the
// per-message key.
type Item struct {
	ID       string           `json:"id"`
	Key      string           `json:"key"`
	Metadata message.Metadata `json:"metadata"`
	BlobB64  string           `json:"blob_b64"`
}

// Batch is the sync request body.
type Batch struct {
	Batch []Item `json:"batch"`
}

// SyncResult reports a batch outcome. Processed counts items whose
// ciphertext was durably stored.
type SyncResult struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

// CASItem is one content-addressed attachment payload upload.
type CASItem struct {
	Hash    string `json:"hash"`
	BlobB64 string `json:"blob_b64"`
}

// CASBatch is the CAS upload request body.
type CASBatch struct {
	Batch []CASItem `json:"batch"`
}

// OrgResolver maps a message's involved domains to owning organizations.
type OrgResolver interface {
	Resolve(ctx context.Context, domains []string) ([]int64, error)
}

// Classifier derives policy flags from a message's metadata.
type Classifier interface {
	Classify(message map[string]any) map[string]bool
}

// Pipeline wires the capture path together.
type Pipeline struct {
	blobs      blob.Store
	index      index.Index
	resolver   OrgResolver
	classifier Classifier
	signer     *crypto.Signer
	defaultOrg int64
	logger     *slog.Logger
}

// New builds the pipeline. classifier may be nil when no rule file is
// configured.
func New(blobs blob.Store, idx index.Index, resolver OrgResolver, classifier Classifier, signer *crypto.Signer, defaultOrg int64, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		blobs:      blobs,
		index:      idx,
		resolver:   resolver,
		classifier: classifier,
		signer:     signer,
		defaultOrg: defaultOrg,
		logger:     logger.With("component", "ingest"),
	}
}

// Sync captures one batch. Each item's blob is stored before its
// document is built, so an indexed message always has its ciphertext.
// fallbackOrg owns unresolvable messages when positive; otherwise the
// configured default organization does.
func (p *Pipeline) Sync(ctx context.Context, batch Batch, fallbackOrg int64) (*SyncResult, error) {
	if fallbackOrg <= 0 {
		fallbackOrg = p.defaultOrg
	}

	processed := 0
	docs := make([]index.Document, 0, len(batch.Batch))
	for _, item := range batch.Batch {
		data, err := base64.StdEncoding.DecodeString(item.BlobB64)
		if err != nil {
			p.logger.Warn("sync item has malformed blob encoding", "id", item.ID, "error", err)
			continue
		}
		if err := p.blobs.Put(ctx, blob.MessageKey(item.ID), data); err != nil {
			p.logger.Error("failed to store message blob", "id", item.ID, "error", err)
			continue
		}
		processed++
		docs = append(docs, p.buildDocument(ctx, item, data, fallbackOrg))
	}

	if len(docs) > 0 {
		if err := p.index.Upsert(ctx, docs); err != nil {
			// Blobs are durable already; the index can be rebuilt from
			// them, so the batch still counts as captured.
			p.logger.Error("failed to index sync batch", "count", len(docs), "error", err)
		}
	}
	p.logger.Info("sync batch processed", "received", len(batch.Batch), "captured", processed)
	return &SyncResult{Status: "ok", Processed: processed}, nil
}

func (p *Pipeline) buildDocument(ctx context.Context, item Item, ciphertext []byte, fallbackOrg int64) index.Document {
	md := item.Metadata
	doc := index.Document{
		ID:                item.ID,
		EncryptionKey:     item.Key,
		MessageID:         md.MessageID,
		InReplyTo:         md.InReplyTo,
		References:        md.References,
		From:              md.From,
		To:                md.To,
		Subject:           md.Subject,
		Date:              md.Date,
		DateTimestamp:     message.ParseDate(md.Date),
		EnvelopeFrom:      md.EnvelopeFrom,
		EnvelopeRcpt:      md.EnvelopeRcpt,
		Size:              md.Size,
		HasAttachments:    md.HasAttachments,
		CASAttachments:    md.CASAttachments,
		AttachmentContent: md.AttachmentContent,
		SHA256:            crypto.Digest(ciphertext),
		Signature:         p.signer.Sign(ciphertext),
	}

	// Cleaned addresses drive hold matching. The envelope sender is
	// authoritative over the From header when both parse.
	doc.SenderEmail = message.ExtractEmail(md.From)
	if env := message.ExtractEmail(md.EnvelopeFrom); env != "" {
		doc.SenderEmail = env
	}
	recipients := message.EmailsIn(md.To)
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		seen[r] = struct{}{}
	}
	for _, rcpt := range md.EnvelopeRcpt {
		if e := message.ExtractEmail(rcpt); e != "" {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				recipients = append(recipients, e)
			}
		}
	}
	doc.RecipientEmails = recipients

	doc.SenderDomain = message.ExtractDomain(md.From)
	if env := message.ExtractDomain(md.EnvelopeFrom); env != "" {
		doc.SenderDomain = env
	}
	doc.RecipientDomains = message.DomainsIn(append([]string{md.To}, md.EnvelopeRcpt...)...)
	doc.Domains = message.DomainsIn(append([]string{md.From, md.To, md.EnvelopeFrom}, md.EnvelopeRcpt...)...)

	orgs, err := p.resolver.Resolve(ctx, doc.Domains)
	if err != nil {
		p.logger.Warn("org resolution failed", "id", item.ID, "error", err)
		orgs = nil
	}
	if len(orgs) == 0 {
		orgs = []int64{fallbackOrg}
	}
	doc.OrgIDs = orgs

	if p.classifier != nil {
		flags := p.classifier.Classify(map[string]any{
			"from":               md.From,
			"to":                 md.To,
			"subject":            md.Subject,
			"date":               md.Date,
			"size":               md.Size,
			"has_attachments":    md.HasAttachments,
			"attachment_content": md.AttachmentContent,
			"sender_email":       doc.SenderEmail,
			"recipient_emails":   doc.RecipientEmails,
			"domains":            doc.Domains,
		})
		doc.IsSpam = flags["is_spam"]
	}
	return doc
}

// CASCheck reports which attachment payloads the archive already holds,
// so agents upload each unique payload once.
func (p *Pipeline) CASCheck(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		exists, err := p.blobs.Head(ctx, blob.CASKey(h))
		if err != nil {
			return nil, fmt.Errorf("ingest: cas check %s: %w", h, err)
		}
		out[h] = exists
	}
	return out, nil
}

// CASUpload stores attachment payloads under their content address. A
// payload whose digest does not match its claimed hash is rejected, so
// a compromised agent cannot poison another message's attachment.
func (p *Pipeline) CASUpload(ctx context.Context, batch CASBatch) (int, error) {
	saved := 0
	for _, item := range batch.Batch {
		data, err := base64.StdEncoding.DecodeString(item.BlobB64)
		if err != nil {
			p.logger.Warn("cas item has malformed blob encoding", "hash", item.Hash, "error", err)
			continue
		}
		if digest := crypto.Digest(data); digest != item.Hash {
			p.logger.Warn("cas item digest mismatch, rejected", "claimed", item.Hash, "actual", digest)
			continue
		}
		if err := p.blobs.Put(ctx, blob.CASKey(item.Hash), data); err != nil {
			p.logger.Error("failed to store cas blob", "hash", item.Hash, "error", err)
			continue
		}
		saved++
	}
	return saved, nil
}
