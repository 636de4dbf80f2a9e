package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/ingest"
)

const (
	// casBatchSize bounds one CAS push; payloads can be large, so CAS
	// batches stay smaller than message batches.
	casBatchSize     = 20
	messageBatchSize = 50

	idleInterval   = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// SyncConfig carries what the drain loop needs to reach the core.
type SyncConfig struct {
	// URL is the core sync endpoint. The CAS endpoints live next to it
	// and are derived here.
	URL       string
	APIKey    string
	OrgID     string
	AgentName string

	// Hostname is reported in heartbeats. Empty selects os.Hostname.
	Hostname string

	// TLSSkipVerify accepts self-signed core certificates.
	TLSSkipVerify bool
}

// Syncer drains the buffer to the core. Attachment payloads always move
// before the messages that reference them: a message batch is only
// attempted once no attachment is waiting, so the core never indexes a
// message whose attachments it cannot serve.
type Syncer struct {
	cfg       SyncConfig
	buffer    *Buffer
	client    *http.Client
	logger    *slog.Logger
	hostname  string
	syncURL   string
	checkURL  string
	uploadURL string
}

// NewSyncer builds a drain loop over an open buffer.
func NewSyncer(cfg SyncConfig, buf *Buffer, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.TLSSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	base := strings.TrimSuffix(cfg.URL, "/sync")
	return &Syncer{
		cfg:       cfg,
		buffer:    buf,
		client:    client,
		logger:    logger.With("component", "sync"),
		hostname:  hostname,
		syncURL:   cfg.URL,
		checkURL:  base + "/cas/check",
		uploadURL: base + "/cas/upload",
	}
}

// Run drains until ctx is cancelled. A pass that moves nothing sleeps
// the idle interval; a failed pass backs off exponentially up to
// maxBackoff and retries the same rows, which stay PENDING until the
// core has acknowledged them.
func (s *Syncer) Run(ctx context.Context) error {
	if msgs, blobs, err := s.buffer.PendingCounts(ctx); err == nil && msgs+blobs > 0 {
		s.logger.Info("resuming with buffered backlog", "messages", msgs, "blobs", blobs)
	}

	backoff := initialBackoff
	for {
		moved, err := s.syncOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.logger.Warn("sync pass failed", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case moved == 0:
			backoff = initialBackoff
			if !sleepCtx(ctx, idleInterval) {
				return ctx.Err()
			}
		default:
			// Keep draining while there is a backlog.
			backoff = initialBackoff
		}
	}
}

// syncOnce moves at most one batch and reports how many rows it marked
// SYNCED. Messages are only attempted when the CAS queue is empty.
func (s *Syncer) syncOnce(ctx context.Context) (int, error) {
	blobs, err := s.buffer.PendingBlobs(ctx, casBatchSize)
	if err != nil {
		return 0, err
	}
	if len(blobs) > 0 {
		return s.pushBlobs(ctx, blobs)
	}

	msgs, err := s.buffer.PendingMessages(ctx, messageBatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return s.pushMessages(ctx, msgs)
}

// pushBlobs asks the core which payloads it already holds, uploads the
// missing ones, and marks the whole batch SYNCED. Payloads the core
// already had are deduplicated rows from another agent or an earlier
// partial pass and need no upload.
func (s *Syncer) pushBlobs(ctx context.Context, blobs []BufferedBlob) (int, error) {
	hashes := make([]string, len(blobs))
	for i, b := range blobs {
		hashes[i] = b.Hash
	}
	exists := map[string]bool{}
	if err := s.postJSON(ctx, s.checkURL, map[string]any{"hashes": hashes}, &exists, ""); err != nil {
		return 0, fmt.Errorf("agent: cas check: %w", err)
	}

	batch := ingest.CASBatch{}
	send := make([]BufferedBlob, 0, len(blobs))
	for _, b := range blobs {
		if exists[b.Hash] {
			send = append(send, b)
			continue
		}
		payload, err := os.ReadFile(b.StoragePath)
		if err != nil {
			// The row survives; its payload file did not. Park it so the
			// queue keeps moving.
			s.logger.Warn("blob payload unreadable, parking", "hash", b.Hash, "error", err)
			if merr := s.buffer.MarkBlob(ctx, b.Hash, StatusFailed); merr != nil {
				return 0, merr
			}
			continue
		}
		batch.Batch = append(batch.Batch, ingest.CASItem{
			Hash:    b.Hash,
			BlobB64: base64.StdEncoding.EncodeToString(payload),
		})
		send = append(send, b)
	}

	if len(batch.Batch) > 0 {
		var result struct {
			Status string `json:"status"`
			Saved  int    `json:"saved"`
		}
		if err := s.postJSON(ctx, s.uploadURL, batch, &result, ""); err != nil {
			return 0, fmt.Errorf("agent: cas upload: %w", err)
		}
		s.logger.Info("attachments uploaded", "sent", len(batch.Batch), "saved", result.Saved)
	}

	marked := 0
	for _, b := range send {
		if err := s.buffer.MarkBlob(ctx, b.Hash, StatusSynced); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// pushMessages ships one message batch and marks its rows SYNCED once
// the core answers 200. The idempotency key is derived from the batch
// membership so a retry after a lost response replays instead of
// re-ingesting.
func (s *Syncer) pushMessages(ctx context.Context, msgs []BufferedMessage) (int, error) {
	batch := ingest.Batch{}
	send := make([]BufferedMessage, 0, len(msgs))
	var ids []string
	for _, m := range msgs {
		ciphertext, err := os.ReadFile(m.StoragePath)
		if err != nil {
			s.logger.Warn("message payload unreadable, parking", "id", m.ID, "error", err)
			if merr := s.buffer.MarkMessage(ctx, m.ID, StatusFailed); merr != nil {
				return 0, merr
			}
			continue
		}
		batch.Batch = append(batch.Batch, ingest.Item{
			ID:       m.ID,
			Key:      m.Key,
			Metadata: m.Metadata,
			BlobB64:  base64.StdEncoding.EncodeToString(ciphertext),
		})
		send = append(send, m)
		ids = append(ids, m.ID)
	}
	if len(batch.Batch) == 0 {
		return 0, nil
	}

	var result ingest.SyncResult
	idemKey := crypto.Digest([]byte(strings.Join(ids, "\n")))
	if err := s.postJSON(ctx, s.syncURL, batch, &result, idemKey); err != nil {
		return 0, fmt.Errorf("agent: sync: %w", err)
	}

	marked := 0
	for _, m := range send {
		if err := s.buffer.MarkMessage(ctx, m.ID, StatusSynced); err != nil {
			return marked, err
		}
		marked++
	}
	s.logger.Info("messages synced", "sent", len(send), "processed", result.Processed)
	return marked, nil
}

func (s *Syncer) postJSON(ctx context.Context, url string, body, out any, idemKey string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.cfg.APIKey)
	req.Header.Set("X-Org-ID", s.cfg.OrgID)
	req.Header.Set("X-Agent-Version", Version)
	if s.cfg.AgentName != "" {
		req.Header.Set("X-Agent-Name", s.cfg.AgentName)
		req.Header.Set("X-Agent-Hostname", s.hostname)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", url, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
