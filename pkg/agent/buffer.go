package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/openarchive/openarchive/pkg/message"
)

// Row statuses of the durable buffer. PENDING rows are waiting for
// upload; SYNCED rows are confirmed on the core. FAILED marks a row
// whose local payload file was lost, so the queue moves on while the
// failure stays visible.
const (
	StatusPending = "PENDING"
	StatusSynced  = "SYNCED"
	StatusFailed  = "FAILED"
)

// Buffer is the agent's crash-safe spool: a local SQLite database
// tracking per-row sync status, with the payload bytes in files beside
// it. A message acknowledged to the mail server is durable here first;
// the sync loop drains rows to the core and marks them SYNCED.
type Buffer struct {
	db     *sql.DB
	msgDir string
	casDir string
	logger *slog.Logger
}

const bufferSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	metadata TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS cas_blobs (
	hash TEXT PRIMARY KEY,
	storage_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_cas_blobs_status ON cas_blobs(status);
`

// OpenBuffer opens or creates the buffer database at dbPath and the
// payload directories under dataDir. The database runs in WAL mode with
// full synchronous writes so a committed row survives power loss.
func OpenBuffer(ctx context.Context, dbPath, dataDir string, logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	msgDir := filepath.Join(dataDir, "buffer")
	casDir := filepath.Join(dataDir, "cas")
	for _, dir := range []string{msgDir, casDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("agent: create buffer dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("agent: open buffer db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps the SMTP
	// handler and the sync loop from tripping over each other's locks.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, bufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("agent: init buffer schema: %w", err)
	}
	return &Buffer{
		db:     db,
		msgDir: msgDir,
		casDir: casDir,
		logger: logger.With("component", "buffer"),
	}, nil
}

// Close releases the database handle.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// BufferedMessage is one spooled message row.
type BufferedMessage struct {
	ID          string
	Key         string
	Metadata    message.Metadata
	StoragePath string
}

// BufferedBlob is one spooled content-addressed payload row.
type BufferedBlob struct {
	Hash        string
	StoragePath string
}

// SaveMessage spools one sealed message. The ciphertext is written and
// fsynced before the row commits, so a PENDING row always has its
// payload on disk.
func (b *Buffer) SaveMessage(ctx context.Context, id, key string, md message.Metadata, ciphertext []byte) error {
	path := filepath.Join(b.msgDir, id+".enc")
	if err := writeFileSync(path, ciphertext); err != nil {
		return fmt.Errorf("agent: write message payload: %w", err)
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("agent: encode metadata: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO messages (id, key, metadata, storage_path) VALUES (?, ?, ?, ?)`,
		id, key, string(meta), path)
	if err != nil {
		return fmt.Errorf("agent: insert message row: %w", err)
	}
	return nil
}

// SaveBlob spools one attachment payload under its content hash.
// Re-saving a hash already spooled is a no-op, whatever its status; the
// payload bytes are identical by construction.
func (b *Buffer) SaveBlob(ctx context.Context, hash string, payload []byte) error {
	path := filepath.Join(b.casDir, hash+".bin")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeFileSync(path, payload); err != nil {
			return fmt.Errorf("agent: write cas payload: %w", err)
		}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cas_blobs (hash, storage_path) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`,
		hash, path)
	if err != nil {
		return fmt.Errorf("agent: insert cas row: %w", err)
	}
	return nil
}

// PendingMessages returns up to limit spooled messages, oldest first.
func (b *Buffer) PendingMessages(ctx context.Context, limit int) ([]BufferedMessage, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, key, metadata, storage_path FROM messages WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: query pending messages: %w", err)
	}
	defer rows.Close()

	var out []BufferedMessage
	for rows.Next() {
		var m BufferedMessage
		var meta string
		if err := rows.Scan(&m.ID, &m.Key, &meta, &m.StoragePath); err != nil {
			return nil, fmt.Errorf("agent: scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("agent: decode metadata for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingBlobs returns up to limit spooled payloads, oldest first.
func (b *Buffer) PendingBlobs(ctx context.Context, limit int) ([]BufferedBlob, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT hash, storage_path FROM cas_blobs WHERE status = ? ORDER BY created_at, hash LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: query pending blobs: %w", err)
	}
	defer rows.Close()

	var out []BufferedBlob
	for rows.Next() {
		var bl BufferedBlob
		if err := rows.Scan(&bl.Hash, &bl.StoragePath); err != nil {
			return nil, fmt.Errorf("agent: scan blob row: %w", err)
		}
		out = append(out, bl)
	}
	return out, rows.Err()
}

// MarkMessage sets one message row's status.
func (b *Buffer) MarkMessage(ctx context.Context, id, status string) error {
	if _, err := b.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("agent: mark message %s: %w", id, err)
	}
	return nil
}

// MarkBlob sets one payload row's status.
func (b *Buffer) MarkBlob(ctx context.Context, hash, status string) error {
	if _, err := b.db.ExecContext(ctx, `UPDATE cas_blobs SET status = ? WHERE hash = ?`, status, hash); err != nil {
		return fmt.Errorf("agent: mark blob %s: %w", hash, err)
	}
	return nil
}

// PendingCounts reports the queue depth for logging and monitoring.
func (b *Buffer) PendingCounts(ctx context.Context) (messages, blobs int64, err error) {
	if err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = ?`, StatusPending).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("agent: count pending messages: %w", err)
	}
	if err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cas_blobs WHERE status = ?`, StatusPending).Scan(&blobs); err != nil {
		return 0, 0, fmt.Errorf("agent: count pending blobs: %w", err)
	}
	return messages, blobs, nil
}

// writeFileSync writes data and forces it to stable storage before
// returning. The buffer's durability contract leans on this: the 250
// acknowledgment must not outrun the disk.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
