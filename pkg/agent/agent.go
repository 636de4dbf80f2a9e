// Package agent is the edge sidecar that captures journaled mail at the
// customer boundary. An SMTP listener accepts each message, detaches
// attachment payloads into a local content-addressed spool, seals the
// stripped skeleton under a fresh per-message key, and buffers
// everything durably before acknowledging. A separate sync loop drains
// the buffer to the core, attachments first, so a core outage or an
// agent crash never loses a message that was answered with 250.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/message"
)

// Version is the agent build version reported to the core on every
// sync request; the core may refuse agents below its configured floor.
const Version = "2.1.0"

// bufferTimeout bounds the local processing of one message after its
// DATA completes. Everything inside is disk-bound.
const bufferTimeout = 30 * time.Second

// Config carries the SMTP listener settings.
type Config struct {
	// Addr is the listen address, typically ":2525".
	Addr string

	// Hostname is announced in the SMTP banner and EHLO response.
	Hostname string

	// MaxMessageBytes caps one DATA payload. Zero selects 64 MiB.
	MaxMessageBytes int64
}

// Server receives journaled mail and spools it into the buffer. Any
// AUTH credentials are accepted: the agent sits on the internal network
// and exists only so journaling MTAs that insist on authenticating have
// something to authenticate against. Admission control happens at the
// core, which the agent reaches with its API key.
type Server struct {
	cfg        Config
	buffer     *Buffer
	extractors []message.TextExtractor
	logger     *slog.Logger
	srv        *smtp.Server
}

// NewServer builds the listener around an open buffer. extractors may
// be nil to use the built-in text extraction chain.
func NewServer(cfg Config, buf *Buffer, extractors []message.TextExtractor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 20
	}
	s := &Server{
		cfg:        cfg,
		buffer:     buf,
		extractors: extractors,
		logger:     logger.With("component", "agent"),
	}

	srv := smtp.NewServer(backend{s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Hostname
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 500
	srv.ReadTimeout = 2 * time.Minute
	srv.WriteTimeout = 2 * time.Minute
	// The listener is plaintext on the internal network; journaling
	// sources still expect AUTH to be offered.
	srv.AllowInsecureAuth = true
	s.srv = srv
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", s.cfg.Addr, err)
	}
	go func() {
		<-ctx.Done()
		s.srv.Close()
	}()
	s.logger.Info("edge agent listening", "addr", s.cfg.Addr, "version", Version)
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return fmt.Errorf("agent: serve: %w", err)
	}
	return nil
}

type backend struct {
	srv *Server
}

func (b backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{srv: b.srv}, nil
}

type session struct {
	srv   *Server
	from  string
	rcpts []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth accepts whatever credentials the journaling source presents.
func (s *session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Login:
		return sasl.NewLoginServer(func(_, _ string) error { return nil }), nil
	default:
		return sasl.NewPlainServer(func(_, _, _ string) error { return nil }), nil
	}
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), bufferTimeout)
	defer cancel()
	if err := s.srv.capture(ctx, raw, s.from, s.rcpts); err != nil {
		s.srv.logger.Error("failed to buffer message", "from", s.from, "error", err)
		// 4xx keeps the message queued on the source; a full disk must
		// not turn into silent mail loss.
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Buffering failed, try again later",
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }

// capture spools one message: detach attachments into the CAS spool,
// seal the skeleton, commit message row last. By the time this returns
// nil, a crash at any later moment leaves the message recoverable.
func (s *Server) capture(ctx context.Context, raw []byte, envelopeFrom string, envelopeRcpt []string) error {
	id := uuid.New().String()
	keyB64, err := crypto.GenerateMessageKey()
	if err != nil {
		return fmt.Errorf("agent: key generation failed: %w", err)
	}
	key, err := crypto.DecodeMessageKey(keyB64)
	if err != nil {
		return fmt.Errorf("agent: key decode failed: %w", err)
	}

	stripped, err := message.Strip(raw, envelopeFrom, envelopeRcpt, s.extractors)
	if err != nil {
		return fmt.Errorf("agent: strip failed: %w", err)
	}

	// CAS rows first: the sync loop uploads attachments before any
	// message that references them, and that ordering starts here.
	for _, a := range stripped.Attachments {
		if err := s.buffer.SaveBlob(ctx, a.SHA256, a.Data); err != nil {
			return err
		}
	}

	ciphertext, err := crypto.Encrypt(stripped.Skeleton, key)
	if err != nil {
		return fmt.Errorf("agent: encryption failed: %w", err)
	}
	if err := s.buffer.SaveMessage(ctx, id, keyB64, stripped.Metadata, ciphertext); err != nil {
		return err
	}

	s.logger.Info("message buffered",
		"id", id,
		"from", stripped.Metadata.From,
		"subject", stripped.Metadata.Subject,
		"size", stripped.Metadata.Size,
		"attachments", len(stripped.Attachments))
	return nil
}
