// Package smtpd is the core-side SMTP journal listener. Mail servers
// configured for journaling deliver each message here once; the
// listener admits only allow-listed peers, resolves the involved
// domains to owning organizations, and archives the message through
// the same capture pipeline the edge agents use: attachments detached
// into content-addressed storage, the stripped skeleton sealed under a
// fresh per-message key. Messages whose domains match no organization
// are accepted and dropped with a warning, so a misrouted journal
// stream never bounces mail.
package smtpd

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/openarchive/openarchive/pkg/audit"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/ingest"
	"github.com/openarchive/openarchive/pkg/message"
	"github.com/openarchive/openarchive/pkg/observability"
)

// archiveTimeout bounds the processing of one journaled message after
// its DATA completes.
const archiveTimeout = time.Minute

// Config carries the listener settings.
type Config struct {
	// Addr is the listen address, typically ":2525".
	Addr string

	// Hostname is announced in the SMTP banner and EHLO response.
	Hostname string

	// AllowedPeers lists the source addresses admitted to deliver
	// mail, as bare IPs or CIDR blocks. An empty list denies every
	// peer; the daemon always configures at least loopback.
	AllowedPeers []string

	// TLS enables STARTTLS when set.
	TLS *tls.Config

	// MaxMessageBytes caps one DATA payload. Zero selects 64 MiB.
	MaxMessageBytes int64
}

// Server receives journaled mail and feeds it to the capture pipeline.
type Server struct {
	cfg      Config
	resolver ingest.OrgResolver
	pipeline *ingest.Pipeline
	recorder *audit.Recorder
	obs      *observability.Provider
	logger   *slog.Logger
	allow    []*net.IPNet
	srv      *smtp.Server
}

// New builds the listener. recorder and obs may be nil; a bad
// allow-list entry is refused here so the daemon fails at boot instead
// of silently rejecting all mail.
func New(cfg Config, resolver ingest.OrgResolver, pipeline *ingest.Pipeline, recorder *audit.Recorder, obs *observability.Provider, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allow, err := parseAllowList(cfg.AllowedPeers)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 20
	}

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		pipeline: pipeline,
		recorder: recorder,
		obs:      obs,
		logger:   logger.With("component", "smtpd"),
		allow:    allow,
	}

	srv := smtp.NewServer(backend{s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Hostname
	srv.TLSConfig = cfg.TLS
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 500
	srv.ReadTimeout = 2 * time.Minute
	srv.WriteTimeout = 2 * time.Minute
	s.srv = srv
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtpd: listen %s: %w", s.cfg.Addr, err)
	}
	go func() {
		<-ctx.Done()
		s.srv.Close()
	}()
	s.logger.Info("smtp journal listener running", "addr", s.cfg.Addr, "starttls", s.cfg.TLS != nil)
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return fmt.Errorf("smtpd: serve: %w", err)
	}
	return nil
}

func parseAllowList(entries []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, e := range entries {
		if e == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(e); err == nil {
			out = append(out, cidr)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("smtpd: allow-list entry %q is neither an IP nor a CIDR block", e)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

func (s *Server) peerAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range s.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type backend struct {
	srv *Server
}

func (b backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	var peer net.IP
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		peer = addr.IP
	}
	return &session{srv: b.srv, peer: peer, allowed: b.srv.peerAllowed(peer)}, nil
}

type session struct {
	srv     *Server
	peer    net.IP
	allowed bool
	from    string
	rcpts   []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt is where unauthorized peers are turned away, matching the
// journal sources that probe with RCPT before sending DATA.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.allowed {
		s.srv.logger.Warn("smtp access denied", "peer", s.peer.String())
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access Denied",
		}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if !s.allowed {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access Denied",
		}
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.srv.archive(ctx, raw, s.from, s.rcpts); err != nil {
		// A 4xx keeps the message queued on the journal source; losing
		// it to a transient storage failure would break the capture
		// guarantee.
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Archiving failed, try again later",
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }

// archive captures one journaled message. The blob is stored once; the
// index record is owned by every organization whose domains the message
// involves, and each of those organizations gets an SMTP_INGEST entry
// in its audit chain.
func (s *Server) archive(ctx context.Context, raw []byte, envelopeFrom string, envelopeRcpt []string) error {
	done := func(error) {}
	if s.obs != nil {
		ctx, done = s.obs.TrackOperation(ctx, "smtp.ingest")
	}
	err := s.capture(ctx, raw, envelopeFrom, envelopeRcpt)
	done(err)
	return err
}

func (s *Server) capture(ctx context.Context, raw []byte, envelopeFrom string, envelopeRcpt []string) error {
	orgs, matched, err := s.matchOrgs(ctx, raw, envelopeFrom, envelopeRcpt)
	if err != nil {
		return err
	}
	if len(orgs) == 0 {
		s.logger.Warn("no matching organization for journaled message, dropping", "domains", matched)
		return nil
	}

	stripped, err := message.Strip(raw, envelopeFrom, envelopeRcpt, nil)
	if err != nil {
		return fmt.Errorf("smtpd: strip failed: %w", err)
	}

	if err := s.storeAttachments(ctx, stripped.Attachments); err != nil {
		return err
	}

	id := uuid.New().String()
	keyB64, err := crypto.GenerateMessageKey()
	if err != nil {
		return fmt.Errorf("smtpd: key generation failed: %w", err)
	}
	key, err := crypto.DecodeMessageKey(keyB64)
	if err != nil {
		return fmt.Errorf("smtpd: key decode failed: %w", err)
	}
	ciphertext, err := crypto.Encrypt(stripped.Skeleton, key)
	if err != nil {
		return fmt.Errorf("smtpd: encryption failed: %w", err)
	}

	batch := ingest.Batch{Batch: []ingest.Item{{
		ID:       id,
		Key:      keyB64,
		Metadata: stripped.Metadata,
		BlobB64:  base64.StdEncoding.EncodeToString(ciphertext),
	}}}
	res, err := s.pipeline.Sync(ctx, batch, 0)
	if err != nil {
		return fmt.Errorf("smtpd: capture failed: %w", err)
	}
	if res.Processed == 0 {
		return errors.New("smtpd: message blob was not stored")
	}

	if s.recorder != nil {
		details := map[string]any{"source": "SMTP", "size": len(raw)}
		for _, org := range orgs {
			if _, err := s.recorder.Record(ctx, org, "system", "SMTP_INGEST", details); err != nil {
				s.logger.Warn("failed to record smtp ingest", "org_id", org, "error", err)
			}
		}
	}
	if s.obs != nil {
		s.obs.RecordIngest(ctx, res.Processed, int64(len(raw)), orgs[0])
	}
	s.logger.Info("journaled message archived", "id", id, "orgs", orgs, "size", len(raw))
	return nil
}

// matchOrgs resolves every domain the message involves, headers and
// envelope both, to owning organizations. Cc and Bcc recipients reach
// the match through the envelope; journaling delivers to the real
// recipient set even when headers hide it.
func (s *Server) matchOrgs(ctx context.Context, raw []byte, envelopeFrom string, envelopeRcpt []string) ([]int64, []string, error) {
	values := []string{envelopeFrom}
	values = append(values, envelopeRcpt...)
	if root, err := message.Parse(raw); err == nil {
		values = append(values, root.Get("From"), root.Get("To"), root.Get("Cc"), root.Get("Bcc"))
	}
	domains := message.DomainsIn(values...)
	if len(domains) == 0 {
		return nil, nil, nil
	}
	orgs, err := s.resolver.Resolve(ctx, domains)
	if err != nil {
		return nil, domains, fmt.Errorf("smtpd: org resolution failed: %w", err)
	}
	return orgs, domains, nil
}

// storeAttachments uploads detached payloads that the archive does not
// already hold, deduplicated by content hash.
func (s *Server) storeAttachments(ctx context.Context, attachments []message.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(attachments))
	for _, a := range attachments {
		hashes = append(hashes, a.SHA256)
	}
	existing, err := s.pipeline.CASCheck(ctx, hashes)
	if err != nil {
		return fmt.Errorf("smtpd: cas check failed: %w", err)
	}

	var batch ingest.CASBatch
	for _, a := range attachments {
		if existing[a.SHA256] {
			continue
		}
		batch.Batch = append(batch.Batch, ingest.CASItem{
			Hash:    a.SHA256,
			BlobB64: base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	if len(batch.Batch) == 0 {
		return nil
	}
	if _, err := s.pipeline.CASUpload(ctx, batch); err != nil {
		return fmt.Errorf("smtpd: cas upload failed: %w", err)
	}
	return nil
}
