// Command openarchived runs the archive core: the tenant HTTP API, the
// journal SMTP listener, the audit chain verifier, and the retention
// worker, backed by Postgres, an S3-compatible blob store, and a
// Meilisearch index.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openarchive/openarchive/pkg/analytics"
	"github.com/openarchive/openarchive/pkg/api"
	"github.com/openarchive/openarchive/pkg/audit"
	"github.com/openarchive/openarchive/pkg/auth"
	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/classify"
	"github.com/openarchive/openarchive/pkg/config"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/export"
	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/ingest"
	"github.com/openarchive/openarchive/pkg/observability"
	"github.com/openarchive/openarchive/pkg/retention"
	"github.com/openarchive/openarchive/pkg/search"
	"github.com/openarchive/openarchive/pkg/smtpd"
	"github.com/openarchive/openarchive/pkg/store"
	"github.com/openarchive/openarchive/pkg/tenant"
)

const version = "2.1.0"

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("refusing to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("core exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("archive core starting", "version", version)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("schema init: %w", err)
	}
	created, err := st.Seed(ctx, cfg.AdminInitialPassword)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if created {
		logger.Info("seeded initial super admin", "username", "admin")
	}

	backend, err := blob.NewBackend(ctx, blob.BackendConfig{
		Backend: cfg.BlobBackend,
		S3: blob.S3StoreConfig{
			Bucket:    cfg.MinioBucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
		},
		GCSBucket: cfg.GCSBucket,
		GCSPrefix: cfg.GCSPrefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	blobs, err := blob.NewEncrypted(backend, crypto.DeriveMasterKey(cfg.MasterKeySecret))
	if err != nil {
		return fmt.Errorf("blob encryption: %w", err)
	}

	idx, err := index.NewMeili(index.MeiliConfig{Host: cfg.MeiliHost, APIKey: cfg.MeiliKey}, logger)
	if err != nil {
		return fmt.Errorf("search index: %w", err)
	}
	if err := idx.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("search index init: %w", err)
	}

	signer := crypto.NewSigner(cfg.IntegrityKey)
	resolver := tenant.NewResolver(st, tenant.DefaultTTL)
	recorder := audit.NewRecorder(st, logger)
	verifier := audit.NewVerifier(recorder, st, logger, 0)
	verifier.OnFailure = func(orgID int64) {
		obs.RecordChainFailure(ctx, orgID)
	}

	var clf ingest.Classifier
	if cfg.ClassifyRulesPath != "" {
		c, err := classify.New(logger)
		if err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		if err := c.LoadFile(cfg.ClassifyRulesPath); err != nil {
			return fmt.Errorf("classifier rules: %w", err)
		}
		clf = c
	}

	pipeline := ingest.New(blobs, idx, resolver, clf, signer, cfg.DefaultOrgID, logger)
	holdRegistry := holds.NewRegistry(st, idx, recorder, logger)
	searcher := search.New(idx, holdRegistry, resolver, logger)
	exporter, err := export.New(idx, blobs, cfg.ExportDir, logger)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	figures := analytics.New(st, idx, resolver, 0, logger)
	purger := retention.NewWorker(st, holdRegistry, idx, blobs, logger)
	purger.OnPass = func(sum *retention.Summary) {
		for domain, n := range sum.PerDomain {
			obs.RecordPurge(ctx, n, domain)
		}
	}
	authority := auth.NewAuthority(cfg.JWTSecret, cfg.AccessTokenTTL)

	var limiter api.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiterStore(cfg.RedisAddr)
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewInMemoryLimiterStore()
	}

	srv := api.NewServer(api.Options{
		Config:        cfg,
		Store:         st,
		Index:         idx,
		Blobs:         blobs,
		Searcher:      searcher,
		Holds:         holdRegistry,
		Recorder:      recorder,
		Pipeline:      pipeline,
		Exporter:      exporter,
		Analytics:     figures,
		Retention:     purger,
		Tenants:       resolver,
		Authority:     authority,
		Signer:        signer,
		Observability: obs,
		Idempotency:   api.NewPostgresIdempotencyStore(db, 24*time.Hour),
		Limiter:       limiter,
		Logger:        logger,
	})

	smtpServer, err := smtpd.New(smtpd.Config{
		Addr:         ":" + cfg.SMTPPort,
		Hostname:     smtpHostname(),
		AllowedPeers: splitList(cfg.AllowedSMTPIPs),
		TLS:          loadSMTPTLS(cfg, logger),
	}, resolver, pipeline, recorder, obs, logger)
	if err != nil {
		return fmt.Errorf("smtp listener: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := smtpServer.Run(ctx); err != nil {
			errCh <- fmt.Errorf("smtp listener: %w", err)
		}
	}()
	go verifier.Run(ctx)
	go purger.Run(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return runErr
}

// loadSMTPTLS loads the STARTTLS keypair. Missing or unreadable cert
// material downgrades the listener to plaintext rather than blocking
// boot; the allow-list still gates who may deliver.
func loadSMTPTLS(cfg *config.Config, logger *slog.Logger) *tls.Config {
	cert, err := tls.LoadX509KeyPair(cfg.SMTPTLSCert, cfg.SMTPTLSKey)
	if err != nil {
		logger.Warn("smtp starttls disabled", "error", err)
		return nil
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

func smtpHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "openarchive"
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
