// Package api is the HTTP surface of the archive core. It owns the
// route table, the middleware chain (request ids, logging, CORS, rate
// limiting, bearer auth, idempotency), and the handlers behind every
// endpoint: agent sync, search and retrieval, legal holds, retention,
// cases, exports, and tenant administration. Errors leave the package
// as RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openarchive/openarchive/pkg/analytics"
	"github.com/openarchive/openarchive/pkg/audit"
	"github.com/openarchive/openarchive/pkg/auth"
	"github.com/openarchive/openarchive/pkg/blob"
	"github.com/openarchive/openarchive/pkg/config"
	"github.com/openarchive/openarchive/pkg/crypto"
	"github.com/openarchive/openarchive/pkg/export"
	"github.com/openarchive/openarchive/pkg/holds"
	"github.com/openarchive/openarchive/pkg/index"
	"github.com/openarchive/openarchive/pkg/ingest"
	"github.com/openarchive/openarchive/pkg/observability"
	"github.com/openarchive/openarchive/pkg/retention"
	"github.com/openarchive/openarchive/pkg/search"
	"github.com/openarchive/openarchive/pkg/store"
	"github.com/openarchive/openarchive/pkg/tenant"
)

// DefaultActorPolicy is the per-actor request budget applied to
// authenticated traffic when no policy is configured.
var DefaultActorPolicy = LimitPolicy{RPM: 600, Burst: 60}

// Options wires the server's collaborators. Config, Store, Index,
// Blobs, and Authority are required; the rest degrade gracefully when
// nil (the corresponding endpoints return errors or the middleware is
// skipped).
type Options struct {
	Config        *config.Config
	Store         *store.Store
	Index         index.Index
	Blobs         blob.Store
	Searcher      *search.Service
	Holds         *holds.Registry
	Recorder      *audit.Recorder
	Pipeline      *ingest.Pipeline
	Exporter      *export.Exporter
	Analytics     *analytics.Service
	Retention     *retention.Worker
	Tenants       *tenant.Resolver
	Authority     *auth.Authority
	Signer        *crypto.Signer
	Observability *observability.Provider
	Idempotency   IdempotencyStorer
	Limiter       LimiterStore
	Logger        *slog.Logger
}

// Server exposes the archive over HTTP.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	index     index.Index
	blobs     blob.Store
	searcher  *search.Service
	holds     *holds.Registry
	recorder  *audit.Recorder
	pipeline  *ingest.Pipeline
	exporter  *export.Exporter
	analytics *analytics.Service
	retention *retention.Worker
	tenants   *tenant.Resolver
	authority *auth.Authority
	signer    *crypto.Signer
	obs       *observability.Provider
	idem      IdempotencyStorer
	actors    LimiterStore
	global    *GlobalRateLimiter
	logger    *slog.Logger
}

// NewServer assembles the HTTP surface from its collaborators.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		index:     opts.Index,
		blobs:     opts.Blobs,
		searcher:  opts.Searcher,
		holds:     opts.Holds,
		recorder:  opts.Recorder,
		pipeline:  opts.Pipeline,
		exporter:  opts.Exporter,
		analytics: opts.Analytics,
		retention: opts.Retention,
		tenants:   opts.Tenants,
		authority: opts.Authority,
		signer:    opts.Signer,
		obs:       opts.Observability,
		idem:      opts.Idempotency,
		actors:    opts.Limiter,
		global:    NewGlobalRateLimiter(100, 200),
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the route table and wraps it in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// Agent endpoints authenticate with the shared API key, not a user
	// token.
	agentKey := APIKeyMiddleware(s.cfg.APIKey)
	mux.Handle("POST /api/v1/sync", agentKey(http.HandlerFunc(s.handleSync)))
	mux.Handle("POST /api/v1/cas/check", agentKey(http.HandlerFunc(s.handleCASCheck)))
	mux.Handle("POST /api/v1/cas/upload", agentKey(http.HandlerFunc(s.handleCASUpload)))

	mux.HandleFunc("GET /api/v1/messages", s.handleSearchMessages)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleMessageDetail)
	mux.HandleFunc("GET /api/v1/messages/{id}/headers", s.handleMessageHeaders)
	mux.HandleFunc("GET /api/v1/messages/{id}/thread", s.handleMessageThread)
	mux.HandleFunc("GET /api/v1/messages/{id}/preview-redacted", s.handlePreviewRedacted)
	mux.HandleFunc("GET /api/v1/messages/{id}/pii-scan", s.handlePIIScan)
	mux.HandleFunc("GET /api/v1/messages/{id}/verify", s.handleVerifyMessage)

	mux.HandleFunc("GET /api/v1/downloads/{filename}", s.handleDownload)

	mux.HandleFunc("GET /api/v1/admin/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/v1/admin/stats", s.handleStats)

	mux.HandleFunc("GET /api/v1/admin/orgs", s.handleListOrgs)
	mux.HandleFunc("POST /api/v1/admin/orgs", s.handleCreateOrg)
	mux.HandleFunc("DELETE /api/v1/admin/orgs/{id}", s.handleDeleteOrg)

	mux.HandleFunc("GET /api/v1/admin/users", s.handleListUsers)
	mux.HandleFunc("POST /api/v1/admin/users", s.handleCreateUser)
	mux.HandleFunc("DELETE /api/v1/admin/users/{id}", s.handleDeleteUser)

	mux.HandleFunc("GET /api/v1/admin/audit-logs", s.handleListAuditLogs)
	mux.HandleFunc("POST /api/v1/admin/audit-logs", s.handleAppendAuditLog)
	mux.HandleFunc("GET /api/v1/admin/audit-logs/verify", s.handleVerifyAuditChain)

	mux.HandleFunc("GET /api/v1/admin/holds", s.handleListHolds)
	mux.HandleFunc("POST /api/v1/admin/holds", s.handleCreateHold)
	mux.HandleFunc("POST /api/v1/admin/holds/apply", s.handleApplyHold)
	mux.HandleFunc("GET /api/v1/admin/holds/{id}", s.handleGetHold)
	mux.HandleFunc("POST /api/v1/admin/holds/{id}/release", s.handleReleaseHold)

	mux.HandleFunc("GET /api/v1/admin/retention", s.handleListPolicies)
	mux.HandleFunc("POST /api/v1/admin/retention", s.handleCreatePolicy)
	mux.HandleFunc("DELETE /api/v1/admin/retention/{id}", s.handleDeletePolicy)
	mux.HandleFunc("POST /api/v1/admin/retention/run", s.handleRunRetention)

	mux.HandleFunc("GET /api/v1/admin/system/agents", s.handleListAgents)

	mux.HandleFunc("GET /api/v1/cases", s.handleListCases)
	mux.HandleFunc("POST /api/v1/cases", s.handleCreateCase)
	mux.HandleFunc("POST /api/v1/cases/items/batch-assign", s.handleBatchAssign)
	mux.HandleFunc("GET /api/v1/cases/assignments/{userID}", s.handleAssignments)
	mux.HandleFunc("PUT /api/v1/cases/items/{itemID}/tags", s.handleUpdateItemTags)
	mux.HandleFunc("PUT /api/v1/cases/items/{itemID}/status", s.handleUpdateItemStatus)
	mux.HandleFunc("DELETE /api/v1/cases/items/{itemID}", s.handleRemoveCaseItem)
	mux.HandleFunc("GET /api/v1/cases/{id}", s.handleGetCase)
	mux.HandleFunc("POST /api/v1/cases/{id}/items", s.handleAddCaseItems)
	mux.HandleFunc("POST /api/v1/cases/{id}/export", s.handleExportCase)
	mux.HandleFunc("DELETE /api/v1/cases/{id}", s.handleDeleteCase)

	var h http.Handler = mux
	if s.idem != nil {
		h = IdempotencyMiddleware(s.idem)(h)
	}
	if s.actors != nil {
		h = ActorRateLimitMiddleware(s.actors, DefaultActorPolicy)(h)
	}
	h = NewAuthMiddleware(s.authority)(h)
	h = s.global.Middleware(h)
	h = auth.CORSMiddleware(nil)(h)
	h = RequestLogging(s.logger)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads a bounded request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

// orgScope resolves the tenant a request operates on. Scoped principals
// are locked to their token's organization and a conflicting org_id
// parameter is rejected; platform admins select the tenant with the
// org_id query parameter.
func orgScope(w http.ResponseWriter, r *http.Request, p *auth.Principal) (int64, bool) {
	param := r.URL.Query().Get("org_id")
	if p.IsSuper() {
		if param == "" {
			WriteBadRequest(w, "org_id parameter is required")
			return 0, false
		}
		id, err := strconv.ParseInt(param, 10, 64)
		if err != nil || id <= 0 {
			WriteBadRequest(w, "org_id must be a positive integer")
			return 0, false
		}
		return id, true
	}
	org, ok := p.Org()
	if !ok {
		WriteForbidden(w, "Token is not bound to an organization")
		return 0, false
	}
	if param != "" {
		id, err := strconv.ParseInt(param, 10, 64)
		if err != nil || id != org {
			WriteForbidden(w, "Access denied to this organization")
			return 0, false
		}
	}
	return org, true
}

// optionalOrgScope is orgScope for endpoints with a platform-wide view:
// a platform admin without an org_id parameter gets nil, meaning all
// tenants.
func optionalOrgScope(w http.ResponseWriter, r *http.Request, p *auth.Principal) (*int64, bool) {
	if p.IsSuper() && r.URL.Query().Get("org_id") == "" {
		return nil, true
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return nil, false
	}
	return &org, true
}

// pathID parses a numeric path segment, writing a problem response on
// failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, "Invalid "+name+" in path")
		return 0, false
	}
	return id, true
}
