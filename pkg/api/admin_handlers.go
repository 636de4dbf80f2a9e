package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openarchive/openarchive/pkg/auth"
	"github.com/openarchive/openarchive/pkg/store"
	"github.com/openarchive/openarchive/pkg/tenant"
)

// agentStaleWindow is how recent a heartbeat must be for an agent to
// report ONLINE in the monitoring view.
const agentStaleWindow = 5 * time.Minute

// handleAnalytics returns the per-organization compliance overview:
// message volume, hold load and a storage estimate.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}
	if s.analytics == nil {
		WriteInternal(w, errors.New("analytics service is not configured"))
		return
	}

	figures, err := s.analytics.OrgAnalytics(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, figures)
}

// handleStats returns the dashboard figures. Super admins without an
// org_id parameter get the platform-wide shape; everyone else gets
// their organization's.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := optionalOrgScope(w, r, p)
	if !ok {
		return
	}
	if s.analytics == nil {
		WriteInternal(w, errors.New("analytics service is not configured"))
		return
	}

	if org == nil {
		stats, err := s.analytics.SuperStats(r.Context())
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := s.analytics.ClientStats(r.Context(), *org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListOrgs returns every tenant. Super admin only.
func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsSuper() {
		WriteForbidden(w, "Super admin access required")
		return
	}

	orgs, err := s.store.ListOrganizations(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if orgs == nil {
		orgs = []store.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

type createOrgRequest struct {
	Name    string   `json:"name"`
	Slug    string   `json:"slug"`
	Domains []string `json:"domains"`
}

// handleCreateOrg provisions a tenant. Super admin only.
func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsSuper() {
		WriteForbidden(w, "Super admin access required")
		return
	}

	var req createOrgRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Slug == "" {
		WriteBadRequest(w, "Missing required fields: name, slug")
		return
	}

	o := &store.Organization{Name: req.Name, Slug: req.Slug, Domains: tenant.Normalize(req.Domains)}
	err := s.store.CreateOrganization(r.Context(), o)
	if errors.Is(err, store.ErrDuplicate) {
		WriteBadRequest(w, "Organization slug already exists")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if s.tenants != nil {
		s.tenants.Invalidate()
	}
	writeJSON(w, http.StatusOK, o)
}

// handleDeleteOrg removes a tenant and all rows that reference it.
// Indexed messages and blobs survive; only the relational side is
// dropped. Super admin only.
func (s *Server) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsSuper() {
		WriteForbidden(w, "Super admin access required")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	err := s.store.DeleteOrganization(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Organization not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if s.tenants != nil {
		s.tenants.Invalidate()
	}
	s.logger.Info("organization deleted", "org_id", id, "by", p.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleListUsers lists an organization's users. A super admin without
// an org_id parameter sees every client admin across tenants.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := optionalOrgScope(w, r, p)
	if !ok {
		return
	}

	users, err := s.store.ListUsers(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Role     string   `json:"role"`
	Domains  []string `json:"domains"`
}

// handleCreateUser adds an auditor or client admin to an organization.
// Auditor domains must be a subset of the organization's own; super
// admin accounts cannot be created over the API.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, "Missing required fields: username, password")
		return
	}
	switch req.Role {
	case "":
		req.Role = auth.RoleAuditor
	case auth.RoleAuditor, auth.RoleClientAdmin:
	default:
		WriteBadRequest(w, "Invalid role: "+req.Role)
		return
	}

	owned, err := s.store.OrgDomains(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	allowed := make(map[string]bool, len(owned))
	for _, d := range tenant.Normalize(owned) {
		allowed[d] = true
	}
	domains := tenant.Normalize(req.Domains)
	for _, d := range domains {
		if !allowed[d] {
			WriteBadRequest(w, "Domain "+d+" not authorized for this Organization")
			return
		}
	}

	u := &store.User{Username: req.Username, Role: req.Role, OrgID: org, Domains: domains}
	err = s.store.CreateUser(r.Context(), u, req.Password)
	if errors.Is(err, store.ErrDuplicate) {
		WriteBadRequest(w, "Username already exists")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if s.recorder != nil {
		_, err := s.recorder.Record(r.Context(), org, p.Username, "CREATE_USER",
			map[string]any{"username": u.Username, "role": u.Role})
		if err != nil {
			s.logger.Warn("failed to audit user creation", "username", u.Username, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, u)
}

// handleDeleteUser removes a user. Non-super callers can only delete
// inside their own organization.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if id == p.ID {
		WriteBadRequest(w, "Cannot delete your own account")
		return
	}

	var scope *int64
	if !p.IsSuper() {
		org, bound := p.Org()
		if !bound {
			WriteForbidden(w, "Token is not bound to an organization")
			return
		}
		scope = &org
	}

	err := s.store.DeleteUser(r.Context(), id, scope)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "User not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if s.recorder != nil && scope != nil {
		_, err := s.recorder.Record(r.Context(), *scope, p.Username, "DELETE_USER",
			map[string]any{"user_id": id})
		if err != nil {
			s.logger.Warn("failed to audit user deletion", "user_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleListAuditLogs returns the newest entries of the organization's
// audit chain.
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.recorder.Recent(r.Context(), org, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type appendAuditRequest struct {
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
}

// handleAppendAuditLog lets authenticated clients append to their
// organization's chain. The actor is always taken from the token, never
// from the body.
func (s *Server) handleAppendAuditLog(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	var req appendAuditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "Missing required field: action")
		return
	}

	entry, err := s.recorder.Record(r.Context(), org, p.Username, req.Action, req.Details)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged", "hash": entry.CurrentHash})
}

// handleVerifyAuditChain recomputes the organization's chain from the
// root and reports the first break, if any.
func (s *Server) handleVerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := orgScope(w, r, p)
	if !ok {
		return
	}

	status, err := s.recorder.Verify(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !status.Valid {
		s.logger.Error("audit chain verification failed", "org_id", org, "detail", status.Error)
		if s.obs != nil {
			s.obs.RecordChainFailure(r.Context(), org)
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListPolicies returns retention policies: the organization's
// own, or the global set for a super admin without an org_id parameter.
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := optionalOrgScope(w, r, p)
	if !ok {
		return
	}

	policies, err := s.store.ListPolicies(r.Context(), org)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if policies == nil {
		policies = []store.RetentionPolicy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

type createPolicyRequest struct {
	Name          string   `json:"name"`
	Domains       []string `json:"domains"`
	RetentionDays int      `json:"retention_days"`
	Action        string   `json:"action"`
}

// handleCreatePolicy registers a retention policy. A super admin
// without an org_id parameter creates a global policy.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := optionalOrgScope(w, r, p)
	if !ok {
		return
	}

	var req createPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Domains) == 0 {
		WriteBadRequest(w, "Missing required fields: name, domains")
		return
	}
	if req.RetentionDays <= 0 {
		WriteBadRequest(w, "retention_days must be a positive integer")
		return
	}
	if req.Action == "" {
		req.Action = "DELETE"
	}

	policy := &store.RetentionPolicy{
		OrgID:         org,
		Name:          req.Name,
		Domains:       tenant.Normalize(req.Domains),
		RetentionDays: req.RetentionDays,
		Action:        req.Action,
	}
	if err := s.store.CreatePolicy(r.Context(), policy); err != nil {
		WriteInternal(w, err)
		return
	}

	if s.recorder != nil && org != nil {
		_, err := s.recorder.Record(r.Context(), *org, p.Username, "CREATE_RETENTION_POLICY",
			map[string]any{"name": policy.Name, "retention_days": policy.RetentionDays})
		if err != nil {
			s.logger.Warn("failed to audit policy creation", "name", policy.Name, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, policy)
}

// handleDeletePolicy removes a retention policy inside the caller's
// scope.
func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	org, ok := optionalOrgScope(w, r, p)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	err := s.store.DeletePolicy(r.Context(), id, org)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "Policy not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// handleRunRetention kicks the purge worker outside its schedule.
func (s *Server) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.CanManage() {
		WriteForbidden(w, "Admin access required")
		return
	}
	if s.retention == nil {
		WriteInternal(w, errors.New("retention worker is not running"))
		return
	}

	s.retention.Trigger()
	s.logger.Info("retention pass requested", "by", p.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "Retention worker triggered"})
}

// handleListAgents returns every registered capture agent with its
// derived health. Super admin only.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsSuper() {
		WriteForbidden(w, "Super admin access required")
		return
	}

	agents, err := s.store.ListAgents(r.Context(), agentStaleWindow)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}
