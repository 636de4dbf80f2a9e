package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/openarchive/openarchive/pkg/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestSeed_FreshDatabase(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO organizations")).
		WithArgs(DefaultOrgSlug).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := s.Seed(context.Background(), "changeme")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if !created {
		t.Error("expected admin user to be created on a fresh database")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSeed_AdminAlreadyExists(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO organizations")).
		WithArgs(DefaultOrgSlug).
		WillReturnResult(sqlmock.NewResult(1, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	created, err := s.Seed(context.Background(), "changeme")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if created {
		t.Error("existing admin user must not be recreated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateOrganization_DuplicateSlug(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE slug = $1")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	err := s.CreateOrganization(context.Background(), &Organization{Name: "Acme", Slug: "acme"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestDeleteOrganization_RemovesDependentsInOrder(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectBegin()
	for _, fragment := range []string{
		"DELETE FROM legal_hold_items",
		"DELETE FROM legal_holds",
		"DELETE FROM case_items",
		"DELETE FROM cases",
		"DELETE FROM audit_logs",
		"DELETE FROM retention_policies",
		"DELETE FROM sidecar_agents",
		"DELETE FROM users",
		"DELETE FROM organizations",
	} {
		mock.ExpectExec(regexp.QuoteMeta(fragment)).
			WithArgs(int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := s.DeleteOrganization(context.Background(), 4); err != nil {
		t.Fatalf("DeleteOrganization: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteOrganization_NotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	if err := s.DeleteOrganization(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrgIDsByDomains(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE domains && $1")).
		WithArgs(pq.Array([]string{"acme.com", "globex.com"})).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(7)))

	ids, err := s.OrgIDsByDomains(context.Background(), []string{"acme.com", "globex.com"})
	if err != nil {
		t.Fatalf("OrgIDsByDomains: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 7 {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestOrgIDsByDomains_NoDomains(t *testing.T) {
	s, _, done := newMockStore(t)
	defer done()

	ids, err := s.OrgIDsByDomains(context.Background(), nil)
	if err != nil {
		t.Fatalf("OrgIDsByDomains: %v", err)
	}
	if ids != nil {
		t.Errorf("expected no lookup for empty domain list, got %v", ids)
	}
}

func TestGetUserByUsername(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "org_id", "domains", "created_at"}).
		AddRow(int64(2), "auditor1", "$2a$10$hash", auth.RoleAuditor, int64(5), []byte(`["acme.com"]`), now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = $1")).
		WithArgs("auditor1").
		WillReturnRows(rows)

	u, err := s.GetUserByUsername(context.Background(), "auditor1")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.OrgID != 5 || u.Role != auth.RoleAuditor {
		t.Errorf("unexpected user: %+v", u)
	}
	if len(u.Domains) != 1 || u.Domains[0] != "acme.com" {
		t.Errorf("unexpected domains: %v", u.Domains)
	}
}

func TestGetUserByUsername_NotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUserByUsername(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUser_ScopedToOrg(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	org := int64(3)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1 AND org_id = $2")).
		WithArgs(int64(9), org).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteUser(context.Background(), 9, &org); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zero rows, got %v", err)
	}
}

func TestLastAuditHash(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_hash FROM audit_logs WHERE org_id = $1 ORDER BY id DESC LIMIT 1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"current_hash"}).AddRow("abc123"))

	hash, err := s.LastAuditHash(context.Background(), 1)
	if err != nil {
		t.Fatalf("LastAuditHash: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("unexpected hash %q", hash)
	}
}

func TestLastAuditHash_EmptyChain(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_hash FROM audit_logs")).
		WithArgs(int64(2)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.LastAuditHash(context.Background(), 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty chain, got %v", err)
	}
}

func TestForEachAuditEntryAsc_StopsOnError(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	rows := sqlmock.NewRows([]string{"id", "username", "action", "details", "previous_hash", "current_hash"}).
		AddRow(int64(1), "admin", "LOGIN", []byte(`{}`), "ROOT_HASH", "h1").
		AddRow(int64(2), "admin", "SEARCH", []byte(`{}`), "h1", "h2")
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE org_id = $1 ORDER BY id ASC")).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	stop := errors.New("stop")
	var seen int
	err := s.ForEachAuditEntryAsc(context.Background(), 1, func(e *AuditEntry) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if seen != 1 {
		t.Errorf("expected walk to stop after first entry, saw %d", seen)
	}
}

func TestCreateHold_DuplicateName(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM legal_holds WHERE name = $1 AND org_id = $2")).
		WithArgs("Litigation A", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))

	err := s.CreateHold(context.Background(), &LegalHold{OrgID: 1, Name: "Litigation A"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAddHoldItems_IgnoresDuplicates(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO legal_hold_items"))
	prep.ExpectExec().WithArgs(int64(5), "msg-1").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(5), "msg-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.AddHoldItems(context.Background(), 5, []string{"msg-1", "msg-2"})
	if err != nil {
		t.Fatalf("AddHoldItems: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReleaseHold_NotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE legal_holds SET active = FALSE")).
		WithArgs("missing-id", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.ReleaseHold(context.Background(), "missing-id", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveHoldCriteria_SkipsEmpty(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	rows := sqlmock.NewRows([]string{"filter_criteria"}).
		AddRow([]byte(`{"from": "ceo@acme.com"}`)).
		AddRow([]byte(`{}`)).
		AddRow(nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT filter_criteria FROM legal_holds WHERE active = TRUE")).
		WillReturnRows(rows)

	criteria, err := s.ActiveHoldCriteria(context.Background(), nil)
	if err != nil {
		t.Fatalf("ActiveHoldCriteria: %v", err)
	}
	if len(criteria) != 1 || criteria[0].From != "ceo@acme.com" {
		t.Errorf("unexpected criteria: %+v", criteria)
	}
}

func TestBatchAssign_RejectsForeignItems(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta("AND c.org_id != $2")).
		WithArgs(pq.Array([]int64{10, 11}), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	err := s.BatchAssign(context.Background(), []int64{10, 11}, 4, 1)
	if !errors.Is(err, ErrWrongOrg) {
		t.Fatalf("expected ErrWrongOrg, got %v", err)
	}
}

func TestListPolicies_GlobalUsesNullOrg(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "org_id", "name", "domains", "retention_days", "action", "created_at", "active"}).
		AddRow(int64(1), nil, "7 year default", []byte(`["acme.com"]`), 2555, "PERMANENT_DELETE", now, true)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE org_id IS NULL")).
		WillReturnRows(rows)

	policies, err := s.ListPolicies(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected one policy, got %d", len(policies))
	}
	if policies[0].OrgID != nil {
		t.Error("global policy must have nil org")
	}
	if policies[0].RetentionDays != 2555 {
		t.Errorf("unexpected retention days %d", policies[0].RetentionDays)
	}
}

func TestRecordHeartbeat_Upserts(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (name, hostname) DO UPDATE")).
		WithArgs("edge-1", "mail01", int64(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.RecordHeartbeat(context.Background(), "edge-1", "mail01", 2); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
}

func TestListAgents_DerivesStaleness(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	recent := time.Now().Add(-time.Minute)
	old := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"id", "name", "hostname", "org_id", "status", "last_seen", "created_at"}).
		AddRow(int64(1), "edge-1", "mail01", int64(2), "ONLINE", recent, old).
		AddRow(int64(2), "edge-2", "mail02", int64(2), "ONLINE", old, old).
		AddRow(int64(3), "edge-3", "mail03", int64(2), "OFFLINE", nil, old)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sidecar_agents")).
		WillReturnRows(rows)

	agents, err := s.ListAgents(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	if agents[0].Status != AgentOnline {
		t.Errorf("recent heartbeat should be ONLINE, got %s", agents[0].Status)
	}
	if agents[1].Status != AgentStale {
		t.Errorf("old heartbeat should be STALE, got %s", agents[1].Status)
	}
	if agents[2].Status != AgentOffline {
		t.Errorf("never-seen agent should stay OFFLINE, got %s", agents[2].Status)
	}
}
