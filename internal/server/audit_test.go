package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiquate/cco-sub021/internal/auditlog"
)

type fakeAudit struct {
	query   auditlog.Query
	entries map[string]*auditlog.Entry
}

func (f *fakeAudit) Search(_ context.Context, q auditlog.Query) ([]auditlog.Entry, error) {
	f.query = q
	out := make([]auditlog.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeAudit) Get(_ context.Context, id string) (*auditlog.Entry, error) {
	return f.entries[id], nil
}

func TestAuditLog_Disabled(t *testing.T) {
	srv := newTestServer(t, Deps{}, nil)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/audit", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/audit/abc", "").Code)
}

func TestAuditLog_Search(t *testing.T) {
	audit := &fakeAudit{entries: map[string]*auditlog.Entry{
		"a1": {ID: "a1", Provider: "openai", Status: auditlog.StatusError, ErrorMessage: "boom"},
	}}
	srv := newTestServer(t, Deps{Audit: audit}, nil)

	rec := do(t, srv, http.MethodGet,
		"/api/audit?provider=openai&agent_type=reviewer&project_id=p1&status=error&limit=5&start=2026-10-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	assert.Equal(t, "openai", audit.query.Provider)
	assert.Equal(t, "reviewer", audit.query.AgentType)
	assert.Equal(t, "p1", audit.query.ProjectID)
	assert.Equal(t, auditlog.StatusError, audit.query.Status)
	assert.Equal(t, 5, audit.query.Limit)
	assert.True(t, audit.query.Start.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))

	rec = do(t, srv, http.MethodGet, "/api/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auditlog.DefaultQueryLimit, audit.query.Limit)

	rec = do(t, srv, http.MethodGet, "/api/audit?limit=99999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auditlog.MaxQueryLimit, audit.query.Limit)
}

func TestAuditLog_RejectsBadParams(t *testing.T) {
	srv := newTestServer(t, Deps{Audit: &fakeAudit{}}, nil)

	for _, target := range []string{
		"/api/audit?status=pending",
		"/api/audit?limit=0",
		"/api/audit?limit=abc",
		"/api/audit?start=yesterday",
	} {
		rec := do(t, srv, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestAuditEntry(t *testing.T) {
	audit := &fakeAudit{entries: map[string]*auditlog.Entry{
		"a1": {ID: "a1", Model: "claude-sonnet-4", Status: auditlog.StatusSuccess},
	}}
	srv := newTestServer(t, Deps{Audit: audit}, nil)

	rec := do(t, srv, http.MethodGet, "/api/audit/a1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "a1", body["id"])
	assert.Equal(t, "claude-sonnet-4", body["model"])

	rec = do(t, srv, http.MethodGet, "/api/audit/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
