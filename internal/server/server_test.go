package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/evaluator"
	"stageline/internal/migrate"
	"stageline/internal/monitoring"
	"stageline/internal/notify"
	"stageline/internal/phase"
	"stageline/internal/repo"
	"stageline/internal/scheduler"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zap.NewNop()
	r := repo.Repo{DB: conn}
	eng := phase.New(r, log)
	ev := evaluator.New(eng, r, log)
	sched := scheduler.New(ev, notify.NewWebhook("", 0, log), "test", time.Hour, log)
	handler, err := New(Config{
		Repo:      r,
		Engine:    eng,
		Evaluator: ev,
		Scheduler: sched,
		Monitor:   monitoring.New(r, log),
		BasePath:  "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createTestProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"org_id":   "org-1",
		"name":     "Spring Gala",
		"timezone": "America/New_York",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv)
	if p.Phase != domain.PhasePrep || !p.AutoTransitions {
		t.Fatalf("unexpected new project %+v", p)
	}

	phaseRes, phaseBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/phase", nil)
	if phaseRes.StatusCode != http.StatusOK {
		t.Fatalf("get phase: %d %s", phaseRes.StatusCode, string(phaseBody))
	}
	var ph PhaseResponse
	_ = json.Unmarshal(phaseBody, &ph)
	if ph.Phase != "prep" || ph.NextPhase != "staffing" {
		t.Fatalf("unexpected phase response %+v", ph)
	}

	evalRes, evalBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/evaluation", nil)
	if evalRes.StatusCode != http.StatusOK {
		t.Fatalf("evaluation: %d %s", evalRes.StatusCode, string(evalBody))
	}
	var eval TransitionResultResponse
	if err := json.Unmarshal(evalBody, &eval); err != nil {
		t.Fatalf("unmarshal evaluation: %v", err)
	}
	if eval.CanTransition || len(eval.Blockers) == 0 {
		t.Fatalf("fresh project must be blocked, got %+v", eval)
	}
}

func TestExecuteTransitionRefused(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions", map[string]any{
		"target_phase": "active",
		"actor_id":     "tester",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "transition_not_allowed" {
		t.Fatalf("expected transition_not_allowed, got %+v", envelope.Error)
	}
	if _, ok := envelope.Error.Details["blockers"]; !ok {
		t.Fatalf("expected blockers in details: %+v", envelope.Error.Details)
	}

	// the refused attempt is on the audit trail
	auditRes, auditBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?project_id="+p.ID, nil)
	if auditRes.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", auditRes.StatusCode, string(auditBody))
	}
	var records []domain.TransitionAuditRecord
	if err := json.Unmarshal(auditBody, &records); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(records) != 1 || records[0].Success || records[0].Trigger != domain.TriggerManual {
		t.Fatalf("expected one failed manual record, got %+v", records)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"org_id": "org-1",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d %s", res.StatusCode, string(body))
	}
}

func TestSettingsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv)

	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/settings", map[string]any{
		"archive_month":  6,
		"archive_day":    15,
		"post_show_hour": 8,
	})
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put settings: %d %s", putRes.StatusCode, string(putBody))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/settings", nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get settings: %d %s", getRes.StatusCode, string(getBody))
	}
	var out SettingsResponse
	if err := json.Unmarshal(getBody, &out); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if out.Settings.ArchiveMonth != 6 || out.Settings.ArchiveDay != 15 {
		t.Fatalf("settings mismatch: %+v", out.Settings)
	}

	// passes schema bounds but fails the calendar check
	badRes, badBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/settings", map[string]any{
		"archive_month": 2,
		"archive_day":   30,
	})
	if badRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for Feb 30, got %d %s", badRes.StatusCode, string(badBody))
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	var report monitoring.HealthReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	// quiet store: reachable but no recent activity
	if report.Status != monitoring.StatusDegraded {
		t.Fatalf("expected degraded on a fresh store, got %s", report.Status)
	}
}

func TestDryRunEvaluations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createTestProject(t, srv)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/evaluations?dry_run=true", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluations: %d %s", res.StatusCode, string(body))
	}
	var batch evaluator.BatchResult
	if err := json.Unmarshal(body, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if !batch.DryRun || batch.Total != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestProjectNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %+v", envelope.Error)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/scheduler", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheduler status: %d %s", res.StatusCode, string(body))
	}
	var st scheduler.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Running {
		t.Fatalf("scheduler must be off in the test environment")
	}
}
