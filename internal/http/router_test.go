package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/installer"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/service/bot"
	"github.com/botdock/botdock/internal/service/deployment"
	"github.com/botdock/botdock/internal/service/logs"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/internal/supervisor"
	"github.com/botdock/botdock/internal/ws"
)

type fakeProjects struct {
	byID map[string]domain.Project
}

func (f *fakeProjects) CreateProject(ctx context.Context, project *domain.Project) error {
	f.byID[project.ID] = *project
	return nil
}

func (f *fakeProjects) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	p, ok := f.byID[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (f *fakeProjects) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range f.byID {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProjects) UpdateRuntimeState(ctx context.Context, projectID string, state repository.RuntimeState) error {
	p, ok := f.byID[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = state.Status
	p.PID = state.PID
	f.byID[projectID] = p
	return nil
}

func (f *fakeProjects) DeleteProject(ctx context.Context, projectID string) error {
	delete(f.byID, projectID)
	return nil
}

type fakeEnvVars struct{}

func (fakeEnvVars) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error { return nil }
func (fakeEnvVars) DeleteEnvVar(ctx context.Context, projectID, key string) error { return nil }
func (fakeEnvVars) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	return nil, nil
}

type fakeDeployments struct{}

func (fakeDeployments) CreateDeployment(ctx context.Context, d *domain.Deployment) error { return nil }
func (fakeDeployments) FinalizeDeployment(ctx context.Context, deploymentID, status, message string) error {
	return nil
}
func (fakeDeployments) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}
func (fakeDeployments) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

type fakeLogs struct{}

func (fakeLogs) AppendLog(ctx context.Context, entry domain.LogEntry) error { return nil }
func (fakeLogs) ListRecentLogs(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error) {
	return nil, nil
}
func (fakeLogs) ClearLogs(ctx context.Context, projectID string) error { return nil }

func newTestRouter(t *testing.T, projects map[string]domain.Project) *Router {
	t.Helper()
	locator, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectRepo := &fakeProjects{byID: projects}
	hub := ws.NewHub()
	sink := logs.New(fakeLogs{}, locator, hub, log, "bot.log")
	recorder := deployment.New(fakeDeployments{}, log)
	super := supervisor.New(projectRepo, fakeEnvVars{}, recorder, sink, installer.New("true", time.Minute), locator, log, supervisor.Options{})
	bots := bot.New(projectRepo, fakeEnvVars{}, recorder, sink, locator, super, log, "router-test-secret")
	return NewRouter(log, bots, hub, NewMemoryRateLimiter(), 1<<20, nil)
}

func TestHealthzOK(t *testing.T) {
	router := newTestRouter(t, map[string]domain.Project{})
	defer router.Close()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestIdentityRequired(t *testing.T) {
	router := newTestRouter(t, map[string]domain.Project{})
	defer router.Close()

	for _, path := range []string{"/projects", "/projects/p1", "/logs/p1"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without identity: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestCreateAndListProjects(t *testing.T) {
	router := newTestRouter(t, map[string]domain.Project{})
	defer router.Close()

	body := strings.NewReader(`{"name":"my bot"}`)
	req := httptest.NewRequest(http.MethodPost, "/projects", body)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created projectView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Status != domain.StatusOffline {
		t.Fatalf("new project not offline: %+v", created)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/projects", nil)
	listReq.Header.Set("X-User-ID", "u1")
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var listed []projectView
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestForeignProjectHidden(t *testing.T) {
	router := newTestRouter(t, map[string]domain.Project{
		"p1": {ID: "p1", Name: "bot", UserID: "owner", Status: domain.StatusOffline},
	})
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/projects/p1", nil)
	req.Header.Set("X-User-ID", "intruder")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	router := newTestRouter(t, map[string]domain.Project{})
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/projects/nope", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow("k", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
	if d := limiter.Allow("k", 3, time.Minute); d.allowed {
		t.Fatal("fourth request should be limited")
	}
	if d := limiter.Allow("other", 3, time.Minute); !d.allowed {
		t.Fatal("independent key was limited")
	}
}

func TestRouteLabelCollapsesIDs(t *testing.T) {
	if got := routeLabel("/projects/abc/start"); got != "/projects/{id}" {
		t.Fatalf("routeLabel = %q", got)
	}
	if got := routeLabel("/logs/abc"); got != "/logs/{id}" {
		t.Fatalf("routeLabel = %q", got)
	}
	if got := routeLabel("/healthz"); got != "/healthz" {
		t.Fatalf("routeLabel = %q", got)
	}
}
