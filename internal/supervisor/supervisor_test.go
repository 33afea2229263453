package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/botdock/botdock/internal/analyzer"
	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/installer"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/service/deployment"
	"github.com/botdock/botdock/internal/service/logs"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/internal/ws"
)

// deadPID is outside the default kernel pid range, so no process has it.
const deadPID = 1 << 30

type memProjects struct {
	mu   sync.Mutex
	byID map[string]domain.Project
}

func newMemProjects(projects ...domain.Project) *memProjects {
	m := &memProjects{byID: make(map[string]domain.Project)}
	for _, p := range projects {
		m.byID[p.ID] = p
	}
	return m
}

func (m *memProjects) CreateProject(ctx context.Context, project *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[project.ID] = *project
	return nil
}

func (m *memProjects) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (m *memProjects) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.byID {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProjects) UpdateRuntimeState(ctx context.Context, projectID string, state repository.RuntimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = state.Status
	p.PID = state.PID
	p.CPUPercent = state.CPUPercent
	p.RAMMb = state.RAMMb
	m.byID[projectID] = p
	return nil
}

func (m *memProjects) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, projectID)
	return nil
}

type memEnvVars struct{ vars map[string][]domain.EnvVar }

func (m *memEnvVars) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error { return nil }
func (m *memEnvVars) DeleteEnvVar(ctx context.Context, projectID, key string) error { return nil }
func (m *memEnvVars) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	return m.vars[projectID], nil
}

type memDeployments struct {
	mu        sync.Mutex
	created   []domain.Deployment
	finalized map[string]string
}

func newMemDeployments() *memDeployments {
	return &memDeployments{finalized: make(map[string]string)}
}

func (m *memDeployments) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, *d)
	return nil
}

func (m *memDeployments) FinalizeDeployment(ctx context.Context, deploymentID, status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.finalized[deploymentID]; done {
		return repository.ErrNotFound
	}
	m.finalized[deploymentID] = status
	return nil
}

func (m *memDeployments) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (m *memDeployments) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (m *memDeployments) lastOutcome() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.created) == 0 {
		return "", false
	}
	status, ok := m.finalized[m.created[len(m.created)-1].ID]
	return status, ok
}

type memLogs struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

func (m *memLogs) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLogs) ListRecentLogs(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LogEntry
	for _, e := range m.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memLogs) ClearLogs(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

type fixture struct {
	super       *Supervisor
	projects    *memProjects
	deployments *memDeployments
	logRepo     *memLogs
	locator     *storage.Locator
}

func newFixture(t *testing.T, opts Options, projects ...domain.Project) fixture {
	t.Helper()
	locator, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectRepo := newMemProjects(projects...)
	deployRepo := newMemDeployments()
	logRepo := &memLogs{}
	sink := logs.New(logRepo, locator, ws.NewHub(), log, "bot.log")
	recorder := deployment.New(deployRepo, log)
	// /bin/true stands in for the package manager so installs always succeed.
	inst := installer.New("true", time.Minute)
	super := New(projectRepo, &memEnvVars{}, recorder, sink, inst, locator, log, opts)
	return fixture{
		super:       super,
		projects:    projectRepo,
		deployments: deployRepo,
		logRepo:     logRepo,
		locator:     locator,
	}
}

func intPtr(v int) *int { return &v }

func TestStartNoopWhenProcessAlive(t *testing.T) {
	// The test's own pid is guaranteed alive.
	f := newFixture(t, Options{}, domain.Project{
		ID:     "p1",
		UserID: "u1",
		Status: domain.StatusOnline,
		PID:    intPtr(os.Getpid()),
	})

	project, err := f.super.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if project.PID == nil || *project.PID != os.Getpid() {
		t.Fatalf("expected existing pid preserved, got %+v", project)
	}
	f.deployments.mu.Lock()
	created := len(f.deployments.created)
	f.deployments.mu.Unlock()
	if created != 0 {
		t.Fatalf("no-op start must not create deployments, got %d", created)
	}
}

func TestStartMissingEntryFailsDeployment(t *testing.T) {
	f := newFixture(t, Options{}, domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	dir, err := f.locator.ProjectDir("p1")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	manifest := `{"name":"b","main":"bot.js"}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.js"), []byte("console.log(1);"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	_, err = f.super.Start(context.Background(), "p1")
	if !errors.Is(err, ErrEntryMissing) {
		t.Fatalf("expected ErrEntryMissing, got %v", err)
	}
	if status, ok := f.deployments.lastOutcome(); !ok || status != domain.DeployFailed {
		t.Fatalf("expected failed deployment, got %q (finalized=%v)", status, ok)
	}
	stored, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if stored.Status != domain.StatusOffline || stored.PID != nil {
		t.Fatalf("expected offline with no pid, got %+v", stored)
	}
}

func TestStartSpawnFailureFailsDeployment(t *testing.T) {
	f := newFixture(t, Options{NodeBinary: "/nonexistent/botdock-runtime"},
		domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	_, err := f.super.Start(context.Background(), "p1")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if status, ok := f.deployments.lastOutcome(); !ok || status != domain.DeployFailed {
		t.Fatalf("expected failed deployment, got %q (finalized=%v)", status, ok)
	}

	// The empty workspace was scaffolded before spawning.
	dir, err := f.locator.ProjectDir("p1")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		t.Fatalf("scaffold manifest missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.js")); err != nil {
		t.Fatalf("scaffold entry missing: %v", err)
	}
}

func TestStartCapturesAsyncExit(t *testing.T) {
	// /bin/sh runs the scaffolded entry file, fails to parse it, and exits
	// almost immediately. Start itself must still report ONLINE, and the
	// waiter must flip the record back to OFFLINE afterwards.
	f := newFixture(t, Options{NodeBinary: "/bin/sh"},
		domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	project, err := f.super.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if project.Status != domain.StatusOnline || project.PID == nil {
		t.Fatalf("expected online project with pid, got %+v", project)
	}
	if status, ok := f.deployments.lastOutcome(); !ok || status != domain.DeployCompleted {
		t.Fatalf("expected completed deployment, got %q (finalized=%v)", status, ok)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := f.projects.GetProjectByID(context.Background(), "p1")
		if err != nil {
			t.Fatalf("GetProjectByID: %v", err)
		}
		if stored.Status == domain.StatusOffline && stored.PID == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("exit was not captured, project still %+v", stored)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, domain.Project{
		ID:     "p1",
		UserID: "u1",
		Status: domain.StatusOnline,
		PID:    intPtr(deadPID),
	})

	for i := 0; i < 2; i++ {
		project, err := f.super.Stop(context.Background(), "p1")
		if err != nil {
			t.Fatalf("Stop call %d returned error: %v", i+1, err)
		}
		if project.Status != domain.StatusOffline || project.PID != nil {
			t.Fatalf("Stop call %d left project %+v", i+1, project)
		}
	}
	stored, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if stored.Status != domain.StatusOffline || stored.PID != nil {
		t.Fatalf("persisted state not offline: %+v", stored)
	}
}

func TestReconcileHealsDeadProcess(t *testing.T) {
	f := newFixture(t, Options{}, domain.Project{
		ID:     "p1",
		UserID: "u1",
		Status: domain.StatusOnline,
		PID:    intPtr(deadPID),
	})

	project, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	healed, err := f.super.Reconcile(context.Background(), project)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if healed.Status != domain.StatusOffline || healed.PID != nil {
		t.Fatalf("expected healed offline record, got %+v", healed)
	}
	stored, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if stored.Status != domain.StatusOffline || stored.PID != nil {
		t.Fatalf("heal was not persisted: %+v", stored)
	}
}

func TestReconcileLeavesOfflineUntouched(t *testing.T) {
	f := newFixture(t, Options{}, domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	project, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	same, err := f.super.Reconcile(context.Background(), project)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if same.Status != domain.StatusOffline {
		t.Fatalf("offline project mutated: %+v", same)
	}
}

func TestReconcileSamplesLiveProcess(t *testing.T) {
	f := newFixture(t, Options{}, domain.Project{
		ID:     "p1",
		UserID: "u1",
		Status: domain.StatusOnline,
		PID:    intPtr(os.Getpid()),
	})

	project, err := f.projects.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	live, err := f.super.Reconcile(context.Background(), project)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if live.Status != domain.StatusOnline || live.PID == nil {
		t.Fatalf("live process was not kept online: %+v", live)
	}
	if live.RAMMb <= 0 {
		t.Fatalf("expected a resident-memory sample for a live process, got %f", live.RAMMb)
	}
}

func TestStartDrainsOutputBeforeExitTransition(t *testing.T) {
	// /bin/sh executes the entry as a shell script that prints a burst of
	// lines and exits immediately. The exit transition must not land until
	// every line has reached the sink; a fast exit must not truncate output.
	const wantLines = 400
	f := newFixture(t, Options{NodeBinary: "/bin/sh"},
		domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	dir, err := f.locator.ProjectDir("p1")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	script := "i=0\nwhile [ $i -lt 400 ]; do\n  echo \"burst $i\"\n  i=$((i+1))\ndone\n"
	if err := os.WriteFile(filepath.Join(dir, "emit.js"), []byte(script), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	if _, err := f.super.Start(context.Background(), "p1"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := f.projects.GetProjectByID(context.Background(), "p1")
		if err != nil {
			t.Fatalf("GetProjectByID: %v", err)
		}
		if stored.Status == domain.StatusOffline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exit was not captured, project still %+v", stored)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var got int
	f.logRepo.mu.Lock()
	for _, e := range f.logRepo.entries {
		if e.Stream == domain.StreamStdout && strings.HasPrefix(e.Content, "burst ") {
			got++
		}
	}
	f.logRepo.mu.Unlock()
	if got != wantLines {
		t.Fatalf("captured %d of %d stdout lines", got, wantLines)
	}
}

func TestStartRunsDetectedEntryWithoutManifest(t *testing.T) {
	f := newFixture(t, Options{NodeBinary: "true"},
		domain.Project{ID: "p1", UserID: "u1", Status: domain.StatusOffline})

	dir, err := f.locator.ProjectDir("p1")
	if err != nil {
		t.Fatalf("ProjectDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bot.js"), []byte("require('discord.js');\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	project, err := f.super.Start(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if project.Status != domain.StatusOnline || project.PID == nil {
		t.Fatalf("expected online project with pid, got %+v", project)
	}
	manifest, ok := analyzer.LoadManifest(dir)
	if !ok {
		t.Fatal("manifest was not generated")
	}
	if manifest.Main != "bot.js" {
		t.Fatalf("generated manifest should point main at the uploaded script, got %q", manifest.Main)
	}
}

func TestResolveEntryIgnoresEscapingMain(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"name":"b","main":"../outside.js"}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bot.js"), []byte("require('discord.js');\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	if got := resolveEntry(dir); got != "bot.js" {
		t.Fatalf("expected fallback to in-tree script, got %q", got)
	}
}
