// Package supervisor owns the lifecycle of bot processes: spawning them
// detached from the API server, capturing their output, and reconciling the
// persisted runtime state with what the operating system reports.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/botdock/botdock/internal/analyzer"
	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/installer"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/service/deployment"
	"github.com/botdock/botdock/internal/service/logs"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/pkg/crypto"
)

var (
	// ErrInstallFailed reports a dependency install that exited non-zero.
	ErrInstallFailed = errors.New("supervisor: dependency install failed")
	// ErrEntryMissing reports a project whose resolved entry file does not exist.
	ErrEntryMissing = errors.New("supervisor: entry file not found")
	// ErrSpawnFailed reports a process that could not be started.
	ErrSpawnFailed = errors.New("supervisor: process spawn failed")
)

// tokenEnvKeys are the env var names a bot is expected to read its Discord
// token from. Starting without any of them is allowed but gets a warning in
// the project log, since the bot will almost certainly fail to log in.
var tokenEnvKeys = []string{"DISCORD_TOKEN", "BOT_TOKEN", "TOKEN"}

const maxLogLineBytes = 64 * 1024

// Options carries the knobs the supervisor reads from platform configuration.
type Options struct {
	NodeBinary   string
	GracePeriod  time.Duration
	EnvSecretKey string
}

// Supervisor starts, stops and observes one child process per project. It is
// safe for concurrent use; operations on the same project are serialized so
// two overlapping start requests cannot spawn two processes.
type Supervisor struct {
	projects    repository.ProjectRepository
	envVars     repository.EnvVarRepository
	deployments deployment.Service
	sink        logs.Service
	installer   installer.Installer
	locator     *storage.Locator
	logger      *slog.Logger
	opts        Options
	metrics     *metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(
	projects repository.ProjectRepository,
	envVars repository.EnvVarRepository,
	deployments deployment.Service,
	sink logs.Service,
	inst installer.Installer,
	locator *storage.Locator,
	logger *slog.Logger,
	opts Options,
) *Supervisor {
	if opts.NodeBinary == "" {
		opts.NodeBinary = "node"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 1500 * time.Millisecond
	}
	return &Supervisor{
		projects:    projects,
		envVars:     envVars,
		deployments: deployments,
		sink:        sink,
		installer:   inst,
		locator:     locator,
		logger:      logger,
		opts:        opts,
		metrics:     newMetrics(),
		locks:       make(map[string]*sync.Mutex),
	}
}

// projectLock returns the mutex serializing lifecycle operations for one
// project, creating it on first use. Locks are never removed; the map grows
// with the number of distinct projects touched by this process, which is
// bounded and small.
func (s *Supervisor) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

// Start brings a project online. If the project already has a live process the
// call is a no-op and returns the current record. Otherwise it runs the full
// pipeline: scaffold an empty workspace, install dependencies, resolve the
// entry file, spawn the process detached, and record the outcome as a
// deployment.
func (s *Supervisor) Start(ctx context.Context, projectID string) (*domain.Project, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.PID != nil && Alive(*project.PID) {
		s.metrics.startResult("already_running")
		return project, nil
	}

	dep, err := s.deployments.Create(ctx, projectID, domain.DeployBuilding, "start requested")
	if err != nil {
		return nil, err
	}

	dir, err := s.locator.ProjectDir(projectID)
	if err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return nil, err
	}
	if err := ensureScaffold(dir, project.Name); err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return nil, err
	}

	if s.installer.HasManifest(dir) {
		output, err := s.installer.Install(ctx, dir)
		if err != nil {
			s.sink.Append(ctx, projectID, domain.StreamSystem, "dependency install failed: "+err.Error())
			if tail := lastLines(output, 20); tail != "" {
				s.sink.Append(ctx, projectID, domain.StreamSystem, tail)
			}
			s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, "dependency install failed")
			s.markOffline(ctx, projectID)
			s.metrics.startResult("install_failed")
			return nil, fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
	}

	env, err := s.buildEnv(ctx, projectID)
	if err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return nil, err
	}
	if !hasTokenVar(env) {
		s.sink.Append(ctx, projectID, domain.StreamSystem,
			"warning: no DISCORD_TOKEN, BOT_TOKEN or TOKEN env var is set; the bot will likely fail to log in")
	}

	entry := resolveEntry(dir)
	if _, err := os.Stat(filepath.Join(dir, entry)); err != nil {
		msg := "entry file not found: " + entry
		s.sink.Append(ctx, projectID, domain.StreamSystem, msg)
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, msg)
		s.markOffline(ctx, projectID)
		s.metrics.startResult("entry_missing")
		return nil, fmt.Errorf("%w: %s", ErrEntryMissing, entry)
	}

	// The child must outlive the HTTP request that started it, so the command
	// is deliberately not bound to ctx.
	cmd := exec.Command(s.opts.NodeBinary, entry)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		msg := "failed to start process: " + err.Error()
		s.sink.Append(ctx, projectID, domain.StreamSystem, msg)
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, msg)
		s.markOffline(ctx, projectID)
		s.metrics.startResult("spawn_failed")
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	pid := cmd.Process.Pid
	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(projectID, domain.StreamStdout, stdout, &pumps)
	go s.pump(projectID, domain.StreamStderr, stderr, &pumps)
	go s.await(projectID, pid, cmd, &pumps)

	state := repository.RuntimeState{Status: domain.StatusOnline, PID: &pid}
	if err := s.projects.UpdateRuntimeState(ctx, projectID, state); err != nil {
		s.logger.Error("failed to persist online state", "project_id", projectID, "error", err)
	}
	s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployCompleted, "process started")
	s.sink.Append(ctx, projectID, domain.StreamSystem, fmt.Sprintf("process started (pid %d)", pid))
	s.metrics.startResult("started")

	project.Status = domain.StatusOnline
	project.PID = &pid
	project.CPUPercent = 0
	project.RAMMb = 0
	return project, nil
}

// Stop takes a project offline. Signalling an already dead process is not an
// error; the persisted state is forced to OFFLINE either way, which makes the
// operation idempotent.
func (s *Supervisor) Stop(ctx context.Context, projectID string) (*domain.Project, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.PID != nil {
		if err := syscall.Kill(*project.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.logger.Warn("failed to signal process", "project_id", projectID, "pid", *project.PID, "error", err)
		}
		s.sink.Append(ctx, projectID, domain.StreamSystem, "stop requested")
	}
	s.markOffline(ctx, projectID)
	s.metrics.stopsTotal.Inc()

	project.Status = domain.StatusOffline
	project.PID = nil
	project.CPUPercent = 0
	project.RAMMb = 0
	return project, nil
}

// Restart stops the project, waits out the grace period so the old process can
// release its Discord gateway session, then starts it again.
func (s *Supervisor) Restart(ctx context.Context, projectID string) (*domain.Project, error) {
	if _, err := s.Stop(ctx, projectID); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.opts.GracePeriod):
	}
	return s.Start(ctx, projectID)
}

// Reconcile checks a project believed to be online against the operating
// system. A live process gets fresh resource usage persisted; a dead one is
// healed to OFFLINE. The returned record reflects what was persisted.
func (s *Supervisor) Reconcile(ctx context.Context, project *domain.Project) (*domain.Project, error) {
	if project.Status != domain.StatusOnline || project.PID == nil {
		return project, nil
	}
	if !Alive(*project.PID) {
		s.metrics.reconcileDeaths.Inc()
		s.markOffline(ctx, project.ID)
		project.Status = domain.StatusOffline
		project.PID = nil
		project.CPUPercent = 0
		project.RAMMb = 0
		return project, nil
	}

	cpu, ram := SampleUsage(*project.PID)
	state := repository.RuntimeState{
		Status:     domain.StatusOnline,
		PID:        project.PID,
		CPUPercent: cpu,
		RAMMb:      ram,
	}
	if err := s.projects.UpdateRuntimeState(ctx, project.ID, state); err != nil {
		return nil, err
	}
	project.CPUPercent = cpu
	project.RAMMb = ram
	return project, nil
}

// pump copies one output stream of the child into the log sink, line by line,
// until the pipe closes.
func (s *Supervisor) pump(projectID, stream string, r io.Reader, done *sync.WaitGroup) {
	defer done.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLogLineBytes)
	for scanner.Scan() {
		s.sink.Append(context.Background(), projectID, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("output stream closed with error", "project_id", projectID, "stream", stream, "error", err)
	}
}

// await reaps the child and performs the OFFLINE transition once it exits.
// Wait closes the output pipes when it reaps, so the pumps must drain them
// first or a fast-exiting child loses its trailing lines. The persisted pid
// is only cleared if it still belongs to this incarnation; a restart may
// already have spawned a replacement.
func (s *Supervisor) await(projectID string, pid int, cmd *exec.Cmd, pumps *sync.WaitGroup) {
	pumps.Wait()
	waitErr := cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exitMsg := "process exited"
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitMsg = fmt.Sprintf("process exited with code %d", exitErr.ExitCode())
		} else {
			exitMsg = "process exited: " + waitErr.Error()
		}
	}
	s.sink.Append(ctx, projectID, domain.StreamSystem, exitMsg)

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("exit handler could not load project", "project_id", projectID, "error", err)
		}
		return
	}
	if project.PID == nil || *project.PID != pid {
		return
	}
	s.markOffline(ctx, projectID)
}

func (s *Supervisor) markOffline(ctx context.Context, projectID string) {
	state := repository.RuntimeState{Status: domain.StatusOffline}
	if err := s.projects.UpdateRuntimeState(ctx, projectID, state); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("failed to persist offline state", "project_id", projectID, "error", err)
	}
}

// buildEnv merges the parent environment with the project's decrypted env
// vars. Project vars win on key collisions. A var that fails to decrypt is
// skipped with a warning; its value is never logged.
func (s *Supervisor) buildEnv(ctx context.Context, projectID string) ([]string, error) {
	vars, err := s.envVars.ListEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for _, v := range vars {
		plain, err := crypto.Open(s.opts.EnvSecretKey, v.Value)
		if err != nil {
			s.logger.Warn("skipping undecryptable env var", "project_id", projectID, "key", v.Key)
			continue
		}
		merged[v.Key] = plain
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func hasTokenVar(env []string) bool {
	for _, kv := range env {
		for _, key := range tokenEnvKeys {
			if strings.HasPrefix(kv, key+"=") {
				return true
			}
		}
	}
	return false
}

// resolveEntry picks the file to hand to the runtime: the manifest's main
// field when it names a path inside the workspace, the highest ranked
// candidate script otherwise, index.js as a last resort. A main escaping the
// workspace is ignored rather than followed.
func resolveEntry(dir string) string {
	if manifest, ok := analyzer.LoadManifest(dir); ok && strings.TrimSpace(manifest.Main) != "" {
		if entry, contained := analyzer.SafeEntryPath(manifest.Main); contained {
			return entry
		}
	}
	if candidates := analyzer.CandidateEntryFiles(dir); len(candidates) > 0 {
		return candidates[0]
	}
	return "index.js"
}

// lastLines returns up to n trailing lines of s, for surfacing the useful
// tail of a long install log.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
