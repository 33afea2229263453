// Package bot is the orchestration layer tying the deployment pipeline and
// the process supervisor together behind the operations the HTTP surface
// exposes.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/botdock/botdock/internal/analyzer"
	"github.com/botdock/botdock/internal/archive"
	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/service/deployment"
	"github.com/botdock/botdock/internal/service/logs"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/internal/supervisor"
	"github.com/botdock/botdock/pkg/crypto"
)

var (
	// ErrAccessDenied reports a project owned by a different user.
	ErrAccessDenied = errors.New("bot: access denied")
	errMissingName  = errors.New("bot: project name required")
	errMissingKey   = errors.New("bot: env var key required")
)

// RejectionError reports an uploaded archive that failed validation. The
// warning list explains what the analyzer found; the working directory has
// already been purged by the time this is returned.
type RejectionError struct {
	Warnings []string
}

func (e *RejectionError) Error() string {
	if len(e.Warnings) == 0 {
		return "upload rejected: not a recognizable bot project"
	}
	return "upload rejected: " + strings.Join(e.Warnings, "; ")
}

// Service implements the platform's project operations.
type Service struct {
	projects    repository.ProjectRepository
	envVars     repository.EnvVarRepository
	deployments deployment.Service
	sink        logs.Service
	locator     *storage.Locator
	super       *supervisor.Supervisor
	logger      *slog.Logger
	envSecret   string
}

func New(
	projects repository.ProjectRepository,
	envVars repository.EnvVarRepository,
	deployments deployment.Service,
	sink logs.Service,
	locator *storage.Locator,
	super *supervisor.Supervisor,
	logger *slog.Logger,
	envSecret string,
) *Service {
	return &Service{
		projects:    projects,
		envVars:     envVars,
		deployments: deployments,
		sink:        sink,
		locator:     locator,
		super:       super,
		logger:      logger,
		envSecret:   envSecret,
	}
}

// Create registers a new project in the OFFLINE state and provisions its
// working directory.
func (s *Service) Create(ctx context.Context, name, userID string, teamID *string) (*domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errMissingName
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		TeamID:    teamID,
		Status:    domain.StatusOffline,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if _, err := s.locator.ProjectDir(project.ID); err != nil {
		s.logger.Warn("could not provision working directory", "project_id", project.ID, "error", err)
	}
	s.logger.Info("project created", "project_id", project.ID, "user_id", userID)
	return project, nil
}

// Get loads a project and enforces ownership.
func (s *Service) Get(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, ErrAccessDenied
	}
	return project, nil
}

// UploadArtifact runs the deployment pipeline up to the validation gate:
// extract the archive into the working directory, analyze the result, and
// either accept it or purge the directory and reject. A running process is
// stopped first so the directory is not rewritten under a live bot.
func (s *Service) UploadArtifact(ctx context.Context, projectID, userID string, archiveBytes []byte) (*domain.Deployment, error) {
	project, err := s.Get(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if project.Status == domain.StatusOnline {
		if _, err := s.super.Stop(ctx, projectID); err != nil {
			return nil, fmt.Errorf("stop before upload: %w", err)
		}
	}

	dep, err := s.deployments.Create(ctx, projectID, domain.DeployQueued, "archive uploaded")
	if err != nil {
		return nil, err
	}

	dir, err := s.locator.ProjectDir(projectID)
	if err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return dep, err
	}
	if err := s.locator.Purge(projectID); err != nil {
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, err.Error())
		return dep, err
	}

	if err := archive.Extract(archiveBytes, dir); err != nil {
		// A half-extracted tree must never become live.
		if purgeErr := s.locator.Purge(projectID); purgeErr != nil {
			s.logger.Error("purge after failed extraction", "project_id", projectID, "error", purgeErr)
		}
		msg := "archive extraction failed: " + err.Error()
		s.sink.Append(ctx, projectID, domain.StreamSystem, msg)
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, msg)
		return dep, fmt.Errorf("extract archive: %w", err)
	}

	report := analyzer.Analyze(dir)
	if !report.Valid {
		if purgeErr := s.locator.Purge(projectID); purgeErr != nil {
			s.logger.Error("purge after rejection", "project_id", projectID, "error", purgeErr)
		}
		rejection := &RejectionError{Warnings: report.Warnings}
		s.sink.Append(ctx, projectID, domain.StreamSystem, rejection.Error())
		s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployFailed, rejection.Error())
		dep.Status = domain.DeployFailed
		dep.Message = rejection.Error()
		return dep, rejection
	}

	msg := "archive accepted, entry point " + report.EntryPoint
	for _, warning := range report.Warnings {
		s.sink.Append(ctx, projectID, domain.StreamSystem, "warning: "+warning)
	}
	s.sink.Append(ctx, projectID, domain.StreamSystem, msg)
	s.deployments.FinalizeQuietly(ctx, dep.ID, domain.DeployCompleted, msg)

	dep.Status = domain.DeployCompleted
	dep.Message = msg
	return dep, nil
}

// Start brings the project's process online.
func (s *Service) Start(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.super.Start(ctx, projectID)
}

// Stop takes the project's process offline. Idempotent.
func (s *Service) Stop(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.super.Stop(ctx, projectID)
}

// Restart stops then starts the project's process.
func (s *Service) Restart(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.super.Restart(ctx, projectID)
}

// ListForUser returns the user's projects, each reconciled against the
// operating system so stale ONLINE records self-heal on read.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Project, error) {
	items, err := s.projects.ListProjectsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		reconciled, err := s.super.Reconcile(ctx, &items[i])
		if err != nil {
			s.logger.Warn("reconcile failed", "project_id", items[i].ID, "error", err)
			continue
		}
		items[i] = *reconciled
	}
	return items, nil
}

// Logs returns the most recent log entries, oldest first.
func (s *Service) Logs(ctx context.Context, projectID, userID string, limit int) ([]domain.LogEntry, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.sink.Recent(ctx, projectID, limit)
}

// ClearLogs destroys the project's log history.
func (s *Service) ClearLogs(ctx context.Context, projectID, userID string) error {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return err
	}
	return s.sink.Clear(ctx, projectID)
}

// Deployments returns the project's most recent deployment records.
func (s *Service) Deployments(ctx context.Context, projectID, userID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.deployments.ListByProject(ctx, projectID, limit)
}

// SetEnvVar stores one environment variable encrypted at rest. The change
// takes effect on the next start or restart.
func (s *Service) SetEnvVar(ctx context.Context, projectID, userID, key, value string) error {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errMissingKey
	}
	sealed, err := crypto.Seal(s.envSecret, value)
	if err != nil {
		return fmt.Errorf("seal env var: %w", err)
	}
	envVar := &domain.EnvVar{
		ProjectID: projectID,
		Key:       key,
		Value:     sealed,
		CreatedAt: time.Now().UTC(),
	}
	return s.envVars.UpsertEnvVar(ctx, envVar)
}

// DeleteEnvVar removes one environment variable.
func (s *Service) DeleteEnvVar(ctx context.Context, projectID, userID, key string) error {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return err
	}
	return s.envVars.DeleteEnvVar(ctx, projectID, key)
}

// ListEnvVarKeys returns the names of the project's environment variables.
// Values stay sealed; they are only ever decrypted at spawn time.
func (s *Service) ListEnvVarKeys(ctx context.Context, projectID, userID string) ([]string, error) {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	vars, err := s.envVars.ListEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	return keys, nil
}

// Delete tears a project down: stop the process best-effort, remove the
// working directory, and delete the record. Dependent deployment, env var
// and log rows go with it via the schema's cascade rules.
func (s *Service) Delete(ctx context.Context, projectID, userID string) error {
	if _, err := s.Get(ctx, projectID, userID); err != nil {
		return err
	}
	if _, err := s.super.Stop(ctx, projectID); err != nil {
		s.logger.Warn("stop during delete", "project_id", projectID, "error", err)
	}
	if err := s.locator.Remove(projectID); err != nil {
		s.logger.Warn("remove working directory", "project_id", projectID, "error", err)
	}
	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}
