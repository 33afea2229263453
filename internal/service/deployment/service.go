package deployment

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
)

var errMissingProjectID = errors.New("project id required")

// Service records deployment attempts. A record is created at the earliest
// point an attempt begins and finalized exactly once at its terminal
// outcome; concurrent attempts on one project simply produce independent
// records.
type Service struct {
	repo   repository.DeploymentRepository
	logger *slog.Logger
}

// New returns a deployment recorder.
func New(repo repository.DeploymentRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// Create opens a deployment attempt record.
func (s Service) Create(ctx context.Context, projectID, status, message string) (*domain.Deployment, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errMissingProjectID
	}
	if status == "" {
		status = domain.DeployQueued
	}
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    status,
		Message:   message,
		StartedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "project_id", projectID, "status", status)
	return deployment, nil
}

// Finalize applies the terminal transition. The repository guarantees
// monotonicity; finalizing an already-terminal record is reported but not
// treated as an error by callers on failure paths.
func (s Service) Finalize(ctx context.Context, deploymentID, status, message string) error {
	if status != domain.DeployCompleted && status != domain.DeployFailed {
		return errors.New("finalize requires a terminal status")
	}
	if err := s.repo.FinalizeDeployment(ctx, deploymentID, status, message); err != nil {
		return err
	}
	s.logger.Info("deployment finalized", "deployment_id", deploymentID, "status", status)
	return nil
}

// FinalizeQuietly finalizes on failure paths where a secondary error must
// not mask the original one.
func (s Service) FinalizeQuietly(ctx context.Context, deploymentID, status, message string) {
	if err := s.Finalize(ctx, deploymentID, status, message); err != nil {
		s.logger.Warn("deployment finalize failed", "deployment_id", deploymentID, "error", err)
	}
}

// ListByProject returns recent deployment history, newest first.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errMissingProjectID
	}
	return s.repo.ListDeploymentsByProject(ctx, projectID, limit)
}
