package repository

import (
	"context"

	"github.com/botdock/botdock/internal/domain"
)

// RuntimeState carries the mutable process-tracking fields of a project.
// A nil PID together with StatusOffline clears the recorded process.
type RuntimeState struct {
	Status     string
	PID        *int
	CPUPercent float64
	RAMMb      float64
}

// ProjectRepository persists bot projects and their runtime state.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
	UpdateRuntimeState(ctx context.Context, projectID string, state RuntimeState) error
	DeleteProject(ctx context.Context, projectID string) error
}

// EnvVarRepository persists encrypted per-project environment variables.
type EnvVarRepository interface {
	UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error
	DeleteEnvVar(ctx context.Context, projectID, key string) error
	ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error)
}

// DeploymentRepository stores deployment attempt history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	FinalizeDeployment(ctx context.Context, deploymentID, status, message string) error
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// LogRepository handles durable log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.LogEntry) error
	ListRecentLogs(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error)
	ClearLogs(ctx context.Context, projectID string) error
}
