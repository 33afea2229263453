package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.EnvVarRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// CreateProject inserts a project record.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, user_id, team_id, status, pid, cpu_percent, ram_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.UserID, project.TeamID,
		project.Status, project.PID, project.CPUPercent, project.RAMMb, project.CreatedAt)
	return err
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, user_id, team_id, status, pid, cpu_percent, ram_mb, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.UserID, &p.TeamID, &p.Status, &p.PID, &p.CPUPercent, &p.RAMMb, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectsByUser returns all projects owned by the user.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT id, name, user_id, team_id, status, pid, cpu_percent, ram_mb, created_at
		FROM projects WHERE user_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.UserID, &p.TeamID, &p.Status, &p.PID, &p.CPUPercent, &p.RAMMb, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateRuntimeState persists the status/pid/resource fields of a project.
func (r *Repository) UpdateRuntimeState(ctx context.Context, projectID string, state repository.RuntimeState) error {
	const query = `UPDATE projects SET status = $2, pid = $3, cpu_percent = $4, ram_mb = $5 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, state.Status, state.PID, state.CPUPercent, state.RAMMb)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project; env vars, deployments and logs cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertEnvVar stores an encrypted environment variable, replacing any
// previous value for the same key.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error {
	const query = `INSERT INTO project_env_vars (project_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value`
	_, err := r.pool.Exec(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value, envVar.CreatedAt)
	return err
}

// DeleteEnvVar removes a single environment variable by key.
func (r *Repository) DeleteEnvVar(ctx context.Context, projectID, key string) error {
	const query = `DELETE FROM project_env_vars WHERE project_id = $1 AND key = $2`
	tag, err := r.pool.Exec(ctx, query, projectID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListEnvVars returns all environment variables for a project.
func (r *Repository) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars
		WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vars []domain.EnvVar
	for rows.Next() {
		var v domain.EnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// CreateDeployment inserts a deployment attempt record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ProjectID, deployment.Status, deployment.Message,
		deployment.StartedAt, deployment.FinishedAt)
	return err
}

// FinalizeDeployment applies the terminal transition. The WHERE clause keeps
// deployment statuses monotonic: a record that already reached a terminal
// status is never rewritten and its finish timestamp is set exactly once.
func (r *Repository) FinalizeDeployment(ctx context.Context, deploymentID, status, message string) error {
	const query = `UPDATE deployments SET status = $2, message = $3, finished_at = $4
		WHERE id = $1 AND finished_at IS NULL AND status NOT IN ('completed', 'failed')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, status, message, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const query = `SELECT id, project_id, status, message, started_at, finished_at
		FROM deployments WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Message, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// GetDeploymentByID returns one deployment record.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, message, started_at, finished_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Message, &d.StartedAt, &d.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// AppendLog inserts one captured output line.
func (r *Repository) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	const query = `INSERT INTO project_logs (project_id, stream, content, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, entry.ProjectID, entry.Stream, entry.Content, entry.CreatedAt)
	return err
}

// ListRecentLogs returns the most recent limit entries in oldest-first order.
func (r *Repository) ListRecentLogs(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, project_id, stream, content, created_at FROM (
			SELECT id, project_id, stream, content, created_at
			FROM project_logs WHERE project_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Stream, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearLogs destroys all durable log entries for a project.
func (r *Repository) ClearLogs(ctx context.Context, projectID string) error {
	const query = `DELETE FROM project_logs WHERE project_id = $1`
	_, err := r.pool.Exec(ctx, query, projectID)
	return err
}
