package domain

import "time"

// Deployment statuses. Transitions are monotonic: queued -> building ->
// {completed|failed}. FinishedAt is set exactly once, at the terminal
// transition.
const (
	DeployQueued    = "queued"
	DeployBuilding  = "building"
	DeployCompleted = "completed"
	DeployFailed    = "failed"
)

// Deployment captures one materialization-or-launch attempt for a project.
// Records accumulate as history and are only removed with the owning project.
type Deployment struct {
	ID         string
	ProjectID  string
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Terminal reports whether the deployment has reached a final status.
func (d Deployment) Terminal() bool {
	return d.Status == DeployCompleted || d.Status == DeployFailed
}
