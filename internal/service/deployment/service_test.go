package deployment

import (
	"context"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
)

type stubDeploymentRepository struct {
	created   []domain.Deployment
	finalized map[string]string
}

func newStubDeploymentRepository() *stubDeploymentRepository {
	return &stubDeploymentRepository{finalized: make(map[string]string)}
}

func (s *stubDeploymentRepository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	s.created = append(s.created, *d)
	return nil
}

func (s *stubDeploymentRepository) FinalizeDeployment(ctx context.Context, deploymentID, status, message string) error {
	if _, done := s.finalized[deploymentID]; done {
		return repository.ErrNotFound
	}
	s.finalized[deploymentID] = status
	return nil
}

func (s *stubDeploymentRepository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return append([]domain.Deployment(nil), s.created...), nil
}

func (s *stubDeploymentRepository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	for _, d := range s.created {
		if d.ID == deploymentID {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func newTestRecorder(repo *stubDeploymentRepository) Service {
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateDefaultsToQueued(t *testing.T) {
	repo := newStubDeploymentRepository()
	svc := newTestRecorder(repo)

	d, err := svc.Create(context.Background(), "p1", "", "upload received")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if d.Status != domain.DeployQueued {
		t.Fatalf("expected queued status, got %q", d.Status)
	}
	if d.ID == "" || d.StartedAt.IsZero() {
		t.Fatalf("incomplete deployment record: %+v", d)
	}
	if d.FinishedAt != nil {
		t.Fatal("new deployment must not carry a finish timestamp")
	}
}

func TestCreateRequiresProjectID(t *testing.T) {
	svc := newTestRecorder(newStubDeploymentRepository())
	if _, err := svc.Create(context.Background(), "  ", domain.DeployQueued, ""); err == nil {
		t.Fatal("expected error for blank project id")
	}
}

func TestFinalizeRequiresTerminalStatus(t *testing.T) {
	repo := newStubDeploymentRepository()
	svc := newTestRecorder(repo)

	d, err := svc.Create(context.Background(), "p1", domain.DeployBuilding, "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Finalize(context.Background(), d.ID, domain.DeployBuilding, ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := svc.Finalize(context.Background(), d.ID, domain.DeployCompleted, "done"); err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}
}

func TestFinalizeIsMonotonic(t *testing.T) {
	repo := newStubDeploymentRepository()
	svc := newTestRecorder(repo)

	d, err := svc.Create(context.Background(), "p1", domain.DeployBuilding, "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Finalize(context.Background(), d.ID, domain.DeployCompleted, "done"); err != nil {
		t.Fatalf("first Finalize returned error: %v", err)
	}
	err = svc.Finalize(context.Background(), d.ID, domain.DeployFailed, "too late")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected second finalize to be refused, got %v", err)
	}
	if repo.finalized[d.ID] != domain.DeployCompleted {
		t.Fatalf("terminal status overwritten: %q", repo.finalized[d.ID])
	}
}
