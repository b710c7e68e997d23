package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/modelhelm/modelhelm/internal/domain"
	"github.com/modelhelm/modelhelm/internal/eventbus"
	"github.com/modelhelm/modelhelm/internal/lease"
	"github.com/modelhelm/modelhelm/internal/provisioner"
	"github.com/modelhelm/modelhelm/internal/repository"
)

func TestDeployActivatesHealthyVersion(t *testing.T) {
	repo := newMemRepo()
	versions := fakeVersionRepo{"v1": version("v1", "model-a", domain.VersionReady)}
	infra := &fakeProvisioner{endpoint: "model-a-prod.serving.local"}
	bus := &fakeBus{}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = versions
		s.infra = infra
		s.bus = bus
	})

	got, err := svc.Deploy(context.Background(), DeployRequest{
		ModelID:     "model-a",
		VersionID:   "v1",
		Environment: "production",
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if got.State != domain.StateActive {
		t.Fatalf("expected active state, got %s", got.State)
	}
	if got.Endpoint != "model-a-prod.serving.local" {
		t.Fatalf("expected endpoint assigned, got %q", got.Endpoint)
	}
	stored, _ := repo.GetDeployment(context.Background(), got.ID)
	if stored.State != domain.StateActive {
		t.Fatalf("stored state is %s, want active", stored.State)
	}
	if stored.DeployedAt == nil || stored.ActivatedAt == nil {
		t.Fatal("expected deployed/activated timestamps stamped")
	}
	if topics := bus.topics(); topics[0] != eventbus.TopicDeploymentStarted || topics[len(topics)-1] != eventbus.TopicDeploymentCompleted {
		t.Fatalf("unexpected event sequence: %v", topics)
	}
}

func TestDeployRejectsSecondActiveWithoutForce(t *testing.T) {
	repo := newMemRepo()
	seedActive(repo, "model-a", "v1", "production")
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v2": version("v2", "model-a", domain.VersionReady)}
	})

	_, err := svc.Deploy(context.Background(), DeployRequest{
		ModelID:     "model-a",
		VersionID:   "v2",
		Environment: "production",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeployForceSupersedesPriorActive(t *testing.T) {
	repo := newMemRepo()
	prior := seedActive(repo, "model-a", "v1", "production")
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v2": version("v2", "model-a", domain.VersionReady)}
	})

	got, err := svc.Deploy(context.Background(), DeployRequest{
		ModelID:     "model-a",
		VersionID:   "v2",
		Environment: "production",
		Force:       true,
	})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	demoted, _ := repo.GetDeployment(context.Background(), prior.ID)
	if demoted.State != domain.StateInactive {
		t.Fatalf("prior deployment is %s, want inactive", demoted.State)
	}
	actives, _ := repo.ListActiveDeployments(context.Background(), "model-a", "production")
	if len(actives) != 1 || actives[0].ID != got.ID {
		t.Fatalf("expected exactly the new deployment active, got %d", len(actives))
	}
}

func TestDeployFailsFastWhenLeaseHeld(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.leases = &fakeLeaseManager{acquireErr: lease.ErrHeld}
	})

	_, err := svc.Deploy(context.Background(), DeployRequest{
		ModelID:     "model-a",
		VersionID:   "v1",
		Environment: "production",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if repo.count() != 0 {
		t.Fatalf("expected no records created, got %d", repo.count())
	}
}

func TestDeployUnhealthyInstanceMarksFailedAndTearsDown(t *testing.T) {
	repo := newMemRepo()
	infra := &fakeProvisioner{unhealthy: true}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v1": version("v1", "model-a", domain.VersionTrained)}
		s.infra = infra
	})

	_, err := svc.Deploy(context.Background(), DeployRequest{
		ModelID:     "model-a",
		VersionID:   "v1",
		Environment: "production",
	})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
	records := repo.all()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].State != domain.StateFailed {
		t.Fatalf("record is %s, want failed", records[0].State)
	}
	if records[0].FailureReason == "" {
		t.Fatal("expected failure reason recorded")
	}
	if infra.teardowns == 0 {
		t.Fatal("expected partial infrastructure torn down")
	}
}

func TestRollbackRejectsSameVersion(t *testing.T) {
	repo := newMemRepo()
	blue := seedActive(repo, "model-a", "v2", "production")
	svc := newTestService(func(s *Service) {
		s.deployments = repo
	})

	_, err := svc.RollbackTo(context.Background(), blue.ID, "v2")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRollbackRevalidatesBlueUnderLease(t *testing.T) {
	repo := newMemRepo()
	blue := seedActive(repo, "model-a", "v2", "production")
	infra := &fakeProvisioner{}
	// An undeploy completes just before the rollback wins the lease.
	leases := &callbackLeaseManager{onAcquire: func() {
		err := repo.CompareAndSetState(context.Background(), repository.StateTransition{
			DeploymentID: blue.ID,
			From:         domain.StateActive,
			To:           domain.StateUndeployed,
			At:           time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to retire blue: %v", err)
		}
	}}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v1": version("v1", "model-a", domain.VersionReady)}
		s.infra = infra
		s.leases = leases
	})

	_, err := svc.RollbackTo(context.Background(), blue.ID, "v1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for a retired deployment, got %v", err)
	}
	if infra.created != 0 || infra.switched != 0 {
		t.Fatalf("no capacity may be touched for a retired deployment: created=%d switched=%d", infra.created, infra.switched)
	}
	if repo.count() != 1 {
		t.Fatalf("expected no green record created, repo holds %d", repo.count())
	}
}

func TestRollbackHealthCheckFailureKeepsBlueActive(t *testing.T) {
	repo := newMemRepo()
	blue := seedActive(repo, "model-a", "v2", "production")
	infra := &fakeProvisioner{unhealthy: true}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v1": version("v1", "model-a", domain.VersionReady)}
		s.infra = infra
	})

	_, err := svc.RollbackTo(context.Background(), blue.ID, "v1")
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
	if errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("recovery succeeded, error must not be ErrRecoveryFailed: %v", err)
	}

	after, _ := repo.GetDeployment(context.Background(), blue.ID)
	if after.State != domain.StateActive {
		t.Fatalf("blue is %s after failed cutover, want active", after.State)
	}
	var green *domain.Deployment
	for _, d := range repo.all() {
		if d.ID != blue.ID {
			green = d
		}
	}
	if green == nil || green.State != domain.StateFailed {
		t.Fatalf("expected green record in failed state, got %+v", green)
	}
	if !green.IsRollback || green.RollbackFromID == nil || *green.RollbackFromID != blue.ID {
		t.Fatal("expected green linked to blue as a rollback")
	}
}

func TestRollbackCutoverPromotesGreen(t *testing.T) {
	repo := newMemRepo()
	blue := seedActive(repo, "model-a", "v2", "production")
	bus := &fakeBus{}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.versions = fakeVersionRepo{"v1": version("v1", "model-a", domain.VersionReady)}
		s.bus = bus
	})

	green, err := svc.RollbackTo(context.Background(), blue.ID, "v1")
	if err != nil {
		t.Fatalf("RollbackTo returned error: %v", err)
	}
	if green.State != domain.StateActive {
		t.Fatalf("green is %s, want active", green.State)
	}
	if green.Endpoint != blue.Endpoint {
		t.Fatalf("endpoint moved: blue %q green %q", blue.Endpoint, green.Endpoint)
	}

	demoted, _ := repo.GetDeployment(context.Background(), blue.ID)
	if demoted.State != domain.StateInactive {
		t.Fatalf("blue is %s, want inactive", demoted.State)
	}
	if demoted.SupersededByID == nil || *demoted.SupersededByID != green.ID {
		t.Fatal("expected blue linked to its successor")
	}
	actives, _ := repo.ListActiveDeployments(context.Background(), "model-a", "production")
	if len(actives) != 1 {
		t.Fatalf("expected a single active record, got %d", len(actives))
	}
	found := false
	for _, topic := range bus.topics() {
		if topic == eventbus.TopicRollbackCompleted {
			found = true
		}
	}
	if !found {
		t.Fatal("expected rollback completed event")
	}
}

func TestUndeployIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	d := seedActive(repo, "model-a", "v1", "production")
	infra := &fakeProvisioner{}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.infra = infra
	})

	if err := svc.Undeploy(context.Background(), d.ID); err != nil {
		t.Fatalf("first Undeploy returned error: %v", err)
	}
	if err := svc.Undeploy(context.Background(), d.ID); err != nil {
		t.Fatalf("second Undeploy returned error: %v", err)
	}
	after, _ := repo.GetDeployment(context.Background(), d.ID)
	if after.State != domain.StateUndeployed {
		t.Fatalf("deployment is %s, want undeployed", after.State)
	}
	if infra.teardowns != 1 {
		t.Fatalf("expected one teardown, got %d", infra.teardowns)
	}
}

func TestScaleEnforcesBoundsAndState(t *testing.T) {
	repo := newMemRepo()
	d := seedActive(repo, "model-a", "v1", "production")
	d.Config.MinReplicas = 2
	d.Config.MaxReplicas = 4
	repo.put(d)
	infra := &fakeProvisioner{}
	svc := newTestService(func(s *Service) {
		s.deployments = repo
		s.infra = infra
	})

	if err := svc.Scale(context.Background(), d.ID, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation above max, got %v", err)
	}
	if err := svc.Scale(context.Background(), d.ID, 3); err != nil {
		t.Fatalf("Scale returned error: %v", err)
	}
	after, _ := repo.GetDeployment(context.Background(), d.ID)
	if after.Config.Replicas != 3 {
		t.Fatalf("stored replicas %d, want 3", after.Config.Replicas)
	}

	deploying := seedActive(repo, "model-b", "v1", "production")
	deploying.State = domain.StateDeploying
	repo.put(deploying)
	if err := svc.Scale(context.Background(), deploying.ID, 2); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation while deploying, got %v", err)
	}
}

func TestPreviousActiveVersionWalksHistory(t *testing.T) {
	repo := newMemRepo()
	old := seedActive(repo, "model-a", "v1", "production")
	old.State = domain.StateInactive
	old.CreatedAt = time.Now().Add(-time.Hour)
	repo.put(old)
	seedActive(repo, "model-a", "v2", "production")
	svc := newTestService(func(s *Service) {
		s.deployments = repo
	})

	versionID, deploymentID, err := svc.PreviousActiveVersion(context.Background(), "model-a", "production", "v2")
	if err != nil {
		t.Fatalf("PreviousActiveVersion returned error: %v", err)
	}
	if versionID != "v1" || deploymentID != old.ID {
		t.Fatalf("got (%s, %s), want (v1, %s)", versionID, deploymentID, old.ID)
	}

	_, _, err = svc.PreviousActiveVersion(context.Background(), "model-a", "production", "v1")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound when only the current version served, got %v", err)
	}
}

func TestSweeperTimesOutStuckDeployments(t *testing.T) {
	repo := newMemRepo()
	stuck := seedActive(repo, "model-a", "v1", "production")
	stuck.State = domain.StateDeploying
	stuck.UpdatedAt = time.Now().Add(-time.Hour)
	repo.put(stuck)
	fresh := seedActive(repo, "model-b", "v1", "production")
	fresh.State = domain.StateDeploying
	fresh.UpdatedAt = time.Now()
	repo.put(fresh)

	bus := &fakeBus{}
	sweeper := NewSweeper(repo, bus, nil, time.Minute, 15*time.Minute)
	sweeper.sweep(context.Background())

	after, _ := repo.GetDeployment(context.Background(), stuck.ID)
	if after.State != domain.StateFailed {
		t.Fatalf("stuck deployment is %s, want failed", after.State)
	}
	untouched, _ := repo.GetDeployment(context.Background(), fresh.ID)
	if untouched.State != domain.StateDeploying {
		t.Fatalf("fresh deployment is %s, want deploying", untouched.State)
	}
	if topics := bus.topics(); len(topics) != 1 || topics[0] != eventbus.TopicDeploymentFailed {
		t.Fatalf("unexpected events: %v", topics)
	}
}

// ---- fakes ----

type memRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Deployment
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.Deployment)}
}

func (m *memRepo) put(d *domain.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc := *d
	m.records[d.ID] = &dc
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRepo) all() []*domain.Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Deployment, 0, len(m.records))
	for _, d := range m.records {
		dc := *d
		out = append(out, &dc)
	}
	return out
}

func (m *memRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[d.ID]; exists {
		return repository.ErrConflict
	}
	dc := *d
	m.records[d.ID] = &dc
	return nil
}

func (m *memRepo) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	dc := *d
	return &dc, nil
}

func (m *memRepo) CompareAndSetState(_ context.Context, t repository.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[t.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.State != t.From {
		return repository.ErrStaleState
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	d.State = t.To
	d.UpdatedAt = at
	if t.Endpoint != "" {
		d.Endpoint = t.Endpoint
	}
	if t.InfraHandle != "" {
		d.InfraHandle = t.InfraHandle
	}
	switch t.To {
	case domain.StateActive:
		if d.DeployedAt == nil {
			d.DeployedAt = &at
		}
		if d.ActivatedAt == nil {
			d.ActivatedAt = &at
		}
	case domain.StateInactive, domain.StateRolledBack:
		if d.RolledBackAt == nil {
			d.RolledBackAt = &at
		}
	case domain.StateUndeployed:
		if d.UndeployedAt == nil {
			d.UndeployedAt = &at
		}
	case domain.StateFailed:
		d.FailureReason = t.FailureReason
	}
	return nil
}

func (m *memRepo) UpdateDeploymentLinkage(_ context.Context, id string, rollbackFromID, supersededByID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rollbackFromID != nil {
		d.RollbackFromID = rollbackFromID
	}
	if supersededByID != nil {
		d.SupersededByID = supersededByID
	}
	return nil
}

func (m *memRepo) UpdateDeploymentScaling(_ context.Context, id string, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Config.Replicas = replicas
	return nil
}

func (m *memRepo) ListActiveDeployments(_ context.Context, modelID, environment string) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range m.records {
		if d.ModelID == modelID && d.State == domain.StateActive && (environment == "" || d.Environment == environment) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memRepo) ListDeploymentHistory(_ context.Context, modelID, environment string, limit int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range m.records {
		if d.ModelID == modelID && d.Environment == environment {
			out = append(out, *d)
		}
	}
	// newest first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ListDeploymentsInStateBefore(_ context.Context, state domain.DeploymentState, updatedBefore time.Time) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range m.records {
		if d.State == state && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, *d)
		}
	}
	return out, nil
}

type fakeVersionRepo map[string]*domain.ModelVersion

func (f fakeVersionRepo) GetModelVersion(_ context.Context, versionID string) (*domain.ModelVersion, error) {
	v, ok := f[versionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	vc := *v
	return &vc, nil
}

type fakeLeaseManager struct {
	acquireErr error
	acquires   int
	releases   int
}

func (f *fakeLeaseManager) Acquire(context.Context, string) (lease.Lease, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquires++
	return fakeLease{manager: f}, nil
}

func (f *fakeLeaseManager) Close() error { return nil }

type fakeLease struct {
	manager *fakeLeaseManager
}

func (f fakeLease) Release(context.Context) error {
	f.manager.releases++
	return nil
}

type callbackLeaseManager struct {
	onAcquire func()
}

func (c *callbackLeaseManager) Acquire(context.Context, string) (lease.Lease, error) {
	if c.onAcquire != nil {
		c.onAcquire()
	}
	return nopLease{}, nil
}

func (c *callbackLeaseManager) Close() error { return nil }

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

type fakeProvisioner struct {
	endpoint  string
	createErr error
	switchErr error
	scaleErr  error
	unhealthy bool
	teardowns int
	created   int
	switched  int
}

func (f *fakeProvisioner) CreateInfrastructure(_ context.Context, req provisioner.Request) (provisioner.Handle, error) {
	if f.createErr != nil {
		return provisioner.Handle{}, f.createErr
	}
	f.created++
	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = req.ModelID + "-" + req.Environment + ".serving.local"
	}
	return provisioner.Handle{ID: uuid.NewString(), Endpoint: endpoint}, nil
}

func (f *fakeProvisioner) SwitchTraffic(context.Context, provisioner.Handle, provisioner.Handle) error {
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switched++
	return nil
}

func (f *fakeProvisioner) HealthCheck(context.Context, provisioner.Handle) (provisioner.Health, error) {
	return provisioner.Health{Healthy: !f.unhealthy, Latency: time.Millisecond}, nil
}

func (f *fakeProvisioner) Teardown(context.Context, provisioner.Handle) error {
	f.teardowns++
	return nil
}

func (f *fakeProvisioner) ApplyScaling(context.Context, provisioner.Handle, int) error {
	return f.scaleErr
}

type fakeBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (f *fakeBus) Publish(_ context.Context, event eventbus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, ...string) (<-chan eventbus.Event, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Topic)
	}
	return out
}

type serviceOption func(*Service)

func newTestService(opts ...serviceOption) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := &Service{
		deployments:      newMemRepo(),
		versions:         fakeVersionRepo{},
		leases:           &fakeLeaseManager{},
		infra:            &fakeProvisioner{},
		bus:              &fakeBus{},
		logger:           logger,
		provisionTimeout: time.Second,
		healthTimeout:    time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func version(id, modelID string, status domain.VersionStatus) *domain.ModelVersion {
	return &domain.ModelVersion{
		ID:          id,
		ModelID:     modelID,
		Status:      status,
		ArtifactURI: "s3://artifacts/" + modelID + "/" + id,
		CreatedAt:   time.Now().UTC(),
	}
}

func seedActive(repo *memRepo, modelID, versionID, environment string) *domain.Deployment {
	now := time.Now().UTC()
	d := &domain.Deployment{
		ID:          uuid.NewString(),
		ModelID:     modelID,
		VersionID:   versionID,
		Environment: environment,
		State:       domain.StateActive,
		Config:      domain.DeploymentConfig{Replicas: 1},
		Endpoint:    modelID + "-" + environment + ".serving.local",
		InfraHandle: uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		DeployedAt:  &now,
		ActivatedAt: &now,
	}
	repo.put(d)
	return d
}
