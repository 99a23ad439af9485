package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"Armada/internal/config"
	"Armada/internal/github"
	"Armada/internal/models"
	"Armada/internal/provider"
)

// fakeProvider records compute operations in call order.
type fakeProvider struct {
	mu           sync.Mutex
	events       []string
	provisionErr error
	commandErr   error
	destroyErr   error
	exitCode     int
	created      int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Provision(ctx context.Context, spec *provider.ProvisionSpec) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionErr != nil {
		p.events = append(p.events, "provision-failed")
		return nil, p.provisionErr
	}
	p.created++
	id := fmt.Sprintf("inst-%d", p.created)
	p.events = append(p.events, "provision:"+spec.Name)
	return &provider.Instance{
		ID:         id,
		Name:       spec.Name,
		Provider:   "fake",
		ProviderID: id,
		CreatedAt:  time.Now(),
	}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, inst *provider.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "destroy:"+inst.Name)
	return p.destroyErr
}

func (p *fakeProvider) RunCommand(ctx context.Context, inst *provider.Instance, script string) (*provider.CommandResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "command:"+inst.Name)
	if p.commandErr != nil {
		return nil, p.commandErr
	}
	return &provider.CommandResult{ExitCode: p.exitCode}, nil
}

func (p *fakeProvider) List(ctx context.Context) ([]*provider.Instance, error) { return nil, nil }
func (p *fakeProvider) HealthCheck(ctx context.Context) error                  { return nil }
func (p *fakeProvider) Close() error                                           { return nil }

func (p *fakeProvider) eventLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakeProvider) countEvents(prefix string) int {
	n := 0
	for _, e := range p.eventLog() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeRegistry simulates the CI provider's worker registration API.
type fakeRegistry struct {
	mu           sync.Mutex
	nextID       int64
	tokenErr     error
	runners      map[int64]models.WorkerInfo
	deregistered []int64
	deleteErr    error
	events       []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{runners: make(map[int64]models.WorkerInfo)}
}

func (r *fakeRegistry) CreateRegistrationToken(ctx context.Context, fleet config.FleetConfig) (github.RegistrationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokenErr != nil {
		return github.RegistrationToken{}, r.tokenErr
	}
	return github.RegistrationToken{Value: "AAAA-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (r *fakeRegistry) FindRunnerByName(ctx context.Context, fleet config.FleetConfig, name string) (models.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.runners {
		if info.Name == name {
			return info, nil
		}
	}
	// A freshly bootstrapped worker appears online on the first lookup.
	r.nextID++
	info := models.WorkerInfo{ID: r.nextID, Name: name, Online: true}
	r.runners[r.nextID] = info
	r.events = append(r.events, "online:"+name)
	return info, nil
}

func (r *fakeRegistry) GetRunner(ctx context.Context, fleet config.FleetConfig, id int64) (models.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.runners[id]
	if !ok {
		return models.WorkerInfo{}, &github.NotFoundError{RunnerID: id}
	}
	return info, nil
}

func (r *fakeRegistry) DeleteRunner(ctx context.Context, fleet config.FleetConfig, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, id)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.runners, id)
	return nil
}

func (r *fakeRegistry) setRunner(id int64, info models.WorkerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[id] = info
}

func (r *fakeRegistry) removeRunner(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFleet() config.FleetConfig {
	return config.FleetConfig{
		Name:       "ci-linux",
		Repository: "acme/widgets",
		Labels:     []string{"self-hosted", "linux"},
		Scaling: config.ScalingConfig{
			MinRunners:    0,
			MaxRunners:    10,
			JobsPerRunner: 1,
		},
	}
}

func testLifecycle(reg Registry, prov provider.Provider) *Lifecycle {
	l := NewLifecycle(reg, prov, config.CIConfig{RequestTimeout: 5 * time.Second}, time.Second, testLogger())
	l.pollInterval = time.Millisecond
	return l
}

func TestProvisionReachesActive(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	worker, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if worker.State != StateActive {
		t.Errorf("State = %v, want %v", worker.State, StateActive)
	}
	if worker.RunnerID == 0 {
		t.Error("RunnerID not assigned")
	}
	if worker.Instance == nil {
		t.Fatal("Instance is nil")
	}
	if got := prov.countEvents("destroy:"); got != 0 {
		t.Errorf("unexpected destroys: %d", got)
	}
}

func TestProvisionCompensatesOnRegistrationFailure(t *testing.T) {
	prov := &fakeProvider{commandErr: errors.New("exec transport broken")}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	_, err := l.Provision(context.Background(), testFleet())
	if err == nil {
		t.Fatal("Provision should fail when the bootstrap command fails")
	}

	var regErr *github.RegistrationError
	if !errors.As(err, &regErr) {
		t.Errorf("error %v should be a RegistrationError", err)
	}

	// The compute instance must be destroyed exactly once before the error
	// reaches the caller.
	if got := prov.countEvents("destroy:"); got != 1 {
		t.Errorf("instance destroyed %d times, want 1", got)
	}
}

func TestProvisionCompensatesOnTokenFailure(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	reg.tokenErr = &github.TokenError{Scope: "repos/acme/widgets", Err: errors.New("503")}
	l := testLifecycle(reg, prov)

	_, err := l.Provision(context.Background(), testFleet())
	if err == nil {
		t.Fatal("Provision should fail when the token fetch fails")
	}

	var tokenErr *github.TokenError
	if !errors.As(err, &tokenErr) {
		t.Errorf("error %v should be a TokenError", err)
	}
	if got := prov.countEvents("destroy:"); got != 1 {
		t.Errorf("instance destroyed %d times, want 1", got)
	}
}

func TestProvisionComputeFailurePropagatesDirectly(t *testing.T) {
	prov := &fakeProvider{provisionErr: &provider.ProvisionError{Provider: "fake", Op: "provision", Err: errors.New("capacity")}}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	_, err := l.Provision(context.Background(), testFleet())
	if err == nil {
		t.Fatal("Provision should fail")
	}

	var pe *provider.ProvisionError
	if !errors.As(err, &pe) {
		t.Errorf("error %v should be a ProvisionError", err)
	}
	// No registration was attempted, so nothing to compensate.
	if got := prov.countEvents("destroy:"); got != 0 {
		t.Errorf("unexpected destroys: %d", got)
	}
	if got := prov.countEvents("command:"); got != 0 {
		t.Errorf("unexpected bootstrap commands: %d", got)
	}
}

func TestDestroyDeregistersAndDestroys(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	worker, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if err := l.Destroy(context.Background(), testFleet(), worker); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// State transitions on tracked workers belong to the controller; Destroy
	// must not write them.
	if worker.State != StateActive {
		t.Errorf("State = %v, want %v (unchanged)", worker.State, StateActive)
	}
	if len(reg.deregistered) != 1 || reg.deregistered[0] != worker.RunnerID {
		t.Errorf("deregistered = %v, want [%d]", reg.deregistered, worker.RunnerID)
	}
	if got := prov.countEvents("destroy:"); got != 1 {
		t.Errorf("instance destroyed %d times, want 1", got)
	}
}

func TestDestroyFavorsCleanupOverDeregistration(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	worker, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	reg.deleteErr = &github.DeregistrationError{RunnerID: worker.RunnerID, Err: errors.New("500")}

	err = l.Destroy(context.Background(), testFleet(), worker)
	if err == nil {
		t.Fatal("Destroy should report the deregistration failure")
	}

	// The instance is destroyed anyway.
	if got := prov.countEvents("destroy:"); got != 1 {
		t.Errorf("instance destroyed %d times, want 1", got)
	}
}

func TestRotateOrdersNewActiveBeforeOldDestroy(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	old, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	replacement, err := l.Rotate(context.Background(), testFleet(), old)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if replacement.State != StateActive {
		t.Errorf("replacement State = %v, want %v", replacement.State, StateActive)
	}

	// Capacity must never dip: the replacement's provision appears in the
	// event log before the old worker's destroy.
	events := prov.eventLog()
	provisionIdx, destroyIdx := -1, -1
	for i, e := range events {
		if e == "provision:"+replacement.Name {
			provisionIdx = i
		}
		if e == "destroy:"+old.Name {
			destroyIdx = i
		}
	}
	if provisionIdx == -1 || destroyIdx == -1 {
		t.Fatalf("missing events in %v", events)
	}
	if provisionIdx > destroyIdx {
		t.Errorf("old worker destroyed before replacement provisioned: %v", events)
	}
}

func TestRotateAbortsWithoutTouchingOldWorker(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	old, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	prov.mu.Lock()
	prov.provisionErr = errors.New("no capacity")
	prov.mu.Unlock()

	replacement, err := l.Rotate(context.Background(), testFleet(), old)
	if err == nil {
		t.Fatal("Rotate should fail when provisioning fails")
	}
	if replacement != nil {
		t.Error("no replacement should be returned")
	}
	if old.State != StateActive {
		t.Errorf("old State = %v, want %v (untouched)", old.State, StateActive)
	}
	if got := prov.countEvents("destroy:" + old.Name); got != 0 {
		t.Errorf("old worker destroyed %d times during aborted rotation", got)
	}
}

func TestCheckHealth(t *testing.T) {
	prov := &fakeProvider{}
	reg := newFakeRegistry()
	l := testLifecycle(reg, prov)

	worker, err := l.Provision(context.Background(), testFleet())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if !l.CheckHealth(context.Background(), testFleet(), worker) {
		t.Error("freshly active worker should be healthy")
	}

	reg.setRunner(worker.RunnerID, models.WorkerInfo{ID: worker.RunnerID, Name: worker.Name, Online: false})
	if l.CheckHealth(context.Background(), testFleet(), worker) {
		t.Error("offline worker should be unhealthy")
	}

	reg.removeRunner(worker.RunnerID)
	if l.CheckHealth(context.Background(), testFleet(), worker) {
		t.Error("unknown worker should be unhealthy")
	}

	// Health checks never transition state.
	if worker.State != StateActive {
		t.Errorf("State = %v, want %v", worker.State, StateActive)
	}
}

func TestBootstrapScriptCarriesTokenAndLabels(t *testing.T) {
	fleet := testFleet()
	fleet.WorkerGroup = "linux-pool"
	token := github.RegistrationToken{Value: "AAAA-secret", ExpiresAt: time.Now().Add(time.Hour)}

	script := bootstrapScript(fleet, "ci-linux-abc12345", token)

	for _, want := range []string{
		"https://github.com/acme/widgets",
		"--token AAAA-secret",
		"--labels self-hosted,linux",
		"--ephemeral",
		"--runnergroup linux-pool",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}
