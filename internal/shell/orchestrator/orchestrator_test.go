package orchestrator

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/naming"
	"github.com/artpar/ensemble/internal/core/rollout"
	"github.com/artpar/ensemble/internal/core/template"
	"github.com/artpar/ensemble/internal/shell/controlplane"
	"github.com/artpar/ensemble/internal/shell/deployer"
	"github.com/artpar/ensemble/internal/shell/objectstore"
	"github.com/artpar/ensemble/internal/shell/packager"
	"github.com/artpar/ensemble/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

// memoryPlane is an in-memory control plane that settles every change
// immediately.
type memoryPlane struct {
	mu        sync.Mutex
	targets   map[string]*controlplane.Target
	changes   map[string]controlplane.ChangeRequest
	submitted []controlplane.ChangeRequest
	failWith  string // Reason of every computed change, when set
	createErr error
}

func newMemoryPlane() *memoryPlane {
	return &memoryPlane{
		targets: map[string]*controlplane.Target{},
		changes: map[string]controlplane.ChangeRequest{},
	}
}

func (p *memoryPlane) DescribeTarget(ctx context.Context, targetID string) (*controlplane.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[targetID]
	if !ok {
		return nil, controlplane.ErrTargetNotFound
	}
	copied := *t
	return &copied, nil
}

func (p *memoryPlane) CreateChange(ctx context.Context, req controlplane.ChangeRequest) (*controlplane.Change, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	if _, ok := p.targets[req.TargetID]; !ok && req.Kind == controlplane.ChangeUpdate {
		return nil, controlplane.ErrTargetNotFound
	}
	p.submitted = append(p.submitted, req)
	id := fmt.Sprintf("change-%d", len(p.submitted))
	p.changes[id] = req
	return &controlplane.Change{ID: id, TargetID: req.TargetID, Status: "CREATE_PENDING"}, nil
}

func (p *memoryPlane) DescribeChange(ctx context.Context, targetID, changeID string) (*controlplane.Change, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != "" {
		return &controlplane.Change{ID: changeID, TargetID: targetID, Status: rollout.ChangeStatusFailed, Reason: p.failWith}, nil
	}
	return &controlplane.Change{ID: changeID, TargetID: targetID, Status: rollout.ChangeStatusComplete}, nil
}

func (p *memoryPlane) ExecuteChange(ctx context.Context, targetID, changeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := p.changes[changeID]
	status := "UPDATE_COMPLETE"
	if req.Kind == controlplane.ChangeCreate {
		status = "CREATE_COMPLETE"
	}
	p.targets[targetID] = &controlplane.Target{ID: targetID, Name: targetID, Status: status, Tags: req.Tags}
	return nil
}

func (p *memoryPlane) DeleteTarget(ctx context.Context, targetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, targetID)
	return nil
}

func (p *memoryPlane) WaitForDeletion(ctx context.Context, targetID string, maxWait time.Duration) error {
	return nil
}

func (p *memoryPlane) last() controlplane.ChangeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted[len(p.submitted)-1]
}

func (p *memoryPlane) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

// fakePackager returns one archive per buildable instrument; the URI carries
// the current version so that rebuilds are visible in the template.
type fakePackager struct {
	mu      sync.Mutex
	version int
	err     error
	built   []string
}

func (f *fakePackager) PackageAll(ctx context.Context, m *model.Model, placed []model.Placed) (map[string]*packager.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]*packager.Artifact{}
	for _, p := range placed {
		if !m.Handler(p.Instrument).Buildable() {
			continue
		}
		name := m.PhysicalName(p)
		digest := fmt.Sprintf("%s-v%d", name, f.version)
		out[name] = &packager.Artifact{
			PhysicalName: name,
			Digest:       digest,
			URI:          "s3://bkt/pfx/deployables/" + digest + ".zip",
			Size:         int64(len(digest)),
			Uploaded:     true,
		}
		f.built = append(f.built, name)
	}
	return out, nil
}

type fakeObjects struct {
	mu   sync.Mutex
	puts []objectstore.Object
}

func (o *fakeObjects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return false, nil
}

func (o *fakeObjects) Put(ctx context.Context, obj objectstore.Object) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts = append(o.puts, obj)
	return nil
}

// instantClock never waits.
type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// =============================================================================
// Test Helpers
// =============================================================================

var (
	s1 = model.Section{Region: "r1", Name: "s1"}
	s2 = model.Section{Region: "r2", Name: "s2"}
)

type harness struct {
	orch     *Orchestrator
	model    *model.Model
	packager *fakePackager
	objects  *fakeObjects
	ledger   store.Store
	planes   map[string]*memoryPlane
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	f1 := model.NewFunction(nil, "f1", "src/f1")
	f2 := model.NewFunction(nil, "f2", "src/f2")
	q := model.NewInstrument(naming.NewPath(nil, "jobs"), model.Queue{})
	f3 := model.NewFunction(nil, "f3", "src/f3")
	m, err := model.New(model.Spec{
		Assembly: model.Assembly{Name: "b", AccountID: "acct", Bucket: "bkt", Prefix: "pfx"},
		Sections: []model.SectionSpec{
			{Section: s1, Instruments: []*model.Instrument{f1, f2, q}, Wiring: []model.Wire{model.Connect(f1, "jobs", q)}},
			{Section: s2, Instruments: []*model.Instrument{f3}, Wiring: []model.Wire{model.Connect(f3, "peer", f1)}},
		},
	}, nil)
	require.NoError(t, err)

	ledger, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := &harness{
		model:    m,
		packager: &fakePackager{version: 1},
		objects:  &fakeObjects{},
		ledger:   ledger,
		planes:   map[string]*memoryPlane{"r1": newMemoryPlane(), "r2": newMemoryPlane()},
	}
	factory := func(region string) controlplane.ControlPlane { return h.planes[region] }
	clock := &instantClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.orch = New(m, h.packager, h.objects, ledger, factory, clock, cfg, logger)
	return h
}

// =============================================================================
// DeploySection Tests
// =============================================================================

func TestDeploySection_CreatesAndRecords(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.orch.DeploySection(ctx, s1, Options{})
	require.NoError(t, err)

	assert.Equal(t, "b-s1", res.Target)
	assert.Equal(t, rollout.OutcomeApplied, res.Result.Outcome)
	assert.Empty(t, res.TemplateURL)
	assert.Len(t, res.Artifacts, 2)

	req := h.planes["r1"].last()
	assert.Equal(t, controlplane.ChangeCreate, req.Kind)
	assert.Contains(t, req.TemplateBody, "s3://bkt/pfx/deployables/b-s1-f1-v1.zip")
	assert.Equal(t, res.Result.Fingerprint, req.Tags[rollout.DefaultFingerprintTag])

	rec, err := h.ledger.GetDeployment(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "b-s1", rec.Target)
	assert.Equal(t, rollout.OutcomeApplied, rec.Outcome)
	assert.Equal(t, res.Result.Fingerprint, rec.Fingerprint)
	assert.Equal(t, res.Result.ChangeID, rec.ChangeID)
	assert.Equal(t, res.Result.Trace, rec.Trace)
	assert.True(t, rec.Finished())
	assert.Empty(t, rec.Error)

	archive, err := h.ledger.LatestArchive(ctx, "b-s1-f2")
	require.NoError(t, err)
	assert.Equal(t, "s3://bkt/pfx/deployables/b-s1-f2-v1.zip", archive.URI)
}

func TestDeploySection_SecondRunUnchanged(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.DeploySection(ctx, s1, Options{})
	require.NoError(t, err)
	res, err := h.orch.DeploySection(ctx, s1, Options{})
	require.NoError(t, err)

	assert.Equal(t, rollout.OutcomeUnchanged, res.Result.Outcome)
	assert.Equal(t, 1, h.planes["r1"].submissions())

	history, err := h.ledger.ListDeployments(ctx, "b-s1", store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, rollout.OutcomeUnchanged, history[0].Outcome)
	assert.Equal(t, rollout.OutcomeApplied, history[1].Outcome)
}

func TestDeploySection_OnlyReusesPreviousArchives(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.DeploySection(ctx, s1, Options{})
	require.NoError(t, err)

	h.packager.version = 2
	h.packager.built = nil
	res, err := h.orch.DeploySection(ctx, s1, Options{Only: []string{"f1"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"b-s1-f1"}, h.packager.built)
	assert.Equal(t, rollout.OutcomeApplied, res.Result.Outcome)

	body := h.planes["r1"].last().TemplateBody
	assert.Contains(t, body, "b-s1-f1-v2.zip")
	assert.Contains(t, body, "b-s1-f2-v1.zip")
	assert.NotContains(t, body, "b-s1-f1-v1.zip")

	archive, err := h.ledger.LatestArchive(ctx, "b-s1-f1")
	require.NoError(t, err)
	assert.Equal(t, "s3://bkt/pfx/deployables/b-s1-f1-v2.zip", archive.URI)
}

func TestDeploySection_OnlyWithoutPreviousArchive(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.DeploySection(ctx, s1, Options{Only: []string{"f1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrMissingArtifact)

	var secErr *SectionError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, "render", secErr.Stage)
	assert.Equal(t, "r1/s1", secErr.Section)

	history, err := h.ledger.ListDeployments(ctx, "b-s1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, h.planes["r1"].submissions())
}

func TestDeploySection_UnknownOnly(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.orch.DeploySection(context.Background(), s1, Options{Only: []string{"nope"}})
	assert.ErrorIs(t, err, model.ErrInstrumentNotFound)
}

func TestDeploySection_LargeTemplateUploaded(t *testing.T) {
	h := newHarness(t, Config{MaxInlineTemplate: 16})

	res, err := h.orch.DeploySection(context.Background(), s1, Options{})
	require.NoError(t, err)

	require.Len(t, h.objects.puts, 1)
	put := h.objects.puts[0]
	assert.Equal(t, "bkt", put.Bucket)
	assert.True(t, strings.HasPrefix(put.Key, "pfx/templates/b-s1-"), put.Key)
	assert.Equal(t, "application/json", put.ContentType)

	req := h.planes["r1"].last()
	assert.Empty(t, req.TemplateBody)
	assert.Equal(t, "https://bkt.s3.amazonaws.com/"+put.Key, req.TemplateURL)
	assert.Equal(t, req.TemplateURL, res.TemplateURL)
	// The fingerprint covers the body even when it is submitted by URL.
	assert.Equal(t, rollout.Fingerprint(put.Body, "b-s1"), res.Result.Fingerprint)
}

func TestDeploySection_ApplyFailureRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.planes["r1"].failWith = "Template format error"
	ctx := context.Background()

	res, err := h.orch.DeploySection(ctx, s1, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, deployer.ErrChangeFailed)

	var secErr *SectionError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, "apply", secErr.Stage)

	require.NotNil(t, res)
	assert.Equal(t, rollout.OutcomeFailed, res.Result.Outcome)

	rec, err := h.ledger.GetDeployment(ctx, res.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, rollout.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Error, "Template format error")
	assert.Equal(t, rollout.StateFailed, rec.Trace[len(rec.Trace)-1])

	_, err = h.ledger.LatestArchive(ctx, "b-s1-f1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeploySection_PackageFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.packager.err = errors.New("compile failed")

	_, err := h.orch.DeploySection(context.Background(), s1, Options{})
	var secErr *SectionError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, "package", secErr.Stage)
	assert.Zero(t, h.planes["r1"].submissions())
}

// =============================================================================
// DeployAll Tests
// =============================================================================

func TestDeployAll_Succeeds(t *testing.T) {
	h := newHarness(t, Config{})

	results, err := h.orch.DeployAll(context.Background(), []model.Section{s1, s2}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b-s1", results[0].Target)
	assert.Equal(t, "b-s2", results[1].Target)

	// Cross-section wiring scopes the grant to the supplier's region.
	body := h.planes["r2"].last().TemplateBody
	assert.Contains(t, body, "arn:aws:lambda:r1:acct:function:b-s1-f1")
}

func TestDeployAll_IsolatesFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.planes["r2"].createErr = errors.New("throttled")

	results, err := h.orch.DeployAll(context.Background(), []model.Section{s1, s2}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, deployer.ErrControlPlane)
	assert.Contains(t, err.Error(), "section r2/s2")
	assert.NotContains(t, err.Error(), "section r1/s1")

	require.Len(t, results, 2)
	assert.Equal(t, rollout.OutcomeApplied, results[0].Result.Outcome)
	assert.Equal(t, rollout.OutcomeFailed, results[1].Result.Outcome)
}

func TestDeployAll_NothingSelected(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.orch.DeployAll(context.Background(), []model.Section{s1}, Options{Only: []string{"f3"}})
	assert.ErrorIs(t, err, ErrNothingSelected)
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender_DoesNotApply(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	body, err := h.orch.Render(ctx, s1, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"AWSTemplateFormatVersion":"2010-09-09"`)
	assert.Contains(t, string(body), "b-s1-f1-v1.zip")

	assert.Zero(t, h.planes["r1"].submissions())
	history, err := h.ledger.ListDeployments(ctx, "b-s1", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, history)
}
