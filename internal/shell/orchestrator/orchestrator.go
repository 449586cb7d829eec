// Package orchestrator deploys the sections of an assembly end to end:
// packaging, archive reuse from the ledger, template rendering and upload,
// application through the deployment engine, and ledger bookkeeping.
// This is part of the Imperative Shell - it wires every other shell package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/rollout"
	"github.com/artpar/ensemble/internal/core/template"
	"github.com/artpar/ensemble/internal/shell/controlplane"
	"github.com/artpar/ensemble/internal/shell/deployer"
	"github.com/artpar/ensemble/internal/shell/objectstore"
	"github.com/artpar/ensemble/internal/shell/packager"
	"github.com/artpar/ensemble/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNothingSelected is returned when an --only query selects nothing in any
// of the requested sections.
var ErrNothingSelected = errors.New("no instrument selected")

// SectionError records which section and stage failed.
type SectionError struct {
	Section string // Section path
	Stage   string // package, render, upload, ledger, apply
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %s: %s: %v", e.Section, e.Stage, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Configuration
// =============================================================================

// MaxInlineTemplate is the largest template body submitted inline. Larger
// bodies are uploaded and submitted by URL.
const MaxInlineTemplate = 51200

// Config controls the orchestrator.
type Config struct {
	Deploy            deployer.Config
	MaxInlineTemplate int // Zero means MaxInlineTemplate
}

// Packager packages buildable instruments. Implemented by *packager.Packager.
type Packager interface {
	PackageAll(ctx context.Context, m *model.Model, placed []model.Placed) (map[string]*packager.Artifact, error)
}

// Orchestrator deploys the sections of one model.
type Orchestrator struct {
	model    *model.Model
	packager Packager
	objects  objectstore.ObjectStore
	ledger   store.Store
	planes   controlplane.Factory
	clock    deployer.Clock
	config   Config
	base     *slog.Logger
	logger   *slog.Logger
}

// New creates an orchestrator. A nil clock means the wall clock.
func New(m *model.Model, p Packager, objects objectstore.ObjectStore, ledger store.Store, planes controlplane.Factory, clock deployer.Clock, config Config, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = deployer.RealClock()
	}
	if config.MaxInlineTemplate <= 0 {
		config.MaxInlineTemplate = MaxInlineTemplate
	}
	return &Orchestrator{
		model:    m,
		packager: p,
		objects:  objects,
		ledger:   ledger,
		planes:   planes,
		clock:    clock,
		config:   config,
		base:     logger,
		logger:   logger.With("component", "orchestrator"),
	}
}

// =============================================================================
// Options / Results
// =============================================================================

// Options select what a run rebuilds.
type Options struct {
	// Only limits packaging to the instruments matching these lookups
	// (path, leaf name or unique physical-name substring). Other buildable
	// instruments reuse their last recorded archive. Empty means all.
	Only []string
}

// SectionResult describes the deployment of one section.
type SectionResult struct {
	Section      model.Section
	Target       string
	DeploymentID string // Ledger id
	TemplateURL  string // Set when the template was uploaded
	Artifacts    map[string]*packager.Artifact
	Result       *deployer.Result
}

// =============================================================================
// Deploy
// =============================================================================

// DeployAll deploys sections concurrently, each with its own deployment
// instance. A failing section does not stop the others; their errors are
// joined. Results are in the order of sections; failed sections that got as
// far as applying still have a result.
func (o *Orchestrator) DeployAll(ctx context.Context, sections []model.Section, opts Options) ([]*SectionResult, error) {
	selected, err := o.selection(opts)
	if err != nil {
		return nil, err
	}
	if selected != nil && !o.selectsAny(sections, selected) {
		return nil, fmt.Errorf("%w: %v", ErrNothingSelected, opts.Only)
	}

	results := make([]*SectionResult, len(sections))
	errs := make([]error, len(sections))
	var wg sync.WaitGroup
	for i, s := range sections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.deploy(ctx, s, selected)
		}()
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// DeploySection deploys one section.
func (o *Orchestrator) DeploySection(ctx context.Context, section model.Section, opts Options) (*SectionResult, error) {
	selected, err := o.selection(opts)
	if err != nil {
		return nil, err
	}
	return o.deploy(ctx, section, selected)
}

func (o *Orchestrator) deploy(ctx context.Context, section model.Section, selected map[*model.Instrument]bool) (*SectionResult, error) {
	target := o.model.StackName(section)
	logger := o.logger.With("section", section.Path(), "target", target)
	result := &SectionResult{Section: section, Target: target}
	fail := func(stage string, err error) error {
		return &SectionError{Section: section.Path(), Stage: stage, Err: err}
	}

	engine := deployer.NewEngine(o.planes(section.Region), o.config.Deploy, o.clock, o.base.With("section", section.Path()))
	d := engine.NewDeployment(target)
	d.Prefetch(ctx)

	body, artifacts, err := o.render(ctx, section, selected, logger)
	if err != nil {
		return nil, err
	}
	result.Artifacts = artifacts

	sub := deployer.Submission{Body: body}
	if len(body) > o.config.MaxInlineTemplate {
		url, err := o.uploadTemplate(ctx, target, body)
		if err != nil {
			return nil, fail("upload", err)
		}
		logger.Info("template uploaded", "url", url, "bytes", len(body))
		sub.TemplateURL = url
		result.TemplateURL = url
	}

	rec := &store.Deployment{
		ID:        uuid.NewString(),
		Target:    target,
		StartedAt: o.clock.Now(),
	}
	if err := o.ledger.CreateDeployment(ctx, rec); err != nil {
		return nil, fail("ledger", err)
	}
	result.DeploymentID = rec.ID

	res, applyErr := d.Apply(ctx, sub)
	result.Result = res

	if err := o.finish(context.WithoutCancel(ctx), rec, res, applyErr, artifacts); err != nil {
		logger.Error("failed to record deployment", "deployment", rec.ID, "error", err)
		if applyErr == nil {
			return result, fail("ledger", err)
		}
	}
	if applyErr != nil {
		return result, fail("apply", applyErr)
	}
	logger.Info("section deployed", "outcome", res.Outcome, "deployment", rec.ID)
	return result, nil
}

// finish records the outcome. Archives are recorded only after a successful
// apply, so that a failed deployment is never reused as a previous archive.
func (o *Orchestrator) finish(ctx context.Context, rec *store.Deployment, res *deployer.Result, applyErr error, artifacts map[string]*packager.Artifact) error {
	finished := o.clock.Now()
	rec.Outcome = res.Outcome
	rec.Fingerprint = res.Fingerprint
	rec.ChangeID = res.ChangeID
	rec.Trace = res.Trace
	rec.FinishedAt = &finished
	if applyErr != nil {
		rec.Error = applyErr.Error()
	}

	return o.ledger.WithTx(ctx, func(tx store.Store) error {
		if err := tx.FinishDeployment(ctx, rec); err != nil {
			return err
		}
		if applyErr != nil {
			return nil
		}
		for _, name := range sortedKeys(artifacts) {
			a := artifacts[name]
			err := tx.RecordArchive(ctx, &store.Archive{
				PhysicalName: a.PhysicalName,
				Digest:       a.Digest,
				URI:          a.URI,
				Size:         a.Size,
				CreatedAt:    finished,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) uploadTemplate(ctx context.Context, target string, body []byte) (string, error) {
	asm := o.model.Assembly()
	key := objectstore.TemplateKey(asm.Prefix, target, rollout.Fingerprint(body, target))
	err := o.objects.Put(ctx, objectstore.Object{
		Bucket:      asm.Bucket,
		Key:         key,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return objectstore.HTTPSURL(asm.Bucket, asm.BucketRegion, key), nil
}

// =============================================================================
// Render
// =============================================================================

// Render packages the section and returns its template body without
// applying it.
func (o *Orchestrator) Render(ctx context.Context, section model.Section, opts Options) ([]byte, error) {
	selected, err := o.selection(opts)
	if err != nil {
		return nil, err
	}
	body, _, err := o.render(ctx, section, selected, o.logger.With("section", section.Path()))
	return body, err
}

func (o *Orchestrator) render(ctx context.Context, section model.Section, selected map[*model.Instrument]bool, logger *slog.Logger) ([]byte, map[string]*packager.Artifact, error) {
	fail := func(stage string, err error) error {
		return &SectionError{Section: section.Path(), Stage: stage, Err: err}
	}

	var build []model.Placed
	for _, p := range o.model.InSection(section.Name) {
		if selected == nil || selected[p.Instrument] {
			build = append(build, p)
		}
	}

	started := o.clock.Now()
	built, err := o.packager.PackageAll(ctx, o.model, build)
	if err != nil {
		return nil, nil, fail("package", err)
	}
	logger.Info("section packaged", "archives", len(built), "duration", o.clock.Now().Sub(started).Round(time.Millisecond))

	refs, err := o.references(ctx, section, built)
	if err != nil {
		return nil, nil, fail("ledger", err)
	}

	tmpl, err := template.Render(o.model, section, refs)
	if err != nil {
		return nil, nil, fail("render", err)
	}
	body, err := tmpl.Body()
	if err != nil {
		return nil, nil, fail("render", err)
	}
	return body, built, nil
}

// references pairs each buildable instrument with its current archive and
// the last recorded one.
func (o *Orchestrator) references(ctx context.Context, section model.Section, built map[string]*packager.Artifact) (map[string]template.Artifact, error) {
	refs := map[string]template.Artifact{}
	for _, p := range o.model.InSection(section.Name) {
		if !o.model.Handler(p.Instrument).Buildable() {
			continue
		}
		name := o.model.PhysicalName(p)
		var ref template.Artifact

		prev, err := o.ledger.LatestArchive(ctx, name)
		switch {
		case err == nil:
			ref.Previous = prev.URI
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		if a, ok := built[name]; ok {
			ref.WasBuilt = true
			ref.Current = a.URI
		}
		refs[name] = ref
	}
	return refs, nil
}

// =============================================================================
// Selection
// =============================================================================

// selection resolves --only lookups. A nil map selects everything.
func (o *Orchestrator) selection(opts Options) (map[*model.Instrument]bool, error) {
	if len(opts.Only) == 0 {
		return nil, nil
	}
	out := map[*model.Instrument]bool{}
	for _, q := range opts.Only {
		p, err := o.model.Lookup(q)
		if err != nil {
			return nil, err
		}
		out[p.Instrument] = true
	}
	return out, nil
}

func (o *Orchestrator) selectsAny(sections []model.Section, selected map[*model.Instrument]bool) bool {
	for _, s := range sections {
		if slices.ContainsFunc(o.model.InSection(s.Name), func(p model.Placed) bool { return selected[p.Instrument] }) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]*packager.Artifact) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
