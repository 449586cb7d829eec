package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/packages"
	"github.com/artpar/ensemble/internal/core/spec"
	"github.com/artpar/ensemble/internal/shell/builder"
	"github.com/artpar/ensemble/internal/shell/controlplane"
	"github.com/artpar/ensemble/internal/shell/objectstore"
	"github.com/artpar/ensemble/internal/shell/orchestrator"
	"github.com/artpar/ensemble/internal/shell/packager"
	"github.com/artpar/ensemble/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitSpecError   = 2
	ExitLedgerError = 3
	ExitAWSError    = 4
	ExitDeployError = 5
)

// CommandError carries the exit code of a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// App
// =============================================================================

// App holds what every command needs: configuration, logger and the
// validated model.
type App struct {
	cfg      *Config
	logger   *slog.Logger
	specPath string
	model    *model.Model
}

// NewApp loads and validates the assembly file at specPath.
func NewApp(cfg *Config, logger *slog.Logger, specPath string) (*App, error) {
	content, err := os.ReadFile(specPath)
	if err != nil {
		return nil, &CommandError{Op: "read assembly file", Err: err, ExitCode: ExitSpecError}
	}
	parsed, err := spec.Parse(content)
	if err != nil {
		return nil, &CommandError{Op: "parse " + specPath, Err: err, ExitCode: ExitSpecError}
	}
	m, err := model.New(parsed, nil)
	if err != nil {
		return nil, &CommandError{Op: "validate " + specPath, Err: err, ExitCode: ExitSpecError}
	}
	return &App{cfg: cfg, logger: logger, specPath: specPath, model: m}, nil
}

// Sections resolves section names. No names means every section.
func (a *App) Sections(names []string) ([]model.Section, error) {
	if len(names) == 0 {
		return a.model.Sections(), nil
	}
	out := make([]model.Section, 0, len(names))
	for _, n := range names {
		s, err := a.model.Section(n)
		if err != nil {
			return nil, &CommandError{Op: "select section", Err: err, ExitCode: ExitSpecError}
		}
		out = append(out, s)
	}
	return out, nil
}

// OpenLedger opens the deployment ledger, creating its directory if needed.
func (a *App) OpenLedger() (store.Store, error) {
	dsn := a.cfg.Database.DSN
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, &CommandError{Op: "open ledger", Err: err, ExitCode: ExitLedgerError}
		}
	}
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, &CommandError{Op: "open ledger", Err: err, ExitCode: ExitLedgerError}
	}
	return s, nil
}

// Orchestrator wires the AWS-backed collaborators around ledger.
func (a *App) Orchestrator(ctx context.Context, ledger store.Store) (*orchestrator.Orchestrator, error) {
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, &CommandError{Op: "load AWS config", Err: err, ExitCode: ExitAWSError}
	}

	objectsCfg := awsCfg.Copy()
	if r := a.model.Assembly().BucketRegion; r != "" {
		objectsCfg.Region = r
	}
	objects := objectstore.NewS3FromConfig(objectsCfg, a.logger)

	sourceDir := a.sourceDir()
	roots, err := a.packageRoots(sourceDir)
	if err != nil {
		return nil, &CommandError{Op: "package roots", Err: err, ExitCode: ExitConfigError}
	}
	p := packager.New(builder.NewEsbuild(a.logger), objects, packager.NewSource(sourceDir), roots, a.cfg.PackagerConfig(), a.logger)

	return orchestrator.New(a.model, p, objects, ledger, controlplane.NewFactory(awsCfg, a.logger), nil, a.cfg.OrchestratorConfig(), a.logger), nil
}

// awsConfig loads the shared AWS configuration. The configured profile wins
// over the assembly's; static credentials win over the default chain.
func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	asm := a.model.Assembly()
	var opts []func(*awsconfig.LoadOptions) error

	profile := a.cfg.AWS.Profile
	if profile == "" {
		profile = asm.Profile
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	region := asm.BucketRegion
	if sections := a.model.Sections(); region == "" && len(sections) > 0 {
		region = sections[0].Region
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	if a.cfg.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.cfg.AWS.AccessKeyID, a.cfg.AWS.SecretAccessKey, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// sourceDir is the assembly's source root, relative to the assembly file.
func (a *App) sourceDir() string {
	base := filepath.Dir(a.specPath)
	dir := a.model.Assembly().Dir
	switch {
	case dir == "":
		return base
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(base, dir)
	}
}

func (a *App) packageRoots(sourceDir string) ([]packages.Root, error) {
	roots := make([]packages.Root, 0, len(a.cfg.Build.PackageRoots))
	for _, dir := range a.cfg.Build.PackageRoots {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", abs)
		}
		roots = append(roots, packages.Root{Dir: abs, FS: os.DirFS(abs)})
	}
	if len(roots) == 0 {
		roots = append(roots, packages.Root{Dir: sourceDir, FS: os.DirFS(sourceDir)})
	}
	return roots, nil
}
