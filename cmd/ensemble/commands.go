package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/ensemble/internal/shell/orchestrator"
	"github.com/artpar/ensemble/internal/shell/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	SpecPath   string
	Output     string // "text" | "json"

	cfg *Config
}

// ValidOutputs defines the allowed output formats.
var ValidOutputs = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "ensemble",
		Short:         "Package and deploy serverless assemblies",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Output != "text" && opts.Output != "json" {
				return &CommandError{
					Op:       "flags",
					Err:      fmt.Errorf("invalid output %q: must be one of %v", opts.Output, ValidOutputs),
					ExitCode: ExitConfigError,
				}
			}
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return &CommandError{Op: "load config", Err: err, ExitCode: ExitConfigError}
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.SpecPath, "spec", "ensemble.yaml", "path to the assembly file")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")

	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func (o *RootOptions) app(cmd *cobra.Command) (*App, error) {
	return NewApp(o.cfg, SetupLogger(o.cfg, cmd.ErrOrStderr()), o.SpecPath)
}

// =============================================================================
// deploy
// =============================================================================

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "deploy [section...]",
		Short: "Package and deploy sections",
		Long: `Package the buildable instruments of each section, render its template
and apply it. With no sections, every section is deployed concurrently.

--only limits packaging to the named instruments; the others reuse the
archive recorded by their last successful deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, rootOpts, args, only)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "instruments to rebuild (path, name or physical name)")
	return cmd
}

type deployRow struct {
	Section     string   `json:"section"`
	Target      string   `json:"target"`
	Outcome     string   `json:"outcome"`
	ChangeID    string   `json:"change_id,omitempty"`
	Deployment  string   `json:"deployment,omitempty"`
	TemplateURL string   `json:"template_url,omitempty"`
	Uploaded    []string `json:"uploaded,omitempty"`
}

func runDeploy(cmd *cobra.Command, opts *RootOptions, names, only []string) error {
	ctx := cmd.Context()
	app, err := opts.app(cmd)
	if err != nil {
		return err
	}
	sections, err := app.Sections(names)
	if err != nil {
		return err
	}
	ledger, err := app.OpenLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	orch, err := app.Orchestrator(ctx, ledger)
	if err != nil {
		return err
	}

	results, deployErr := orch.DeployAll(ctx, sections, orchestrator.Options{Only: only})

	rows := []deployRow{}
	for _, r := range results {
		if r == nil {
			continue
		}
		row := deployRow{
			Section:     r.Section.Path(),
			Target:      r.Target,
			Deployment:  r.DeploymentID,
			TemplateURL: r.TemplateURL,
		}
		if r.Result != nil {
			row.Outcome = string(r.Result.Outcome)
			row.ChangeID = r.Result.ChangeID
		}
		for name, a := range r.Artifacts {
			if a.Uploaded {
				row.Uploaded = append(row.Uploaded, name)
			}
		}
		slices.Sort(row.Uploaded)
		rows = append(rows, row)
	}

	err = write(cmd.OutOrStdout(), opts.Output, rows, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "SECTION\tTARGET\tOUTCOME\tCHANGE\tDEPLOYMENT")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Section, r.Target, r.Outcome, dash(r.ChangeID), r.Deployment)
		}
	})
	if err != nil {
		return err
	}

	if deployErr != nil {
		return &CommandError{Op: "deploy", Err: deployErr, ExitCode: ExitDeployError}
	}
	return nil
}

// =============================================================================
// render
// =============================================================================

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "render <section>",
		Short: "Package a section and print its template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.app(cmd)
			if err != nil {
				return err
			}
			sections, err := app.Sections(args)
			if err != nil {
				return err
			}
			ledger, err := app.OpenLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			orch, err := app.Orchestrator(cmd.Context(), ledger)
			if err != nil {
				return err
			}
			body, err := orch.Render(cmd.Context(), sections[0], orchestrator.Options{Only: only})
			if err != nil {
				return &CommandError{Op: "render", Err: err, ExitCode: ExitDeployError}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "instruments to rebuild (path, name or physical name)")
	return cmd
}

// =============================================================================
// list
// =============================================================================

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every instrument with its physical name and ARN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.app(cmd)
			if err != nil {
				return err
			}
			rows := app.model.List()
			return write(cmd.OutOrStdout(), rootOpts.Output, rows, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "PATH\tKIND\tPHYSICAL NAME\tARN\tWIRES")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Path, r.Kind, r.PhysicalName, r.ARN, dash(strings.Join(r.Wires, ", ")))
				}
			})
		},
	}
}

// =============================================================================
// history
// =============================================================================

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <section>",
		Short: "Show recorded deployments of a section, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.app(cmd)
			if err != nil {
				return err
			}
			sections, err := app.Sections(args)
			if err != nil {
				return err
			}
			ledger, err := app.OpenLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			target := app.model.StackName(sections[0])
			deployments, err := ledger.ListDeployments(cmd.Context(), target, store.ListOptions{Limit: limit})
			if err != nil {
				return &CommandError{Op: "history", Err: err, ExitCode: ExitLedgerError}
			}
			return write(cmd.OutOrStdout(), rootOpts.Output, deployments, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "STARTED\tOUTCOME\tCHANGE\tDEPLOYMENT\tERROR")
				for _, d := range deployments {
					outcome := string(d.Outcome)
					if !d.Finished() {
						outcome = "running"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.StartedAt.Local().Format(time.DateTime), outcome, dash(d.ChangeID), d.ID, dash(d.Error))
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListOptions().Limit, "maximum number of deployments")
	return cmd
}

// =============================================================================
// Output
// =============================================================================

// write renders v as indented JSON, or as a table through text.
func write(out io.Writer, format string, v any, text func(w *tabwriter.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(w)
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
