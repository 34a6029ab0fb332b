package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cursiveterminal/deployctl/pkg/config"
	"github.com/cursiveterminal/deployctl/pkg/engine"
	"github.com/cursiveterminal/deployctl/pkg/stores"
	"github.com/cursiveterminal/deployctl/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deploy",
		Aliases: []string{"deployment", "deployments"},
		Short:   "Create, run and inspect deployments",
		Long: `A deployment renders one script for a set of targets and runs it as one task
per target. Deployments are described in CUE manifests:

  deployment: {
      name:     "install-terminal"
      method:   "ssh"
      template: "install_terminal.sh"
      tags:     ["web"]
      variables: font_name: "Victor Mono"
      parallel_limit: 5
  }

Manifests are checked against the loaded policies before the deployment is
stored. A stored deployment runs once; create a new one to run it again.`,
	}

	cmd.AddCommand(newDeployCreateCommand())
	cmd.AddCommand(newDeployRunCommand())
	cmd.AddCommand(newDeployApplyCommand())
	cmd.AddCommand(newDeployStatusCommand())
	cmd.AddCommand(newDeployListCommand())
	cmd.AddCommand(newDeployEventsCommand())
	cmd.AddCommand(newDeployCancelCommand())
	cmd.AddCommand(newDeployDeleteCommand())

	return cmd
}

func newDeployCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <manifest.cue>",
		Short: "Create a pending deployment from a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				d, err := createFromManifest(cmd.Context(), a, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), d)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Created deployment %s (%s) with %d tasks\n", d.Name, d.ID, len(d.Tasks))
				fmt.Fprintf(cmd.OutOrStdout(), "\nRun it with: deployctl deploy run %s\n", d.ID)
				return nil
			})
		},
	}
}

func newDeployRunCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a pending deployment",
		Long: `Execute a pending deployment and wait for every task to finish.

Interrupting the command cancels the deployment: running tasks finish, tasks
not yet started are marked failed. The command exits non-zero unless every
task succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{serveMetrics: true, metricsAddr: metricsAddr}, func(a *app) error {
				d, err := runDeployment(cmd.Context(), cmd.OutOrStdout(), a, args[0])
				if err != nil {
					return err
				}
				return reportOutcome(cmd.OutOrStdout(), d)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func newDeployApplyCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "apply <manifest.cue>",
		Short: "Create a deployment from a manifest and run it",
		Example: `  deployctl deploy apply health.cue
  deployctl deploy apply rollout.cue --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{serveMetrics: true, metricsAddr: metricsAddr}, func(a *app) error {
				d, err := createFromManifest(cmd.Context(), a, args[0])
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s (%s): %d tasks, %d at a time\n\n",
						d.Name, d.ID, len(d.Tasks), d.ParallelLimit)
				}

				d, err = runDeployment(cmd.Context(), cmd.OutOrStdout(), a, d.ID)
				if err != nil {
					return err
				}
				return reportOutcome(cmd.OutOrStdout(), d)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

// createFromManifest parses a manifest, resolves its templates and targets and
// stores a pending deployment.
func createFromManifest(ctx context.Context, a *app, path string) (*engine.Deployment, error) {
	ctx, span := a.telemetry.Tracer.StartCommandSpan(ctx, "deploy.create")
	defer span.End()

	parser := a.manifestParser()
	m, err := parser.ParseFile(path)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, manifestError(err)
	}
	spec, err := parser.BuildSpec(ctx, m, a.templates, a.store, a.settings.Engine)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if missing := engine.MissingVariables(spec.ScriptTemplate, spec.Variables); len(missing) > 0 {
		log.Warn().Strs("variables", missing).Msg("Template placeholders have no binding and will be left verbatim")
	}

	d, err := a.orchestrator().CreateDeployment(ctx, spec)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return d, nil
}

// runDeployment executes a deployment, printing progress to w. Cancellation of
// ctx cancels the deployment instead of abandoning it mid-run.
func runDeployment(ctx context.Context, w io.Writer, a *app, id string) (*engine.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := a.telemetry.Tracer.StartCommandSpan(ctx, "deploy.run", attribute.String("deployment.id", id))
	defer span.End()
	logger := a.telemetry.Logger.NewComponentLogger("cli").WithDeploymentID(id)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger.Debug("Tracing deployment run as " + traceID)
	}

	orch := a.orchestrator()
	var cancelled atomic.Bool
	cancel := func() {
		if cancelled.Load() {
			return
		}
		err := orch.Cancel(context.WithoutCancel(ctx), id)
		switch {
		case err == nil:
			cancelled.Store(true)
			logger.Warn("Interrupted, waiting for running tasks to finish")
		case !engine.IsConflict(err):
			logger.WithError(err).Error("Failed to cancel deployment")
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	printer := progressPrinter(w)
	progress := func(event string, data map[string]interface{}) {
		// The interrupt may land before the run registered as active.
		if ctx.Err() != nil {
			cancel()
		}
		if !jsonOutput {
			printer(event, data)
		}
	}

	d, err := orch.Execute(context.WithoutCancel(ctx), id, progress)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if d.Status == engine.StatusSuccess {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("deployment %s", d.Status))
	}
	return d, nil
}

func progressPrinter(w io.Writer) engine.ProgressFunc {
	return func(event string, data map[string]interface{}) {
		target, _ := data["target"].(string)
		switch event {
		case engine.EventTaskStarted:
			fmt.Fprintf(w, "→ %s started\n", target)
		case engine.EventTaskCompleted:
			fmt.Fprintf(w, "✓ %s succeeded\n", target)
		case engine.EventTaskFailed:
			msg, _ := data["error"].(string)
			if code, ok := data["exit_code"]; ok && code != nil {
				fmt.Fprintf(w, "✗ %s failed (exit %v): %s\n", target, code, truncate(msg, 120))
			} else {
				fmt.Fprintf(w, "✗ %s failed: %s\n", target, truncate(msg, 120))
			}
		}
	}
}

// reportOutcome prints the final summary and turns anything short of full
// success into a non-zero exit.
func reportOutcome(w io.Writer, d *engine.Deployment) error {
	if jsonOutput {
		if err := printJSON(w, engine.StatusOf(d)); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "\nDeployment %s finished %s in %s: %d succeeded, %d failed\n",
			d.ID, strings.ToUpper(string(d.Status)), humanDuration(d.StartedAt, d.CompletedAt),
			d.SuccessCount, d.FailureCount)
	}

	if d.Status != engine.StatusSuccess {
		return fmt.Errorf("deployment %s finished %s", d.ID, d.Status)
	}
	return nil
}

func newDeployStatusCommand() *cobra.Command {
	var showOutput bool

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a deployment and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				status, err := a.orchestrator().GetDeploymentStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), status)
				}

				d, err := a.store.GetDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				printDeployment(cmd.OutOrStdout(), d, hostnames(ctx, a.store, d), showOutput)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showOutput, "output", false, "print captured task output and errors")
	return cmd
}

// hostnames maps target IDs to hostnames, skipping targets removed since the run.
func hostnames(ctx context.Context, store stores.Store, d *engine.Deployment) map[string]string {
	names := make(map[string]string, len(d.TargetIDs))
	for _, id := range d.TargetIDs {
		if t, err := store.GetTarget(ctx, id); err == nil {
			names[id] = t.Hostname
		}
	}
	return names
}

func printDeployment(w io.Writer, d *engine.Deployment, names map[string]string, showOutput bool) {
	fmt.Fprintf(w, "Deployment: %s (%s)\n", d.Name, d.ID)
	if d.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", d.Description)
	}
	fmt.Fprintf(w, "Status:     %s\n", d.Status)
	fmt.Fprintf(w, "Method:     %s\n", d.Method)
	fmt.Fprintf(w, "Tasks:      %d (%d succeeded, %d failed)\n", len(d.Tasks), d.SuccessCount, d.FailureCount)
	fmt.Fprintf(w, "Parallel:   %d, timeout %ds per task\n", d.ParallelLimit, d.TimeoutSeconds)
	fmt.Fprintf(w, "Created:    %s\n", humanize.Time(d.CreatedAt))
	fmt.Fprintf(w, "Duration:   %s\n\n", humanDuration(d.StartedAt, d.CompletedAt))

	tasks := append([]*engine.Task(nil), d.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		return targetName(names, tasks[i].TargetID) < targetName(names, tasks[j].TargetID)
	})

	fmt.Fprintf(w, "%-24s  %-10s  %-5s  %-10s  %s\n", "TARGET", "STATUS", "EXIT", "DURATION", "ERROR")
	for _, task := range tasks {
		fmt.Fprintf(w, "%-24s  %-10s  %-5s  %-10s  %s\n",
			truncate(targetName(names, task.TargetID), 24), task.Status, exitCodeString(task.ExitCode),
			humanDuration(task.StartedAt, task.CompletedAt), truncate(task.Error, 60))
	}

	if !showOutput {
		return
	}
	for _, task := range tasks {
		if task.Output == "" && task.Error == "" {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", targetName(names, task.TargetID))
		if task.Output != "" {
			fmt.Fprintln(w, strings.TrimRight(task.Output, "\n"))
		}
		if task.Error != "" {
			fmt.Fprintf(w, "[stderr] %s\n", strings.TrimRight(task.Error, "\n"))
		}
	}
}

func targetName(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func newDeployListCommand() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.DeploymentFilter{Status: engine.Status(status), Limit: limit, Offset: offset}
			if status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				deployments, err := a.store.ListDeployments(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					summaries := make([]engine.DeploymentSummary, 0, len(deployments))
					for _, d := range deployments {
						summaries = append(summaries, engine.StatusOf(d).Deployment)
					}
					return printJSON(cmd.OutOrStdout(), summaries)
				}

				out := cmd.OutOrStdout()
				if len(deployments) == 0 {
					fmt.Fprintln(out, "No deployments")
					return nil
				}
				fmt.Fprintf(out, "%-36s  %-24s  %-12s  %-15s  %-7s  %s\n", "ID", "NAME", "METHOD", "STATUS", "OK/ALL", "CREATED")
				for _, d := range deployments {
					fmt.Fprintf(out, "%-36s  %-24s  %-12s  %-15s  %-7s  %s\n",
						d.ID, truncate(d.Name, 24), d.Method, d.Status,
						fmt.Sprintf("%d/%d", d.SuccessCount, len(d.Tasks)), humanize.Time(d.CreatedAt))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only deployments in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many deployments")
	return cmd
}

func newDeployEventsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the recorded progress events of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.store.GetDeployment(ctx, args[0]); err != nil {
					return err
				}
				events, err := a.store.ListEvents(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), events)
				}

				out := cmd.OutOrStdout()
				for _, ev := range events {
					target, _ := ev.Data["target"].(string)
					line := fmt.Sprintf("%s  %-15s  %s", ev.Timestamp.Format("15:04:05.000"), ev.Type, target)
					if msg, _ := ev.Data["error"].(string); msg != "" {
						line += "  " + truncate(msg, 80)
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many events")
	return cmd
}

func newDeployCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending deployment",
		Long: `Cancel a deployment that has not started; its tasks are marked failed and it
can no longer be run. A deployment that is running is cancelled by
interrupting the deploy run or deploy apply command driving it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				if err := a.orchestrator().Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Cancelled deployment %s\n", args[0])
				return nil
			})
		},
	}
}

func newDeployDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a finished deployment with its tasks and events",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				d, err := a.store.GetDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				if d.Status.IsActive() {
					return engine.NewConflictError("cannot delete an active deployment", nil).
						WithResource(d.ID).
						WithOperation("delete")
				}
				if err := a.store.DeleteDeployment(ctx, d.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted deployment %s\n", d.ID)
				return nil
			})
		},
	}
}

// manifestError formats every problem in a manifest error on its own line.
func manifestError(err error) error {
	var merr *config.ManifestError
	if !errors.As(err, &merr) || len(merr.Errors) < 2 {
		return err
	}
	lines := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		lines = append(lines, "  "+e.String())
	}
	return fmt.Errorf("invalid manifest:\n%s", strings.Join(lines, "\n"))
}
