package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cursiveterminal/deployctl/pkg/engine"
	"github.com/cursiveterminal/deployctl/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Inspect deployment policies",
		Long: `Policies are Rego modules evaluated against every deployment before it is
stored. Built-in policies are always loaded; custom policies are read from the
policies directory (*.rego or *.json).

Violations of error or critical severity block the deployment. Warnings and
info are reported only.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				policies := a.policies.ListPolicies()
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), policies)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-24s  %-9s  %-8s  %s\n", "NAME", "SEVERITY", "SOURCE", "DESCRIPTION")
				for _, p := range policies {
					source := "builtin"
					if !p.Builtin {
						source = "custom"
					}
					name := p.Name
					if !p.Enabled {
						name += " (off)"
					}
					fmt.Fprintf(out, "%-24s  %-9s  %-8s  %s\n", name, p.Severity, source, truncate(p.Description, 60))
				}
				return nil
			})
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a policy's Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				p, err := a.policies.GetPolicy(args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), p)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "# %s (%s)\n", p.Name, p.Severity)
				if p.Source != "" {
					fmt.Fprintf(out, "# source: %s\n", p.Source)
				}
				fmt.Fprintln(out, p.Rego)
				return nil
			})
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "check <manifest.cue>",
		Short: "Evaluate policies against a manifest without creating a deployment",
		Long: `Evaluate policies against a manifest without creating a deployment.

With --watch the check is repeated whenever the manifest, a template or a
custom policy changes, until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				if watch {
					return watchPolicyCheck(cmd.Context(), cmd.OutOrStdout(), a, args[0])
				}
				result, name, err := checkManifest(cmd.Context(), cmd.OutOrStdout(), a, args[0])
				if err != nil {
					return err
				}
				if !result.Allowed {
					return fmt.Errorf("deployment %s denied by %d policy violation(s)", name, len(result.Violations))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-check whenever the manifest, templates or policies change")
	return cmd
}

// checkManifest builds the deployment a manifest describes and prints the
// policy result for it.
func checkManifest(ctx context.Context, w io.Writer, a *app, path string) (*policy.Result, string, error) {
	parser := a.manifestParser()
	m, err := parser.ParseFile(path)
	if err != nil {
		return nil, "", manifestError(err)
	}
	spec, err := parser.BuildSpec(ctx, m, a.templates, a.store, a.settings.Engine)
	if err != nil {
		return nil, "", err
	}

	d, targets, err := previewDeployment(ctx, a.store, spec)
	if err != nil {
		return nil, "", err
	}
	result := a.policies.Evaluate(ctx, d, targets)
	if jsonOutput {
		err = printJSON(w, result)
	} else {
		printPolicyResult(w, result)
	}
	return result, d.Name, err
}

func watchPolicyCheck(ctx context.Context, w io.Writer, a *app, path string) error {
	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	if dir := a.settings.PoliciesPath(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create policies directory: %w", err)
		}
		if err := a.policies.Watch(ctx, []string{dir}, notify); err != nil {
			return err
		}
	}
	if err := a.templates.Watch(ctx, func([]string) { notify() }); err != nil {
		return err
	}

	manifest, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch manifest: %w", err)
	}
	defer manifest.Close()
	// Editors replace files on save, so watch the directory.
	if err := manifest.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch manifest: %w", err)
	}

	for {
		if !jsonOutput {
			fmt.Fprintf(w, "--- %s %s\n", path, time.Now().Format("15:04:05"))
		}
		if _, _, err := checkManifest(ctx, w, a, path); err != nil {
			fmt.Fprintf(w, "✗ %v\n", err)
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				break wait
			case ev := <-manifest.Events:
				if filepath.Clean(ev.Name) == filepath.Clean(path) && !ev.Has(fsnotify.Chmod) {
					// Let the write settle before re-reading.
					time.Sleep(100 * time.Millisecond)
					break wait
				}
			case err := <-manifest.Errors:
				log.Warn().Err(err).Msg("Manifest watcher error")
			}
		}
	}
}

// previewDeployment builds the deployment CreateDeployment would store, without
// storing it.
func previewDeployment(ctx context.Context, registry engine.Registry, spec engine.DeploymentSpec) (*engine.Deployment, []*engine.Target, error) {
	d := &engine.Deployment{
		ID:             "preview",
		Name:           spec.Name,
		Description:    spec.Description,
		TargetIDs:      spec.TargetIDs,
		Method:         spec.Method,
		ScriptTemplate: spec.ScriptTemplate,
		Variables:      spec.Variables,
		Status:         engine.StatusPending,
		TimeoutSeconds: spec.TimeoutSeconds,
		ParallelLimit:  spec.ParallelLimit,
	}

	targets := make([]*engine.Target, 0, len(spec.TargetIDs))
	script := engine.Render(spec.ScriptTemplate, spec.Variables)
	for _, id := range spec.TargetIDs {
		t, err := registry.GetTarget(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, t)
		d.Tasks = append(d.Tasks, &engine.Task{
			ID:           "preview-" + id,
			TargetID:     id,
			DeploymentID: d.ID,
			Method:       spec.Method,
			Script:       script,
			Status:       engine.StatusPending,
		})
	}
	return d, targets, nil
}

func printPolicyResult(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		line := fmt.Sprintf("✗ [%s] %s", v.Policy, v.Message)
		if v.Target != "" {
			line += " (target " + v.Target + ")"
		}
		fmt.Fprintln(w, line)
		if v.Remediation != "" {
			fmt.Fprintf(w, "    fix: %s\n", v.Remediation)
		}
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "! [%s] %s\n", v.Policy, v.Message)
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(w, "? %s\n", msg)
	}

	if result.Allowed {
		fmt.Fprintf(w, "✓ Allowed by %d policies\n", len(result.EvaluatedPolicies))
	}
}
