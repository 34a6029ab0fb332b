package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cursiveterminal/deployctl/pkg/engine"
	"github.com/cursiveterminal/deployctl/pkg/stores"
)

func newTargetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "target",
		Aliases: []string{"targets"},
		Short:   "Manage the target registry",
		Long: `Register the machines deployments run against.

A target has a hostname, an address for remote methods, optional login
credentials and free-form tags used to select it in manifests.

Credential references:
  <path> or file:<path>   private key file
  keyring:<service>       secret in the OS keyring under (service, user)
  env:<VAR>               secret in an environment variable
  agent                   keys offered by the SSH agent`,
	}

	cmd.AddCommand(newTargetAddCommand())
	cmd.AddCommand(newTargetListCommand())
	cmd.AddCommand(newTargetShowCommand())
	cmd.AddCommand(newTargetRemoveCommand())
	cmd.AddCommand(newTargetTagCommand())
	cmd.AddCommand(newTargetImportCommand())
	cmd.AddCommand(newTargetExportCommand())

	return cmd
}

func newTargetAddCommand() *cobra.Command {
	var (
		target     engine.Target
		user       string
		credential string
		port       int
		tags       []string
		meta       []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a target",
		Example: `  # A remote host reached with the deploy key
  deployctl target add --hostname web-1 --address 10.0.0.11 --user deploy \
      --credential ~/.deployctl/keys/id_ed25519 --tag web --tag prod

  # The local machine, for local_script deployments
  deployctl target add --id localhost --hostname localhost`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user != "" {
				target.Auth = &engine.AuthRef{Principal: user, CredentialRef: credential, Port: port}
			} else if credential != "" || port != 0 {
				return fmt.Errorf("--credential and --port require --user")
			}
			target.Tags = tags
			if len(meta) > 0 {
				m, err := parseKeyValues(meta)
				if err != nil {
					return err
				}
				target.Metadata = m
			}

			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				if err := a.store.AddTarget(cmd.Context(), &target); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), &target)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Added target %s (%s)\n", target.Hostname, target.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&target.ID, "id", "", "target ID (default: generated)")
	f.StringVar(&target.Hostname, "hostname", "", "display hostname")
	f.StringVar(&target.Address, "address", "", "network address for remote methods (default: hostname)")
	f.StringVar(&target.OSType, "os", "linux", "operating system family")
	f.StringVar(&target.Architecture, "arch", "", "CPU architecture")
	f.StringVar(&user, "user", "", "remote login user")
	f.StringVar(&credential, "credential", "", "credential reference")
	f.IntVar(&port, "port", 0, "remote shell port (default: 22)")
	f.StringSliceVarP(&tags, "tag", "t", nil, "tag (repeatable)")
	f.StringSliceVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("hostname")

	return cmd
}

func newTargetListCommand() *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets, optionally those carrying any of the given tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				targets, err := a.store.ListTargetsByTags(cmd.Context(), tags)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), targets)
				}
				printTargets(cmd.OutOrStdout(), targets)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "select targets with any of these tags")
	return cmd
}

func printTargets(w io.Writer, targets []*engine.Target) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "No targets registered")
		return
	}
	fmt.Fprintf(w, "%-36s  %-20s  %-16s  %-8s  %-10s  %s\n", "ID", "HOSTNAME", "ADDRESS", "OS", "USER", "TAGS")
	for _, t := range targets {
		user := "-"
		if t.Auth != nil && t.Auth.Principal != "" {
			user = t.Auth.Principal
		}
		fmt.Fprintf(w, "%-36s  %-20s  %-16s  %-8s  %-10s  %s\n",
			t.ID, truncate(t.Hostname, 20), truncate(t.Address, 16), t.OSType, user, strings.Join(t.Tags, ","))
	}
}

func newTargetShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				target, err := a.store.GetTarget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), target)
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(target); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func newTargetRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove targets; past deployments keep their tasks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				for _, id := range args {
					if err := a.store.RemoveTarget(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed target %s\n", id)
				}
				return nil
			})
		},
	}
}

func newTargetTagCommand() *cobra.Command {
	var add, remove []string

	cmd := &cobra.Command{
		Use:   "tag <id>",
		Short: "Add or remove tags on a target",
		Example: `  deployctl target tag web-1 --add canary --remove prod`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(add) == 0 && len(remove) == 0 {
				return fmt.Errorf("nothing to do: pass --add or --remove")
			}
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				target, err := a.store.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}

				drop := make(map[string]bool, len(remove))
				for _, tag := range remove {
					drop[tag] = true
				}
				tags := make([]string, 0, len(target.Tags)+len(add))
				for _, tag := range target.Tags {
					if !drop[tag] {
						tags = append(tags, tag)
					}
				}
				tags = append(tags, add...)

				updated, err := a.store.UpdateTarget(ctx, target.ID, stores.TargetUpdate{Tags: tags})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), updated)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s tags: %s\n", updated.ID, strings.Join(updated.Tags, ","))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&add, "add", nil, "tags to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "tags to remove")
	return cmd
}

func newTargetImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <inventory.yaml|->",
		Short: "Add or update targets from a YAML inventory",
		Long: `Import targets from a YAML inventory. Entries match existing targets by id,
or by hostname when no id is given; matches are updated, the rest are added.

  version: 1
  targets:
    - hostname: web-1
      address: 10.0.0.11
      auth: {principal: deploy, credential_ref: "keyring:deployctl"}
      tags: [web, prod]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open inventory: %w", err)
				}
				defer f.Close()
				r = f
			}

			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				result, err := stores.ImportInventory(cmd.Context(), a.store, r)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported inventory: %d added, %d updated\n", result.Added, result.Updated)
				return nil
			})
		},
	}
}

func newTargetExportCommand() *cobra.Command {
	var (
		tags   []string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write targets as a YAML inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", output, err)
					}
					defer f.Close()
					w = f
				}
				return stores.ExportInventory(cmd.Context(), a.store, w, tags)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "export only targets with any of these tags")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}
