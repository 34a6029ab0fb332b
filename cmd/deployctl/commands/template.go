package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Manage script templates",
		Long: `Script templates are shell scripts with ${name} placeholders, stored as
files in the templates directory. Unbound placeholders are left verbatim.`,
	}

	cmd.AddCommand(newTemplateListCommand())
	cmd.AddCommand(newTemplateShowCommand())
	cmd.AddCommand(newTemplateRenderCommand())
	cmd.AddCommand(newTemplateAddCommand())
	cmd.AddCommand(newTemplateRemoveCommand())

	return cmd
}

func newTemplateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				names, err := a.templates.List()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), names)
				}
				out := cmd.OutOrStdout()
				if len(names) == 0 {
					fmt.Fprintf(out, "No templates in %s\n", a.templates.Dir())
					return nil
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			})
		},
	}
}

func newTemplateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a template and the variables it expects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				content, err := a.templates.Get(args[0])
				if err != nil {
					return err
				}
				vars := engine.MissingVariables(content, nil)
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{
						"name":      args[0],
						"variables": vars,
						"content":   content,
					})
				}
				out := cmd.OutOrStdout()
				if len(vars) > 0 {
					fmt.Fprintf(out, "# variables: %s\n", strings.Join(vars, ", "))
				}
				fmt.Fprint(out, content)
				return nil
			})
		},
	}
}

func newTemplateRenderCommand() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "render <name>",
		Short: "Render a template with variables",
		Example: `  deployctl template render install_terminal.sh --var font_name="Victor Mono"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound, err := parseKeyValues(vars)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				content, err := a.templates.Get(args[0])
				if err != nil {
					return err
				}
				if missing := engine.MissingVariables(content, bound); len(missing) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: unbound variables left verbatim: %s\n", strings.Join(missing, ", "))
				}
				fmt.Fprint(cmd.OutOrStdout(), engine.Render(content, bound))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable key=value (repeatable)")
	return cmd
}

func newTemplateAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <file|->",
		Short: "Add or replace a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open template: %w", err)
				}
				defer f.Close()
				r = f
			}
			content, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}

			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				if err := a.templates.Put(args[0], string(content)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved template %s\n", args[0])
				return nil
			})
		},
	}
}

func newTemplateRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a template",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				if err := a.templates.Remove(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed template %s\n", args[0])
				return nil
			})
		},
	}
}
