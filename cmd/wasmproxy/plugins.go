package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/host/catalog"
	"github.com/wasmproxy/wasmproxy/infrastructure/parser"
)

var errNotInteractive = errors.New("confirmation required: pass --yes when not running on a terminal")

// newPluginCommands creates the plugin management commands
func newPluginCommands(a *app) []*cobra.Command {
	return []*cobra.Command{
		newListCommand(a),
		newInstallCommand(a),
		newRemoveCommand(a),
		newEnableCommand(a),
		newDisableCommand(a),
	}
}

func newListCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var plugins []entities.PluginStatus
			err := a.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				var err error
				plugins, err = cat.List(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), plugins)
			}
			return printPlugins(cmd.OutOrStdout(), plugins)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	return cmd
}

func printPlugins(w io.Writer, plugins []entities.PluginStatus) error {
	if len(plugins) == 0 {
		_, err := fmt.Fprintln(w, "No plugins installed.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tENABLED")
	for _, p := range plugins {
		enabled := "yes"
		if p.Disabled {
			enabled = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Version, enabled)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInstallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install <descriptor.yaml>",
		Short: "Install a plugin from its descriptor",
		Long: `Install a plugin described by a plugin.yaml file.

The descriptor's wasm artifact and themes are fetched from its repository
in the configured registry. An existing installation of the same name is
replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read descriptor: %w", err)
			}
			desc, err := parser.NewYamlDescriptorCodec().Parse(data)
			if err != nil {
				return fmt.Errorf("parse descriptor %s: %w", args[0], err)
			}

			err = a.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				return cat.Install(cmd.Context(), desc)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s %s\n", desc.Name, desc.Version)
			return nil
		},
	}
}

// newNameCommand builds a command that applies op to one plugin name.
func newNameCommand(a *app, use, short, done string, op func(*catalog.Catalog, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				return op(cat, cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		},
	}
}

func newRemoveCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <plugin-name>",
		Short: "Remove an installed plugin",
		Long: `Remove an installed plugin and delete its installation directory.

Asks for confirmation on a terminal; pass --yes when running non-interactively.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !yes {
				ok, err := a.confirm(fmt.Sprintf("Remove plugin %s and delete its files?", name))
				if err != nil {
					return fmt.Errorf("remove %s: %w", name, err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			err := a.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				return cat.Remove(cmd.Context(), name)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// confirm asks the user through the app's prompter. Without a terminal
// there is nobody to ask.
func (a *app) confirm(question string) (bool, error) {
	if a.prompter == nil || !a.prompter.IsInteractive() {
		return false, errNotInteractive
	}
	return a.prompter.Confirm(question)
}

func newEnableCommand(a *app) *cobra.Command {
	return newNameCommand(a, "enable", "Enable a plugin so that run starts it", "Enabled", (*catalog.Catalog).Enable)
}

func newDisableCommand(a *app) *cobra.Command {
	return newNameCommand(a, "disable", "Disable a plugin without removing it", "Disabled", (*catalog.Catalog).Disable)
}
