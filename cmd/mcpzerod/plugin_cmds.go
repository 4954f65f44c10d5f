package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-zero/mcpzero/core/plugin"
)

func pluginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "plugin", Short: "register and inspect plugins"}

	var name, version, hash, codePath string
	var capabilities []string
	var cpu, memoryMB float64
	register := &cobra.Command{
		Use:   "register",
		Short: "register a plugin descriptor, optionally loading WASM bytecode",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := app.Plugins.Register(name, version, hash, capabilities, plugin.ResourceLimits{
				CPU: cpu, MemoryMB: memoryMB,
			})
			if codePath != "" {
				code, err := os.ReadFile(codePath)
				if err != nil {
					return err
				}
				if err := app.PluginHost.LoadModule(d.PluginID, code); err != nil {
					return err
				}
			}
			printJSON(map[string]any{"plugin_id": d.PluginID, "name": d.Name, "version": d.Version})
			return nil
		},
	}
	register.Flags().StringVar(&name, "name", "", "plugin name")
	register.Flags().StringVar(&version, "version", "", "plugin version")
	register.Flags().StringVar(&hash, "hash", "", "plugin content hash")
	register.Flags().StringSliceVar(&capabilities, "capability", nil, "declared capability (repeatable)")
	register.Flags().Float64Var(&cpu, "cpu", 0, "declared cpu limit (fraction)")
	register.Flags().Float64Var(&memoryMB, "memory-mb", 0, "declared memory limit in MB")
	register.Flags().StringVar(&codePath, "code", "", "path to a compiled WASM module (optional)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]map[string]any, 0)
			for _, d := range app.Plugins.List() {
				out = append(out, map[string]any{
					"plugin_id": d.PluginID, "name": d.Name, "version": d.Version,
					"capabilities": d.Capabilities,
				})
			}
			printJSON(out)
			return nil
		},
	}

	var pluginID string
	info := &cobra.Command{
		Use:   "info",
		Short: "print a registered plugin's descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := app.Plugins.Get(pluginID)
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		},
	}
	info.Flags().StringVar(&pluginID, "plugin-id", "", "plugin id")

	cmd.AddCommand(register, list, info)
	return cmd
}
