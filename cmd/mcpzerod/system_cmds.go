package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-zero/mcpzero/core/memtrace"
)

func systemCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "system", Short: "process status, resource gates, memory trace, and health"}

	status := &cobra.Command{
		Use:   "status",
		Short: "print the process's resolved settings and component counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(map[string]any{
				"host":          app.Settings.Host,
				"port":          app.Settings.Port,
				"mesh_enabled":  app.Settings.MeshEnabled,
				"agents":        len(app.Agents.List()),
				"plugins":       len(app.Plugins.List()),
				"agreements":    len(app.Agreements.All()),
				"catalog_items": len(app.Catalog.ListListings("")),
			})
			return nil
		},
	}

	var agentID string
	resources := &cobra.Command{
		Use:   "resources",
		Short: "print whether the C17 resource gate currently allows an agent to execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			available, err := app.Agents.ResourcesAvailable(agentID)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"agent_id": agentID, "resources_available": available})
			return nil
		},
	}
	resources.Flags().StringVar(&agentID, "agent-id", "", "agent id")

	var logsAgentID, substr string
	logs := &cobra.Command{
		Use:   "logs",
		Short: "search an agent's memory trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			var nodes []*memtrace.Node
			if substr != "" {
				nodes = app.Store.SearchMemories(substr)
			} else {
				nodes = app.Store.GetAgentMemories(logsAgentID)
			}
			out := make([]map[string]any, 0, len(nodes))
			for _, n := range nodes {
				out = append(out, map[string]any{
					"node_id": n.NodeID, "node_type": n.NodeType,
					"content": n.Content, "timestamp": n.Timestamp,
				})
			}
			printJSON(out)
			return nil
		},
	}
	logs.Flags().StringVar(&logsAgentID, "agent-id", "", "agent id")
	logs.Flags().StringVar(&substr, "search", "", "search memory trace content instead of listing one agent")

	health := &cobra.Command{
		Use:   "health",
		Short: "exit 0 if the process's core components are sound, 2 otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := true
			reasons := make([]string, 0)

			if _, err := app.OwnerKey.Sign("health_check", map[string]any{"ping": true}); err != nil {
				ok = false
				reasons = append(reasons, "signing key: "+err.Error())
			}
			if app.Agents == nil || app.Router == nil {
				ok = false
				reasons = append(reasons, "lifecycle service not wired")
			}

			printJSON(map[string]any{"healthy": ok, "reasons": reasons})
			if !ok {
				fmt.Fprintln(os.Stderr, "mcpzerod: health check failed")
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.AddCommand(status, resources, logs, health)
	return cmd
}
