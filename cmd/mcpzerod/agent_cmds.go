package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-zero/mcpzero/core/agent"
)

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

func agentCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "spawn and list agent identities"}

	var name string
	var cpuCeiling, memCeilingMB float64
	spawn := &cobra.Command{
		Use:   "spawn",
		Short: "allocate a new agent identity under the resource ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := agent.SpawnRequest{Name: name, Constraints: agent.Constraints{
				CPUCeiling: cpuCeiling, MemoryCeilingMB: memCeilingMB,
			}}
			sig, err := app.sign("spawn", req)
			if err != nil {
				return err
			}
			a, err := app.Agents.Spawn(req, app.ownerPub(), sig)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"agent_id": a.AgentID, "status": a.Status})
			return nil
		},
	}
	spawn.Flags().StringVar(&name, "name", "", "agent name")
	spawn.Flags().Float64Var(&cpuCeiling, "cpu-ceiling", 0, "requested cpu ceiling (fraction, clamped to 0.27)")
	spawn.Flags().Float64Var(&memCeilingMB, "memory-ceiling-mb", 0, "requested memory ceiling in MB (clamped to 827)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list known agent identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]map[string]any, 0)
			for _, a := range app.Agents.List() {
				out = append(out, map[string]any{
					"agent_id": a.AgentID, "name": a.Name,
					"status": a.CurrentStatus(), "plugins": a.Plugins(),
				})
			}
			printJSON(out)
			return nil
		},
	}

	cmd.AddCommand(spawn, list)
	return cmd
}

func agentOpsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "agent-ops", Short: "attach, execute, snapshot, recover, and inspect agents"}

	var agentID, pluginID string
	attach := &cobra.Command{
		Use:   "attach",
		Short: "attach a registered plugin to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := agent.AttachPluginRequest{AgentID: agentID, PluginID: pluginID}
			sig, err := app.sign("attach_plugin", req)
			if err != nil {
				return err
			}
			if err := app.Agents.AttachPlugin(req, sig); err != nil {
				return err
			}
			printJSON(map[string]any{"ok": true})
			return nil
		},
	}
	attach.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	attach.Flags().StringVar(&pluginID, "plugin-id", "", "plugin id")

	var intent string
	var timeoutSeconds int
	execute := &cobra.Command{
		Use:   "execute",
		Short: "execute an intent against an attached plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := agent.ExecuteRequest{AgentID: agentID, Intent: intent, Inputs: map[string]any{}}
			sig, err := app.sign("execute", req)
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			result, err := app.Agents.Execute(ctx, req, sig)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"call_id": result.CallID, "output": result.Output})
			return nil
		},
	}
	execute.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	execute.Flags().StringVar(&intent, "intent", "", "intent to execute")
	execute.Flags().IntVar(&timeoutSeconds, "timeout", 10, "timeout in seconds")

	var reason string
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "take a content-addressed snapshot of an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"agent_id": agentID, "reason": reason}
			sig, err := app.sign("snapshot", payload)
			if err != nil {
				return err
			}
			snap, err := app.Agents.Snapshot(agentID, reason, sig)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"snapshot_id": snap.SnapshotID, "hash": snap.Hash})
			return nil
		},
	}
	snapshot.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	snapshot.Flags().StringVar(&reason, "reason", "", "reason for the snapshot")

	var snapshotID string
	recover := &cobra.Command{
		Use:   "recover",
		Short: "reconstruct an agent identity from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"snapshot_id": snapshotID}
			sig, err := app.sign("recover", payload)
			if err != nil {
				return err
			}
			a, err := app.Agents.Recover(snapshotID, app.ownerPub(), sig)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"agent_id": a.AgentID, "name": a.Name, "plugins": a.Plugins()})
			return nil
		},
	}
	recover.Flags().StringVar(&snapshotID, "snapshot-id", "", "snapshot id")

	status := &cobra.Command{
		Use:   "status",
		Short: "print an agent's current lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Agents.Get(agentID)
			if err != nil {
				return err
			}
			available, _ := app.Agents.ResourcesAvailable(agentID)
			printJSON(map[string]any{
				"agent_id": a.AgentID, "status": a.CurrentStatus(),
				"plugins": a.Plugins(), "resources_available": available,
			})
			return nil
		},
	}
	status.Flags().StringVar(&agentID, "agent-id", "", "agent id")

	pause := &cobra.Command{
		Use:   "pause",
		Short: "pause an active agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := app.sign("pause", map[string]any{"agent_id": agentID})
			if err != nil {
				return err
			}
			if err := app.Agents.Pause(agentID, sig); err != nil {
				return err
			}
			printJSON(map[string]any{"ok": true})
			return nil
		},
	}
	pause.Flags().StringVar(&agentID, "agent-id", "", "agent id")

	resume := &cobra.Command{
		Use:   "resume",
		Short: "resume a paused agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := app.sign("resume", map[string]any{"agent_id": agentID})
			if err != nil {
				return err
			}
			if err := app.Agents.Resume(agentID, sig); err != nil {
				return err
			}
			printJSON(map[string]any{"ok": true})
			return nil
		},
	}
	resume.Flags().StringVar(&agentID, "agent-id", "", "agent id")

	terminate := &cobra.Command{
		Use:   "terminate",
		Short: "irreversibly terminate an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := app.sign("terminate", map[string]any{"agent_id": agentID, "reason": reason})
			if err != nil {
				return err
			}
			if err := app.Agents.Terminate(agentID, reason, sig); err != nil {
				return err
			}
			printJSON(map[string]any{"ok": true})
			return nil
		},
	}
	terminate.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	terminate.Flags().StringVar(&reason, "reason", "", "reason for termination")

	cmd.AddCommand(attach, execute, snapshot, recover, status, pause, resume, terminate)
	return cmd
}
