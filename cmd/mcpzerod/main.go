// Command mcpzerod is the MCP-ZERO composition root: it wires every core
// package into one process and exposes the CLI command subset from spec
// §6 (agent spawn|list, agent-ops attach|execute|snapshot|recover|status,
// plugin register|list|info, system status|resources|logs|health).
// Grounded on the teacher's cmd/synnergy/main.go root-command-plus-
// AddCommand shape and cmd/cli/*.go's one-file-per-concern split.
package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mcp-zero/mcpzero/core/agent"
	"github.com/mcp-zero/mcpzero/core/agreement"
	"github.com/mcp-zero/mcpzero/core/chainproto"
	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/core/executor"
	"github.com/mcp-zero/mcpzero/core/marketplace"
	"github.com/mcp-zero/mcpzero/core/memtrace"
	"github.com/mcp-zero/mcpzero/core/plugin"
	"github.com/mcp-zero/mcpzero/core/revenue"
	"github.com/mcp-zero/mcpzero/core/rpc"
	"github.com/mcp-zero/mcpzero/core/usage"
	"github.com/mcp-zero/mcpzero/core/wallet"
	"github.com/mcp-zero/mcpzero/internal/settings"
)

// App is the single-process wiring of every core component. State is
// in-memory for the lifetime of the process; no SQL driver is wired (see
// DESIGN.md), matching every lower-level package's own in-memory store.
type App struct {
	Settings settings.Settings

	Plugins    *plugin.Registry
	Store      *memtrace.Store
	Chain      *chainproto.Chain
	Ledger     *wallet.Ledger
	Usage      *usage.Tracker
	Revenue    *revenue.Splitter
	Agreements *agreement.Engine
	Catalog    *marketplace.Catalog
	Agents     *agent.Service
	Router     *rpc.Router
	PluginHost *agent.WasmHost
	OwnerKey   *crypto.KeyPair
	AdminArch  *agreement.FileArchiver
}

func newApp() (*App, error) {
	cfg := settings.FromEnv()

	ownerKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate admin keypair: %w", err)
	}

	store := memtrace.New(nil, true)
	chain := chainproto.New(store)
	plugins := plugin.New()
	ledger := wallet.New()
	tracker := usage.New()
	splitter := revenue.New()
	agreements := agreement.New()
	catalog := marketplace.New()
	host := agent.NewWasmHost()
	agents := agent.New(plugins, chain, store, host)

	return &App{
		Settings:   cfg,
		Plugins:    plugins,
		Store:      store,
		Chain:      chain,
		Ledger:     ledger,
		Usage:      tracker,
		Revenue:    splitter,
		Agreements: agreements,
		Catalog:    catalog,
		Agents:     agents,
		Router:     rpc.New(agents),
		PluginHost: host,
		OwnerKey:   ownerKey,
		AdminArch:  &agreement.FileArchiver{Engine: agreements, Dir: "./archives"},
	}, nil
}

// sign is the CLI's own signing shortcut: every lifecycle mutation is
// authenticated per §4.14, and since this process is both the operator's
// terminal and the service, it signs with its own freshly generated key.
func (app *App) sign(operation string, payload any) (string, error) {
	return app.OwnerKey.Sign(operation, payload)
}

func (app *App) ownerPub() ed25519.PublicKey {
	return app.OwnerKey.Public
}

func (app *App) executor() *executor.Executor {
	return executor.New(app.Agreements, app.Usage, app.Ledger, app.Usage, app.AdminArch)
}

func main() {
	app, err := newApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcpzerod: "+err.Error())
		os.Exit(1)
	}

	root := &cobra.Command{Use: "mcpzerod"}
	root.AddCommand(agentCmd(app))
	root.AddCommand(agentOpsCmd(app))
	root.AddCommand(pluginCmd(app))
	root.AddCommand(systemCmd(app))

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("mcpzerod: command failed")
		os.Exit(1)
	}
}
