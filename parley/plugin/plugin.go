package plugin

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/relaybox/parley/cli"
	"github.com/go-appsec/relaybox/parley/cliutil"
	"github.com/go-appsec/relaybox/parley/protocol"
)

func list(w io.Writer, flags *cli.ClientFlags, direction string) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.PluginList(ctx, direction)
	if err != nil {
		return fmt.Errorf("plugin list failed: %w", err)
	}

	printPluginTable(w, resp.Plugins)
	return nil
}

func toggle(w io.Writer, flags *cli.ClientFlags, name, direction string, enable bool) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	var resp *protocol.PluginToggleResponse
	if enable {
		resp, err = client.PluginEnable(ctx, name, direction)
	} else {
		resp, err = client.PluginDisable(ctx, name, direction)
	}
	if err != nil {
		return fmt.Errorf("plugin toggle failed: %w", err)
	}

	state := "disabled"
	if resp.Enabled {
		state = "enabled"
	}
	_, _ = fmt.Fprintf(w, "Plugin %s %s (%s)\n", resp.Name, state, resp.Direction)
	return nil
}

func reload(w io.Writer, flags *cli.ClientFlags) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.PluginReload(ctx)
	if err != nil {
		return fmt.Errorf("plugin reload failed: %w", err)
	}

	printPluginTable(w, resp.Plugins)
	return nil
}

func printPluginTable(w io.Writer, plugins []protocol.PluginEntry) {
	if len(plugins) == 0 {
		cliutil.NoResults(w, "No plugins found.")
		cliutil.HintCommand(w, "Add plugin files, then run", "parley plugin reload")
		return
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Direction", "Order", "Name", "Role", "Enabled", "Description"})
	t.SetRowPainter(cliutil.DimRowPainter(w, 4, func(v any) bool { return v == "no" })) // enabled is column index 4
	for _, p := range plugins {
		enabled := "no"
		if p.Enabled {
			enabled = "yes"
		}
		t.AppendRow(table.Row{p.Direction, p.Order, p.Name, p.Role, enabled, p.Description})
	}
	t.Render()
	cliutil.Summary(w, len(plugins), "plugin", "plugins")
}
