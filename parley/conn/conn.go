package conn

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/relaybox/parley/cli"
	"github.com/go-appsec/relaybox/parley/cliutil"
	"github.com/go-appsec/relaybox/parley/protocol"
)

func list(w io.Writer, flags *cli.ClientFlags, includeLogs bool) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.ConnList(ctx, includeLogs)
	if err != nil {
		return fmt.Errorf("conn list failed: %w", err)
	}

	printConnTable(w, resp.Active)
	if includeLogs {
		_, _ = fmt.Fprintln(w)
		printLogTable(w, resp.Logs)
	}
	return nil
}

func printConnTable(w io.Writer, conns []protocol.ConnEntry) {
	if len(conns) == 0 {
		cliutil.NoResults(w, "No active connections.")
		return
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Conn ID", "Client", "Server", "State", "C>S Msgs", "C>S Bytes", "S>C Msgs", "S>C Bytes", "Age"})
	t.SetRowPainter(cliutil.DimRowPainter(w, 3, func(v any) bool { return v != "relaying" })) // state is column index 3
	for _, c := range conns {
		t.AppendRow(table.Row{
			c.ConnID, c.Client, c.Server, c.State,
			c.ClientMessages, c.ClientBytes, c.ServerMessages, c.ServerBytes,
			time.Since(c.Started).Round(time.Second),
		})
	}
	t.Render()
	cliutil.Summary(w, len(conns), "active connection", "active connections")
	cliutil.HintCommand(w, "To read a log", "parley conn log "+conns[0].ConnID)
}

func printLogTable(w io.Writer, logs []protocol.LogEntry) {
	if len(logs) == 0 {
		cliutil.NoResults(w, "No stored connection logs.")
		return
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Conn ID", "Size", "Archived", "Modified"})
	for _, l := range logs {
		archived := ""
		if l.Archived {
			archived = "yes"
		}
		t.AppendRow(table.Row{l.ConnID, l.Size, archived, l.Modified.Local().Format(time.DateTime)})
	}
	t.Render()
	cliutil.Summary(w, len(logs), "log", "logs")
}

func printLog(w io.Writer, flags *cli.ClientFlags, connID string, tail int) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.ConnLog(ctx, connID, tail)
	if err != nil {
		return fmt.Errorf("conn log failed: %w", err)
	}

	_, _ = io.WriteString(w, resp.Text)
	if resp.Text != "" && !strings.HasSuffix(resp.Text, "\n") {
		_, _ = io.WriteString(w, "\n")
	}
	return nil
}

func status(w io.Writer, flags *cli.ClientFlags) error {
	ctx, client, done, err := flags.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}

	t := cliutil.NewTable(w)
	t.AppendRows([]table.Row{
		{"Version", resp.Version},
		{"Listen", resp.Listen},
		{"Upstream", resp.Upstream},
		{"Client TLS", resp.ClientTLS},
		{"Upstream TLS", resp.UpstreamTLS},
		{"Active connections", resp.ActiveConns},
		{"Plugins (client)", resp.PluginsClient},
		{"Plugins (server)", resp.PluginsServer},
		{"Plugins enabled", resp.EnabledPlugins},
		{"Uptime", resp.Uptime},
	})
	t.Render()
	return nil
}
