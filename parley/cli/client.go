package cli

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/relaybox/parley/mcpclient"
)

// ClientFlags are the connection flags shared by commands that talk to a
// running parley over MCP.
type ClientFlags struct {
	MCPURL     string
	ConfigPath string
	Timeout    time.Duration
}

// Register adds the connection flags to fs.
func (f *ClientFlags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.MCPURL, "mcp-url", "", "MCP endpoint (default: from config mcp_port)")
	fs.StringVar(&f.ConfigPath, "config", "", "config file used to find the MCP port (default: ~/.parley/config.json)")
	fs.DurationVar(&f.Timeout, "timeout", 30*time.Second, "client-side timeout")
}

// Connect opens an MCP client. The returned cancel releases the timeout context.
func (f *ClientFlags) Connect() (context.Context, *mcpclient.Client, context.CancelFunc, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	client, err := mcpclient.New(ctx, mcpclient.ResolveURL(f.MCPURL, f.ConfigPath))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, client, func() {
		_ = client.Close()
		cancel()
	}, nil
}
