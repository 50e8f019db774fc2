package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/relaybox/parley/cli"
	"github.com/go-appsec/relaybox/parley/config"
	"github.com/go-appsec/relaybox/parley/conn"
	"github.com/go-appsec/relaybox/parley/plugin"
	"github.com/go-appsec/relaybox/parley/service"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "plugin":
		err = plugin.Parse(args[1:])
	case "conn":
		err = conn.Parse(args[1:])
	case "status":
		err = conn.ParseStatus(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("parley version %s (%s)\n", config.Version, config.RevNum)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		validCommands := []string{"serve", "plugin", "conn", "status", "version", "help"}
		err = cli.UnknownCommandError(args[0], validCommands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) int {
	flags, err := service.ParseServeFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	} else if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error parsing serve flags: %v\n", err)
		return 1
	}

	if srv, err := service.NewServer(flags, nil); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		return 1
	} else if err := srv.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

func printRootUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: parley <command> [options]

Intercepting TCP/TLS relay with per-direction plugin chains.

Commands:
  serve      Run the relay in the foreground
  plugin     List, enable, disable and reload plugins
  conn       Inspect active connections and their logs
  status     Show relay status

Use "parley <command> --help" for specific command usage.

Plugins live in <plugin_dir>/client (client to server) and
<plugin_dir>/server (server to client); plugin_dir defaults to ~/.parley/plugins.
`)
}
