package conn

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/relaybox/parley/cli"
)

var connSubcommands = []string{"list", "log", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "log":
		return parseLog(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("conn", args[0], connSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: parley conn <command> [options]

Inspect relayed connections.

Commands:
  list      List active connections
  log       Print a connection log

Use "parley conn <command> --help" for more information.
`)
}

func parseList(args []string) error {
	fs := pflag.NewFlagSet("conn list", pflag.ContinueOnError)
	var client cli.ClientFlags
	var logs bool

	client.Register(fs)
	fs.BoolVar(&logs, "logs", false, "also list stored logs, including closed connections")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: parley conn list [options]

List active connections with per-direction message and byte counts.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(os.Stdout, &client, logs)
}

func parseLog(args []string) error {
	fs := pflag.NewFlagSet("conn log", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var client cli.ClientFlags
	var tail int

	client.Register(fs)
	fs.IntVarP(&tail, "tail", "n", 0, "only print the last N lines")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: parley conn log <conn_id> [options]

Print the log of an active or closed connection.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("conn_id required")
	}
	if tail < 0 {
		return fmt.Errorf("invalid --tail value %d: must not be negative", tail)
	}

	return printLog(os.Stdout, &client, fs.Args()[0], tail)
}

// ParseStatus handles parley status.
func ParseStatus(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	var client cli.ClientFlags

	client.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: parley status [options]

Show relay addresses, TLS settings, connection and plugin counts.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return status(os.Stdout, &client)
}
