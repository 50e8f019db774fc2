package plugin

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/relaybox/parley/cli"
)

var pluginSubcommands = []string{"list", "enable", "disable", "reload", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "enable":
		return parseToggle(args[1:], true)
	case "disable":
		return parseToggle(args[1:], false)
	case "reload":
		return parseReload(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("plugin", args[0], pluginSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: parley plugin <command> [options]

Inspect and toggle relay plugins.

Commands:
  list      List plugins in chain order
  enable    Enable a plugin (takes effect on the next message)
  disable   Disable a plugin (takes effect on the next message)
  reload    Rescan the plugin directories

Use "parley plugin <command> --help" for more information.
`)
}

func parseList(args []string) error {
	fs := pflag.NewFlagSet("plugin list", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var client cli.ClientFlags
	var direction string

	client.Register(fs)
	fs.StringVarP(&direction, "direction", "d", "", "only list one direction: client or server")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: parley plugin list [options]

List discovered plugins. Client plugins run on client-to-server traffic,
server plugins on server-to-client traffic.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(os.Stdout, &client, direction)
}

func parseToggle(args []string, enable bool) error {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	fs := pflag.NewFlagSet("plugin "+verb, pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var client cli.ClientFlags
	var direction string

	client.Register(fs)
	fs.StringVarP(&direction, "direction", "d", "", "direction holding the plugin: client or server (default: both)")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, `Usage: parley plugin %s <name> [options]

Options:
`, verb)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("plugin name required")
	}

	return toggle(os.Stdout, &client, fs.Args()[0], direction, enable)
}

func parseReload(args []string) error {
	fs := pflag.NewFlagSet("plugin reload", pflag.ContinueOnError)
	var client cli.ClientFlags

	client.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: parley plugin reload [options]

Rescan both plugin directories. Plugins that still exist keep their enabled flag.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return reload(os.Stdout, &client)
}
