package flows

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/flowcap/flowcap/cli"
	"github.com/go-appsec/flowcap/flowcap/mcpclient"
)

var subcommands = []string{"list", "read", "clear", "help"}

// Parse runs a flowcap flows subcommand against a running HTTP MCP server.
func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "read":
		return parseRead(args[1:])
	case "clear":
		return parseClear(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("flows", args[0], subcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: flowcap flows <command> [options]

Inspect captured flows through a running server (flowcap serve --transport http).

Commands:
  list       List flow files, most recent first
  read       Print one flow record
  clear      Delete every captured flow

Use "flowcap flows <command> --help" for more information.
`)
}

type commonFlags struct {
	mcpURL  string
	timeout time.Duration
}

func newFlagSet(name, usage string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("flows "+name, pflag.ContinueOnError)
	fs.SetInterspersed(true)
	fs.StringVar(&common.mcpURL, "mcp-url", mcpclient.DefaultMCPURL, "MCP server URL")
	fs.DurationVar(&common.timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

func parseList(args []string) error {
	var common commonFlags
	fs := newFlagSet("list", `Usage: flowcap flows list [options]

List captured flow files, most recent first.

Options:
`, &common)

	if err := fs.Parse(args); err != nil {
		return err
	}
	return list(os.Stdout, common)
}

func parseRead(args []string) error {
	var common commonFlags
	fs := newFlagSet("read", `Usage: flowcap flows read <filename> [options]

Print the full record of one flow file.

Options:
`, &common)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("filename required")
	}
	return read(os.Stdout, common, fs.Args()[0])
}

func parseClear(args []string) error {
	var common commonFlags
	fs := newFlagSet("clear", `Usage: flowcap flows clear [options]

Delete every captured flow file. Cannot be undone.

Options:
`, &common)

	if err := fs.Parse(args); err != nil {
		return err
	}
	return clearAll(os.Stdout, common)
}
