package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/flowcap/flowcap/cli"
	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/flows"
	"github.com/go-appsec/flowcap/flowcap/service"
	"github.com/go-appsec/flowcap/flowcap/service/capture"
)

var commands = []string{"serve", "proxy", "flows", "version", "help"}

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
		err = runServe(args[1:])
	case "proxy":
		err = runProxy(args[1:])
	case "flows":
		err = flows.Parse(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("flowcap version %s-%s\n", config.Version, config.RevNum)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError(args[0], commands)
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

func runServe(args []string) error {
	flags, err := service.ParseServeFlags(args)
	if err != nil {
		return err
	}
	srv, err := service.NewServer(flags)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}

func runProxy(args []string) error {
	flags, err := capture.ParseFlags(args)
	if err != nil {
		return err
	}
	return capture.Run(context.Background(), flags)
}

func printRootUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: flowcap <command> [options]

Capture HTTP flows from an intercepting proxy and expose them to agents over MCP.

Commands:
  serve      Run the ingestion endpoint (127.0.0.1:8124) and MCP query tools
  proxy      Run the capture proxy, submitting each completed flow to serve
  flows      List, read or clear captured flows via a running server
  version    Print version

Use "flowcap <command> --help" for specific command usage.
`)
}
