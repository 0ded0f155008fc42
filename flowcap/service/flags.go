package service

import (
	"fmt"

	"github.com/spf13/pflag"
)

// MCP transport modes
const (
	TransportStdio = "stdio" // default: agent launches flowcap as a subprocess
	TransportHTTP  = "http"  // streamable HTTP at /mcp plus legacy SSE at /sse
	TransportNone  = "none"  // ingestion only
)

// ServeFlags holds flags for serve mode.
type ServeFlags struct {
	ConfigPath string
	EnvFile    string
	FlowsDir   string // "" = use config
	IngestAddr string // "" = use config
	MCPPort    int    // 0 = use config
	Transport  string
}

// ParseServeFlags parses flags for serve mode (flowcap serve).
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	flags := ServeFlags{
		EnvFile:   ".env",
		Transport: TransportStdio,
	}

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: ~/.flowcap/config.json)")
	fs.StringVar(&flags.EnvFile, "env-file", flags.EnvFile, "optional .env file with FLOWCAP_* overrides")
	fs.StringVar(&flags.FlowsDir, "flows-dir", "", "flow storage directory (default: from config or ./flows)")
	fs.StringVar(&flags.IngestAddr, "ingest-addr", "", "flow submission listen address (default: from config or 127.0.0.1:8124)")
	fs.IntVar(&flags.MCPPort, "mcp-port", 0, "MCP HTTP port when --transport=http (default: from config or 9119)")
	fs.StringVar(&flags.Transport, "transport", flags.Transport, "MCP transport: stdio, http, none")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	switch flags.Transport {
	case TransportStdio, TransportHTTP, TransportNone:
		// Valid
	default:
		return flags, fmt.Errorf("invalid --transport value %q: must be stdio, http, or none", flags.Transport)
	}

	return flags, nil
}
