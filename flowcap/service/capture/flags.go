package capture

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds flags for proxy mode (flowcap proxy).
type Flags struct {
	ConfigPath   string
	EnvFile      string
	Listen       string        // "" = use config
	SubmitURL    string        // "" = use config
	Timeout      time.Duration // 0 = use config
	MaxBodyBytes int64         // 0 = use config
	CACert       string
	CAKey        string
	Verbose      bool
}

// ParseFlags parses proxy mode flags.
func ParseFlags(args []string) (Flags, error) {
	fs := pflag.NewFlagSet("proxy", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	flags := Flags{EnvFile: ".env"}

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: ~/.flowcap/config.json)")
	fs.StringVar(&flags.EnvFile, "env-file", flags.EnvFile, "optional .env file with FLOWCAP_* overrides")
	fs.StringVarP(&flags.Listen, "listen", "l", "", "proxy listen address (default: from config or 127.0.0.1:8080)")
	fs.StringVar(&flags.SubmitURL, "submit-url", "", "flow ingestion URL (default: http://<ingest_addr>/submit_flow)")
	fs.DurationVar(&flags.Timeout, "timeout", 0, "per-flow submission timeout (default: from config or 5s)")
	fs.Int64Var(&flags.MaxBodyBytes, "max-body-bytes", 0, "capture limit per body; larger bodies are truncated in the record")
	fs.StringVar(&flags.CACert, "ca-cert", "", "PEM CA certificate used to sign intercepted TLS hosts")
	fs.StringVar(&flags.CAKey, "ca-key", "", "PEM private key for --ca-cert")
	fs.BoolVarP(&flags.Verbose, "verbose", "v", false, "log every proxied request")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	if (flags.CACert == "") != (flags.CAKey == "") {
		return flags, errors.New("--ca-cert and --ca-key must be given together")
	} else if flags.Timeout < 0 {
		return flags, errors.New("--timeout must not be negative")
	}
	return flags, nil
}
