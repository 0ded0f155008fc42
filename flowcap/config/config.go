package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	Version               = "0.1.0"
	DefaultFlowsDir       = "flows"
	DefaultIngestAddr     = "127.0.0.1:8124"
	DefaultSubmitPath     = "/submit_flow"
	DefaultMCPPort        = 9119
	DefaultProxyAddr      = "127.0.0.1:8080"
	DefaultEmitTimeout    = 5 * time.Second
	DefaultMaxBodyBytes   = 64 << 20
	DefaultMaxIngestConns = 64

	// ingestHeadroom covers headers, metadata and JSON framing around the two
	// base64 bodies of a submission.
	ingestHeadroom = 4 << 20

	envPrefix = "FLOWCAP_"
)

// RevNum is set at build time via -ldflags.
var RevNum = "dev"

// Config holds the flowcap configuration stored in ~/.flowcap/config.json
type Config struct {
	Version        string   `json:"version"`
	FlowsDir       string   `json:"flows_dir"`
	IngestAddr     string   `json:"ingest_addr"`
	MCPPort        int      `json:"mcp_port"`
	ProxyAddr      string   `json:"proxy_addr"`
	SubmitURL      string   `json:"submit_url"`
	EmitTimeout    Duration `json:"emit_timeout"`
	MaxBodyBytes   int64    `json:"max_body_bytes"`
	MaxIngestConns int      `json:"max_ingest_conns"`

	// MaxIngestBodyBytes bounds one submission; 0 derives it from MaxBodyBytes.
	MaxIngestBodyBytes int64 `json:"max_ingest_body_bytes,omitempty"`
}

// Duration is a time.Duration stored as a Go duration string ("5s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a new Config with default values
func DefaultConfig(version string) *Config {
	cfg := &Config{Version: version}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns ~/.flowcap/config.json, or a relative .flowcap path when
// the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".flowcap", "config.json")
	}
	return filepath.Join(home, ".flowcap", "config.json")
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOrCreatePath loads the config at path, writing a default one first if
// none exists.
func LoadOrCreatePath(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg = DefaultConfig(Version)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	} else if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("save default config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// ApplyEnv overrides fields from FLOWCAP_* variables. Values from the given
// .env files fill in variables not already set in the process environment;
// missing files are ignored.
func (c *Config) ApplyEnv(envFiles ...string) error {
	fileVals := make(map[string]string)
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			fileVals[k] = v
		}
	}
	lookup := func(name string) (string, bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			return v, true
		}
		v, ok := fileVals[envPrefix+name]
		return v, ok
	}

	if v, ok := lookup("FLOWS_DIR"); ok && v != "" {
		c.FlowsDir = v
	}
	if v, ok := lookup("INGEST_ADDR"); ok && v != "" {
		c.IngestAddr = v
	}
	if v, ok := lookup("PROXY_ADDR"); ok && v != "" {
		c.ProxyAddr = v
	}
	if v, ok := lookup("SUBMIT_URL"); ok && v != "" {
		c.SubmitURL = v
	}
	if v, ok := lookup("MCP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMCP_PORT: %w", envPrefix, err)
		}
		c.MCPPort = port
	}
	if v, ok := lookup("EMIT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sEMIT_TIMEOUT: %w", envPrefix, err)
		}
		c.EmitTimeout = Duration(d)
	}
	if v, ok := lookup("MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_BODY_BYTES: %w", envPrefix, err)
		}
		c.MaxBodyBytes = n
	}
	if v, ok := lookup("MAX_INGEST_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_INGEST_BODY_BYTES: %w", envPrefix, err)
		}
		c.MaxIngestBodyBytes = n
	}
	return nil
}

// IngestBodyLimit returns the submission size limit for the ingestion
// endpoint. It is never below IngestLimitFor(MaxBodyBytes), so a flow whose
// bodies were captured up to the limit is always accepted.
func (c *Config) IngestBodyLimit() int64 {
	return max(c.MaxIngestBodyBytes, IngestLimitFor(c.MaxBodyBytes))
}

// IngestLimitFor returns the smallest submission limit that fits a request
// and a response body of captureLimit bytes each once base64 encoded.
func IngestLimitFor(captureLimit int64) int64 {
	if captureLimit <= 0 {
		captureLimit = DefaultMaxBodyBytes
	}
	encoded := (captureLimit + 2) / 3 * 4
	return 2*encoded + ingestHeadroom
}

// IngestURL returns the submission URL the emitter posts to.
func (c *Config) IngestURL() string {
	if c.SubmitURL != "" {
		return c.SubmitURL
	}
	return "http://" + c.IngestAddr + DefaultSubmitPath
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.FlowsDir == "" {
		c.FlowsDir = DefaultFlowsDir
	}
	if c.IngestAddr == "" {
		c.IngestAddr = DefaultIngestAddr
	}
	if c.MCPPort == 0 {
		c.MCPPort = DefaultMCPPort
	}
	if c.ProxyAddr == "" {
		c.ProxyAddr = DefaultProxyAddr
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = Duration(DefaultEmitTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxIngestConns <= 0 {
		c.MaxIngestConns = DefaultMaxIngestConns
	}
}
