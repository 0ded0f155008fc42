package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-appsec/flowcap/flowcap/config"
	"github.com/go-appsec/flowcap/flowcap/emitter"
)

// Run starts the capture proxy with an emitter posting to the ingestion
// endpoint and blocks until ctx is done or a signal arrives.
func Run(ctx context.Context, flags Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts := Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Verbose:      flags.Verbose,
	}
	if flags.CACert != "" {
		if opts.CA, err = LoadCA(flags.CACert, flags.CAKey); err != nil {
			return err
		}
	}

	emit := emitter.New(emitter.Options{
		URL:     cfg.IngestURL(),
		Timeout: time.Duration(cfg.EmitTimeout),
	})
	opts.Sink = emit

	proxy, err := New(opts)
	if err != nil {
		return err
	}
	if err := proxy.Start(cfg.ProxyAddr); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	log.Printf("capture: proxy listening on %s, submitting to %s", proxy.Addr(), emit.URL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Printf("capture: received signal %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.EmitTimeout)+time.Second)
	defer cancel()
	closeErr := proxy.Close(shutdownCtx)

	sent, dropped := emit.Stats()
	log.Printf("capture: stopped (flows sent=%d dropped=%d)", sent, dropped)
	return closeErr
}

// loadConfig applies flags > FLOWCAP_* environment > config file > defaults.
func loadConfig(flags Flags) (*config.Config, error) {
	path := flags.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrCreatePath(path)
	if err != nil {
		return nil, err
	}

	var envFiles []string
	if flags.EnvFile != "" {
		envFiles = append(envFiles, flags.EnvFile)
	}
	if err := cfg.ApplyEnv(envFiles...); err != nil {
		return nil, err
	}

	if flags.Listen != "" {
		cfg.ProxyAddr = flags.Listen
	}
	if flags.SubmitURL != "" {
		cfg.SubmitURL = flags.SubmitURL
	}
	if flags.Timeout > 0 {
		cfg.EmitTimeout = config.Duration(flags.Timeout)
	}
	if flags.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = flags.MaxBodyBytes
	}
	return cfg, nil
}
