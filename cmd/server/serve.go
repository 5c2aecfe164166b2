package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prasenjit/translucent/internal/config"
	"github.com/prasenjit/translucent/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulator",
	Long: `Starts the Translucent HTTP API simulator.

The server will:
  - Load scenarios from the configured files and glob patterns
  - Answer matching requests with synthesized responses
  - Pass unmatched or pass-through requests to upstreams over TLS
  - Expose the control API at the control prefix (default /_api)

Configuration is loaded from config.yaml in the current directory,
or specify a custom config file with the --config flag. Any key can be
overridden with a TRANSLUCENT_ environment variable, for example
TRANSLUCENT_SERVER_PORT=9090.

Send SIGHUP to reload the scenario files.`,
	RunE: runServe,
}

var passthroughFlag []string

func init() {
	flags := serveCmd.Flags()
	flags.StringSlice("scenarios", nil, "Scenario files or glob patterns (overrides scenarios.paths)")
	flags.String("host", "", "Override server host")
	flags.IntP("port", "p", 0, "Override server port")
	flags.Bool("tls", false, "Serve HTTPS (overrides config)")
	flags.String("cert", "", "TLS certificate file")
	flags.String("key", "", "TLS private key file")
	flags.Duration("retention", 0, "How long recorded interactions are kept")
	flags.Bool("watch", false, "Reload scenarios when their files change")
	flags.StringSliceVar(&passthroughFlag, "passthrough", nil, "Pass-through upstream as prefix=https://host (repeatable)")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"scenarios.paths":     "scenarios",
		"server.host":         "host",
		"server.port":         "port",
		"server.tls.enabled":  "tls",
		"server.tls.certFile": "cert",
		"server.tls.keyFile":  "key",
		"recorder.retention":  "retention",
		"scenarios.watch":     "watch",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(v, func(cfg *config.Config) error {
		return applyPassthroughFlags(cfg, passthroughFlag)
	})
	if err != nil {
		return err
	}

	logger, err := logging.FromStrings(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	ln, err := app.listen()
	if err != nil {
		return err
	}
	return app.run(cmd.Context(), ln)
}

// applyPassthroughFlags enables pass-through and appends one upstream per
// "prefix=url" entry.
func applyPassthroughFlags(cfg *config.Config, entries []string) error {
	for _, entry := range entries {
		prefix, url, ok := strings.Cut(entry, "=")
		prefix, url = strings.TrimSpace(prefix), strings.TrimSpace(url)
		if !ok || prefix == "" || url == "" {
			return fmt.Errorf("invalid --passthrough %q: expected prefix=https://host", entry)
		}
		cfg.Passthrough.Enabled = true
		cfg.Passthrough.Upstreams = append(cfg.Passthrough.Upstreams, config.UpstreamConfig{
			Prefix: prefix,
			URL:    url,
		})
	}
	return nil
}
