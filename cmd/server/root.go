package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prasenjit/translucent/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	v       = config.NewViper()
	rootCmd = &cobra.Command{
		Use:   "translucent",
		Short: "Translucent - HTTP API simulator",
		Long: `Translucent stands in for real HTTP APIs while client software is built
and tested against them. Requests are matched against declarative scenarios
and answered with templated responses, or passed through to the real service
over TLS. Every interaction is recorded for inspection.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if err := readConfig(v, cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// readConfig loads path into v, or config.yaml from the working directory
// when path is empty. A missing default file is not an error.
func readConfig(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		v.AddConfigPath(cwd)
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// loadConfig decodes v and validates the result after apply has run.
func loadConfig(v *viper.Viper, apply func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if apply != nil {
		if err := apply(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
