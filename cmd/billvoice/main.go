// Command billvoice is the console client for the medical billing
// assistant: typed, dictated and realtime voice conversations that fill in
// an OHIP bill.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/billvoice/internal/app"
	"github.com/MrWong99/billvoice/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// flags shared by every subcommand.
var flags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billvoice",
		Short:         "Voice and text client for the medical billing assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnv(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the config is expanded")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(), newCheckConfigCmd())
	return root
}

// loadEnv loads path into the environment. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config file and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", flags.configPath)
		}
		return nil, err
	}
	if flags.logLevel != "" {
		lvl := config.LogLevel(flags.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("--log-level %q is invalid", flags.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, nil
}

// newLogger installs a text logger on stderr and returns its level so a
// config reload can change it.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(app.ParseLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}
