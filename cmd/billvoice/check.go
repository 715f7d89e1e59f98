package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/billvoice/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printSummary(cmd, cfg)
			return nil
		},
	}
}

func printSummary(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config %s is valid\n", flags.configPath)
	fmt.Fprintf(out, "  realtime:   %s (barge-in %t)\n", cfg.Realtime.URL, cfg.Realtime.BargeIn)

	ac := cfg.Assistant
	switch ac.Backend {
	case config.BackendLLM:
		fmt.Fprintf(out, "  assistant:  llm %s/%s\n", ac.Provider, ac.Model)
	default:
		fmt.Fprintf(out, "  assistant:  http %s\n", ac.BaseURL)
	}
	if ac.Fallback.Backend != "" {
		fmt.Fprintf(out, "  fallback:   %s\n", ac.Fallback.Backend)
	}

	if cfg.Dictation.Enabled {
		fmt.Fprintf(out, "  dictation:  on (max %s)\n", cfg.Dictation.MaxDuration)
	} else {
		fmt.Fprintln(out, "  dictation:  off")
	}
	if cfg.Bill.AutofillURL != "" {
		fmt.Fprintf(out, "  autofill:   %s\n", cfg.Bill.AutofillURL)
	}
	if cfg.Transcript.PostgresDSN != "" {
		fmt.Fprintln(out, "  transcript: postgres")
	} else {
		fmt.Fprintln(out, "  transcript: memory")
	}
	if cfg.Server.DebugAddr != "" {
		fmt.Fprintf(out, "  debug:      http://%s/status\n", cfg.Server.DebugAddr)
	}
}
