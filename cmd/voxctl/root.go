package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

var version = "0.1.0-dev"

var (
	configPath string
	verbose    bool
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f87"))
)

var rootCmd = &cobra.Command{
	Use:   "voxctl",
	Short: "Voice synthesis toolkit",
	Long: `voxctl drives the loqa-voice synthesis pipeline.

Local commands read the configuration file (--config) and load the
models it names. Remote commands reach a running voxd over NATS.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loqa-voice.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log pipeline details to stderr")

	rootCmd.AddCommand(synthCmd, g2pCmd, splitCmd, symbolsCmd, sayCmd, speakersCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func loadConfig() (config.Config, error) {
	if _, err := os.Stat(configPath); err != nil && os.IsNotExist(err) {
		cfg := config.Default()
		return cfg, config.Validate(cfg)
	}
	return config.Load(configPath)
}

// openEngine loads the local pipeline.
func openEngine(ctx context.Context) (*synth.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	engine, err := synth.New(ctx, cfg, synth.Options{Logger: newLogger()})
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	return engine, nil
}

func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}
