package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dcrelay/internal/config"
	"dcrelay/internal/logging"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "dcrelay",
		Short:         "Discord ↔ Delta Chat message bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(
		newRunCommand(&flags),
		newMapRoomCommand(&flags),
		newMapUserCommand(&flags),
		newStatsCommand(&flags),
		newCleanupCommand(&flags),
	)
	return cmd
}

// setup loads the dotenv file, the configuration and the logger.
func setup(flags *globalFlags) (*config.Config, zerolog.Logger, io.Closer, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, zerolog.Nop(), nil, fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	log, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, log.With().Str("deployment", cfg.Deployment).Logger(), closer, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
