package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid --log-level %q (expected debug|info|warn|error)", value)
	}
}

func resolveLogLevel(cmd *cobra.Command) (slog.Level, error) {
	value, _ := cmd.Flags().GetString("log-level")
	return parseLogLevel(value)
}

func loggerFromCmd(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := resolveLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}
