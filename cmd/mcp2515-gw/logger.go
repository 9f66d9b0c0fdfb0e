package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "mcp2515-gw")
	logging.Set(l)
	return l
}
