package main

import (
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/config"
	"github.com/septivank/meter-verification-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
