package infra

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process-wide zap.Logger from LoggerConfig: "json"
// (the default, production-style encoding) or "console" for local
// development, at the configured level.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	var l zap.AtomicLevel
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("infra: parse logger.level %q: %w", level, err)
	}
	zcfg.Level = l

	return zcfg.Build()
}
