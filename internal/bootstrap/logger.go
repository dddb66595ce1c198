package bootstrap

import (
	"funding_keeper/pkg/logging"
)

// InitLogger builds the process logger from the configured level and
// installs it as the package-global default. The returned concrete type
// keeps Sync reachable for shutdown flushing.
func InitLogger(cfg *Config) *logging.ZapLogger {
	logger, _ := logging.NewZapLogger(cfg.System.LogLevel)
	logging.SetGlobalLogger(logger)
	return logger
}
