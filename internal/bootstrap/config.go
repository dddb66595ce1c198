package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"funding_keeper/internal/config"
)

// Config aliases the keeper's configuration type so callers of the
// bootstrap never import internal/config directly.
type Config = config.Config

// LoadConfig loads and validates the configuration, then runs the
// environment checks that schema validation cannot cover.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight rejects configurations that would fail at runtime:
// colliding listener ports and an unusable journal location.
func checkPreFlight(cfg *Config) error {
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort == cfg.Diag.Port {
		return fmt.Errorf("telemetry.metrics_port %d collides with diag.port", cfg.Telemetry.MetricsPort)
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal.path is required when the journal is enabled")
		}
		dir := filepath.Dir(cfg.Journal.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("journal directory does not exist: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("journal path parent is not a directory: %s", dir)
		}
	}

	// Half-configured Telegram credentials silently send nothing; fail
	// loudly at startup instead.
	if (cfg.Alerts.TelegramBotToken == "") != (cfg.Alerts.TelegramChatID == "") {
		return fmt.Errorf("alerts.telegram_bot_token and alerts.telegram_chat_id must be set together")
	}

	return nil
}
