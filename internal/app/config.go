package app

import (
	"fmt"

	"github.com/Tajbir23/quick-meet-sub002/internal/config"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"go.uber.org/zap/zapcore"
)

// Overrides are command-line settings applied on top of the file and the
// environment. Zero values leave the loaded value alone.
type Overrides struct {
	ListenAddr     string
	MetricsAddr    string
	LogLevel       string
	AuditDir       string
	DatabaseDSN    string
	Hardened       bool
	DisableMetrics bool
}

// LoadConfig loads the configuration and applies overrides.
func LoadConfig(configFile string, overrides Overrides) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	applyOverrides(cfg, overrides)

	// overrides can break what Load validated
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Security.RequireMasterSecret && cfg.Security.MasterSecret == "" {
		return nil, fmt.Errorf("invalid configuration: %w", crypto.ErrMasterSecretRequired)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, o Overrides) {
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.ListenAddr = o.MetricsAddr
	}
	if o.DisableMetrics {
		cfg.Metrics.Enabled = false
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.AuditDir != "" {
		cfg.Audit.Dir = o.AuditDir
	}
	if o.DatabaseDSN != "" {
		cfg.Database.DSN = o.DatabaseDSN
	}

	// Hardened mode refuses ephemeral secrets and unsigned critical events.
	if o.Hardened {
		cfg.Security.RequireMasterSecret = true
		cfg.Guard.RejectUnsigned = true
	}
}
