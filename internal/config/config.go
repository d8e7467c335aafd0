// Package config loads the server configuration from YAML and QUICKMEET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// QUICKMEET_SECURITY_MASTER_SECRET.
const EnvPrefix = "QUICKMEET"

// Config is the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Intrusion IntrusionConfig `mapstructure:"intrusion" yaml:"intrusion"`
	Calls     CallsConfig     `mapstructure:"calls" yaml:"calls"`
	Guard     GuardConfig     `mapstructure:"guard" yaml:"guard"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	EnableTLS          bool          `mapstructure:"enable_tls" yaml:"enable_tls"`
	CertFile           string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string        `mapstructure:"key_file" yaml:"key_file"`
	AllowOrigins       []string      `mapstructure:"allow_origins" yaml:"allow_origins"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	LoginRatePerMinute int           `mapstructure:"login_rate_per_minute" yaml:"login_rate_per_minute"`
	FileGrantTTL       time.Duration `mapstructure:"file_grant_ttl" yaml:"file_grant_ttl"`
	TrustProxy         bool          `mapstructure:"trust_proxy" yaml:"trust_proxy"`
	StatusToken        string        `mapstructure:"status_token" yaml:"status_token"`
}

// WebSocketConfig configures the realtime gateway
type WebSocketConfig struct {
	ReadBufferSize   int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize   int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	SendQueueSize    int           `mapstructure:"send_queue_size" yaml:"send_queue_size"`
}

// LoggingConfig configures operational logging
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
	OutputPath  string `mapstructure:"output_path" yaml:"output_path"`
	Stdout      bool   `mapstructure:"stdout" yaml:"stdout"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Sampling    bool   `mapstructure:"sampling" yaml:"sampling"`
}

// SecurityConfig holds key material and credential settings
type SecurityConfig struct {
	MasterSecret        string        `mapstructure:"master_secret" yaml:"master_secret"`
	RequireMasterSecret bool          `mapstructure:"require_master_secret" yaml:"require_master_secret"`
	JWTSecret           string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL            time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	NonceTTL            time.Duration `mapstructure:"nonce_ttl" yaml:"nonce_ttl"`
	MaxNonceTTL         time.Duration `mapstructure:"max_nonce_ttl" yaml:"max_nonce_ttl"`
	BcryptCost          int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
}

// AuditConfig configures the hash-chained event log
type AuditConfig struct {
	Dir              string `mapstructure:"dir" yaml:"dir"`
	FilePrefix       string `mapstructure:"file_prefix" yaml:"file_prefix"`
	QueueSize        int    `mapstructure:"queue_size" yaml:"queue_size"`
	CompressArchived bool   `mapstructure:"compress_archived" yaml:"compress_archived"`
}

// IntrusionConfig holds intrusion detector thresholds
type IntrusionConfig struct {
	LoginWindow         time.Duration `mapstructure:"login_window" yaml:"login_window"`
	MaxLoginAttempts    int           `mapstructure:"max_login_attempts" yaml:"max_login_attempts"`
	LockDuration        time.Duration `mapstructure:"lock_duration" yaml:"lock_duration"`
	IPBanThreshold      int           `mapstructure:"ip_ban_threshold" yaml:"ip_ban_threshold"`
	EventsPerSecond     int           `mapstructure:"events_per_second" yaml:"events_per_second"`
	EventsPerMinute     int           `mapstructure:"events_per_minute" yaml:"events_per_minute"`
	ConnectionIdle      time.Duration `mapstructure:"connection_idle" yaml:"connection_idle"`
	MaxSessions         int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	ThreatBanThreshold  int           `mapstructure:"threat_ban_threshold" yaml:"threat_ban_threshold"`
	ThreatBanDuration   time.Duration `mapstructure:"threat_ban_duration" yaml:"threat_ban_duration"`
	HighThreatThreshold int           `mapstructure:"high_threat_threshold" yaml:"high_threat_threshold"`
	ThreatDecay         int           `mapstructure:"threat_decay" yaml:"threat_decay"`
	SuccessDecay        int           `mapstructure:"success_decay" yaml:"success_decay"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// CallsConfig configures call authorization
type CallsConfig struct {
	TokenTTL      time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age" yaml:"session_max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// GuardConfig configures the realtime event guard
type GuardConfig struct {
	MaxViolations      int           `mapstructure:"max_violations" yaml:"max_violations"`
	CriticalEvents     []string      `mapstructure:"critical_events" yaml:"critical_events"`
	NonceTTL           time.Duration `mapstructure:"nonce_ttl" yaml:"nonce_ttl"`
	RejectUnsigned     bool          `mapstructure:"reject_unsigned" yaml:"reject_unsigned"`
	MaxDescriptionSize int           `mapstructure:"max_description_size" yaml:"max_description_size"`
	MaxCandidateSize   int           `mapstructure:"max_candidate_size" yaml:"max_candidate_size"`
}

// DatabaseConfig configures the account store
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// MetricsConfig configures the Prometheus exporter
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	Path            string        `mapstructure:"path" yaml:"path"`
	CollectInterval time.Duration `mapstructure:"collect_interval" yaml:"collect_interval"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.allow_origins", []string{})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.login_rate_per_minute", 30)
	v.SetDefault("server.file_grant_ttl", "10m")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.status_token", "")

	v.SetDefault("websocket.read_buffer_size", 4096)
	v.SetDefault("websocket.write_buffer_size", 4096)
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.send_queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.output_path", "logs/quickmeet.log")
	v.SetDefault("logging.stdout", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.sampling", true)

	v.SetDefault("security.master_secret", "")
	v.SetDefault("security.require_master_secret", false)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_ttl", "24h")
	v.SetDefault("security.nonce_ttl", "5m")
	v.SetDefault("security.max_nonce_ttl", "10m")
	v.SetDefault("security.bcrypt_cost", 10)

	v.SetDefault("audit.dir", "./data/audit")
	v.SetDefault("audit.file_prefix", "security")
	v.SetDefault("audit.queue_size", 4096)
	v.SetDefault("audit.compress_archived", false)

	v.SetDefault("intrusion.login_window", "15m")
	v.SetDefault("intrusion.max_login_attempts", 5)
	v.SetDefault("intrusion.lock_duration", "30m")
	v.SetDefault("intrusion.ip_ban_threshold", 20)
	v.SetDefault("intrusion.events_per_second", 30)
	v.SetDefault("intrusion.events_per_minute", 300)
	v.SetDefault("intrusion.connection_idle", "10m")
	v.SetDefault("intrusion.max_sessions", 3)
	v.SetDefault("intrusion.threat_ban_threshold", 80)
	v.SetDefault("intrusion.threat_ban_duration", "1h")
	v.SetDefault("intrusion.high_threat_threshold", 50)
	v.SetDefault("intrusion.threat_decay", 5)
	v.SetDefault("intrusion.success_decay", 10)
	v.SetDefault("intrusion.sweep_interval", "5m")

	v.SetDefault("calls.token_ttl", "60s")
	v.SetDefault("calls.session_max_age", "4h")
	v.SetDefault("calls.sweep_interval", "1m")

	v.SetDefault("guard.max_violations", 10)
	v.SetDefault("guard.critical_events", []string{"call:offer", "call:answer", "message:send"})
	v.SetDefault("guard.nonce_ttl", "5m")
	v.SetDefault("guard.reject_unsigned", false)
	v.SetDefault("guard.max_description_size", 10*1024)
	v.SetDefault("guard.max_candidate_size", 512)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/quickmeet.db")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "0s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.collect_interval", "15s")
}

func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if cfg.Server.EnableTLS && (cfg.Server.CertFile == "" || cfg.Server.KeyFile == "") {
		return errors.New("cert_file and key_file are required when TLS is enabled")
	}

	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	if cfg.Logging.Encoding != "json" && cfg.Logging.Encoding != "console" {
		return fmt.Errorf("invalid logging.encoding: %s", cfg.Logging.Encoding)
	}

	if cfg.Security.RequireMasterSecret && cfg.Security.MasterSecret == "" {
		return errors.New("security.master_secret is required when require_master_secret is set")
	}
	if cfg.Security.MaxNonceTTL > 10*time.Minute {
		return errors.New("security.max_nonce_ttl cannot exceed 10m")
	}

	if cfg.Audit.Dir == "" {
		return errors.New("audit.dir is required")
	}
	if cfg.Audit.QueueSize < 1 {
		return errors.New("audit.queue_size must be at least 1")
	}

	in := cfg.Intrusion
	for name, value := range map[string]int{
		"max_login_attempts": in.MaxLoginAttempts,
		"ip_ban_threshold":   in.IPBanThreshold,
		"events_per_second":  in.EventsPerSecond,
		"events_per_minute":  in.EventsPerMinute,
		"max_sessions":       in.MaxSessions,
	} {
		if value < 1 {
			return fmt.Errorf("intrusion.%s must be at least 1", name)
		}
	}
	if in.EventsPerMinute < in.EventsPerSecond {
		return errors.New("intrusion.events_per_minute must not be below events_per_second")
	}

	if cfg.Calls.TokenTTL <= 0 {
		return errors.New("calls.token_ttl must be positive")
	}
	if cfg.Guard.MaxViolations < 1 {
		return errors.New("guard.max_violations must be at least 1")
	}

	switch cfg.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database.driver: %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return errors.New("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// Save writes cfg as YAML, with durations in their string form.
func Save(cfg *Config, path string) error {
	out, err := yaml.Marshal(toYAML(reflect.ValueOf(cfg).Elem()))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// the file may hold secrets
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// toYAML converts a config struct into an ordered YAML node tree keyed by
// the yaml tags.
func toYAML(v reflect.Value) *yaml.Node {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: time.Duration(v.Int()).String()}
	}
	if v.Kind() != reflect.Struct {
		var n yaml.Node
		// plain values always encode
		_ = n.Encode(v.Interface())
		return &n
	}

	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			toYAML(v.Field(i)),
		)
	}
	return node
}
