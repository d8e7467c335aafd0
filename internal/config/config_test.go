package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5, cfg.Intrusion.MaxLoginAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Intrusion.LoginWindow)
	assert.Equal(t, 30*time.Minute, cfg.Intrusion.LockDuration)
	assert.Equal(t, 30, cfg.Intrusion.EventsPerSecond)
	assert.Equal(t, 300, cfg.Intrusion.EventsPerMinute)
	assert.Equal(t, 3, cfg.Intrusion.MaxSessions)
	assert.Equal(t, 60*time.Second, cfg.Calls.TokenTTL)
	assert.Equal(t, 10, cfg.Guard.MaxViolations)
	assert.Equal(t, []string{"call:offer", "call:answer", "message:send"}, cfg.Guard.CriticalEvents)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "overrides",
			content: `
server:
  listen_addr: ":9443"
  allow_origins: ["https://meet.example.com"]
intrusion:
  max_login_attempts: 3
  lock_duration: 1h
guard:
  reject_unsigned: true
database:
  driver: postgres
  dsn: postgres://quickmeet@localhost/quickmeet
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9443", cfg.Server.ListenAddr)
				assert.Equal(t, []string{"https://meet.example.com"}, cfg.Server.AllowOrigins)
				assert.Equal(t, 3, cfg.Intrusion.MaxLoginAttempts)
				assert.Equal(t, time.Hour, cfg.Intrusion.LockDuration)
				assert.True(t, cfg.Guard.RejectUnsigned)
				assert.Equal(t, "postgres", cfg.Database.Driver)
				// untouched keys keep defaults
				assert.Equal(t, 300, cfg.Intrusion.EventsPerMinute)
			},
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "tls without files",
			content: "server:\n  enable_tls: true\n",
			wantErr: "cert_file",
		},
		{
			name:    "required secret missing",
			content: "security:\n  require_master_secret: true\n",
			wantErr: "master_secret",
		},
		{
			name:    "unknown driver",
			content: "database:\n  driver: mysql\n",
			wantErr: "database.driver",
		},
		{
			name:    "zero sessions",
			content: "intrusion:\n  max_sessions: 0\n",
			wantErr: "max_sessions",
		},
		{
			name:    "minute below second",
			content: "intrusion:\n  events_per_second: 50\n  events_per_minute: 40\n",
			wantErr: "events_per_minute",
		},
		{
			name:    "nonce ttl too long",
			content: "security:\n  max_nonce_ttl: 1h\n",
			wantErr: "max_nonce_ttl",
		},
		{
			name:    "malformed yaml",
			content: "server: [",
			wantErr: "failed to read config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("QUICKMEET_SECURITY_MASTER_SECRET", "from-env")
	t.Setenv("QUICKMEET_SECURITY_REQUIRE_MASTER_SECRET", "true")
	t.Setenv("QUICKMEET_INTRUSION_MAX_SESSIONS", "7")

	cfg, err := Load(writeFile(t, "intrusion:\n  max_sessions: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.MasterSecret)
	assert.True(t, cfg.Security.RequireMasterSecret)
	assert.Equal(t, 7, cfg.Intrusion.MaxSessions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ":7000"
	cfg.Intrusion.ThreatBanDuration = 90 * time.Minute
	cfg.Guard.CriticalEvents = []string{"call:offer"}

	path := filepath.Join(t.TempDir(), "etc", "quickmeet.yaml")
	require.NoError(t, Save(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "threat_ban_duration: 1h30m0s")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", loaded.Server.ListenAddr)
	assert.Equal(t, 90*time.Minute, loaded.Intrusion.ThreatBanDuration)
	assert.Equal(t, []string{"call:offer"}, loaded.Guard.CriticalEvents)
	assert.Equal(t, cfg.Intrusion, loaded.Intrusion)
	assert.Equal(t, cfg.WebSocket, loaded.WebSocket)
}

func TestWatcher_Reload(t *testing.T) {
	path := writeFile(t, "server:\n  listen_addr: \":8081\"\n")

	w, err := NewWatcher(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)

	changes := make(chan *Config, 4)
	require.NoError(t, w.Start(func(cfg *Config) { changes <- cfg }))
	defer w.Stop()
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(nil))

	// rejected edits never reach callbacks
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":8082\"\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, ":8082", cfg.Server.ListenAddr)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	w.Stop()
	assert.False(t, w.IsRunning())
}
