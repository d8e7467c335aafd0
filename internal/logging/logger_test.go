package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func fileConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "nested", "app.log")
	cfg.Stdout = false
	cfg.Sampling = false
	cfg.Version = "1.2.3"
	return cfg
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNewFactory_WritesJSONFile(t *testing.T) {
	cfg := fileConfig(t)
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	f.Named("security").Info("hello", zap.String("k", "v"))
	f.Named("security").Debug("hidden")
	require.NoError(t, f.Close())

	entries := readEntries(t, cfg.OutputPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0]["msg"])
	assert.Equal(t, "security", entries[0]["logger"])
	assert.Equal(t, "v", entries[0]["k"])
	assert.Equal(t, "1.2.3", entries[0]["version"])
	assert.Contains(t, entries[0], "host")
	assert.Contains(t, entries[0], "timestamp")
}

func TestFactory_SetLevel(t *testing.T) {
	cfg := fileConfig(t)
	cfg.IncludeHost = false
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	logger := f.Named("api")
	logger.Debug("before")

	require.NoError(t, f.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, f.Level())
	logger.Debug("after")

	assert.Error(t, f.SetLevel("loud"))
	require.NoError(t, f.Close())

	var msgs []string
	for _, e := range readEntries(t, cfg.OutputPath) {
		msgs = append(msgs, e["msg"].(string))
	}
	assert.Equal(t, []string{"Log level changed", "after"}, msgs)
}

func TestFactory_NamedIsCached(t *testing.T) {
	f, err := NewFactory(Config{Level: "info", OutputPath: "stdout"})
	require.NoError(t, err)
	assert.Same(t, f.Named("calls"), f.Named("calls"))
	assert.NotSame(t, f.Named("calls"), f.Named("guard"))
}

func TestNewFactory_InvalidConfig(t *testing.T) {
	_, err := NewFactory(Config{Level: "nope"})
	assert.Error(t, err)

	_, err = NewFactory(Config{Level: "info", Encoding: "xml"})
	assert.Error(t, err)
}

func TestWithRequest(t *testing.T) {
	ctx, id := WithRequest(context.Background(), zap.NewNop(), "")
	assert.Len(t, id, 36)
	assert.Equal(t, id, RequestID(ctx))
	assert.NotNil(t, FromContext(ctx))

	ctx, id = WithRequest(context.Background(), zap.NewNop(), "given")
	assert.Equal(t, "given", id)
	assert.Equal(t, "given", RequestID(ctx))

	assert.Empty(t, RequestID(context.Background()))
	assert.Same(t, zap.L(), FromContext(context.Background()))
}
