package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDirectoryAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte("relay:\n  driver: redis\npairing:\n  code_ttl: 90s\n"), 0o644))

	t.Setenv("SELFIE_RELAY_DRIVER", "ws")

	v, err := Load(dir, "camera", "selfie")
	require.NoError(t, err)

	assert.Equal(t, "ws", v.GetString("relay.driver"))
	assert.Equal(t, 90*time.Second, Duration(v, "pairing.code_ttl", time.Minute))
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	v, err := Load(path, "ignored", "")
	require.NoError(t, err)
	assert.Equal(t, "debug", v.GetString("log.level"))
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	v, err := Load(t.TempDir(), "absent", "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, Duration(v, "missing.key", 5*time.Second))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SELFIE_TEST_ENV", "x")
	assert.Equal(t, "x", GetEnv("SELFIE_TEST_ENV", "y"))
	assert.Equal(t, "y", GetEnv("SELFIE_TEST_ENV_UNSET", "y"))
}
