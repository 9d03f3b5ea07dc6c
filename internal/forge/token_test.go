package forge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/po4yka/gitout/internal/config"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestResolveTokenFromConfig(t *testing.T) {
	token, source, err := ResolveToken(&config.GitHubConfig{User: "someone", Token: "inline-token"}, lookupFrom(map[string]string{
		EnvToken: "env-token",
	}))
	assert.NoError(t, err)
	assert.Equal(t, "inline-token", token)
	assert.Equal(t, "config", source)
}

func TestResolveTokenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	assert.NoError(t, os.WriteFile(path, []byte("file-token\n"), 0o600))

	token, source, err := ResolveToken(&config.GitHubConfig{User: "someone"}, lookupFrom(map[string]string{
		EnvTokenFile: path,
		EnvToken:     "env-token",
	}))
	assert.NoError(t, err)
	assert.Equal(t, "file-token", token)
	assert.Equal(t, "token-file", source)
}

func TestResolveTokenFromEnv(t *testing.T) {
	token, source, err := ResolveToken(&config.GitHubConfig{User: "someone"}, lookupFrom(map[string]string{
		EnvToken: "env-token",
	}))
	assert.NoError(t, err)
	assert.Equal(t, "env-token", token)
	assert.Equal(t, "env", source)
}

func TestResolveTokenMissing(t *testing.T) {
	_, _, err := ResolveToken(&config.GitHubConfig{User: "someone"}, lookupFrom(nil))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no token available")
}

func TestResolveTokenUnreadableFile(t *testing.T) {
	_, _, err := ResolveToken(&config.GitHubConfig{User: "someone"}, lookupFrom(map[string]string{
		EnvTokenFile: filepath.Join(t.TempDir(), "missing"),
	}))
	assert.Error(t, err)
}
