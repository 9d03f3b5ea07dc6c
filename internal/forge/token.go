package forge

import (
	"os"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/po4yka/gitout/internal/config"
)

// Environment lookups consulted when the config does not carry a token inline.
const (
	EnvToken     = "GITHUB_TOKEN"
	EnvTokenFile = "GITHUB_TOKEN_FILE"
)

// ResolveToken resolves the forge access token for a github config section.
// Resolution order: inline config token, then a token file named by
// GITHUB_TOKEN_FILE, then GITHUB_TOKEN itself. The returned source label
// (config, token-file, env) is safe to log; the token is not.
func ResolveToken(cfg *config.GitHubConfig, lookup func(string) (string, bool)) (token, source string, err error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if cfg.Token != "" {
		return cfg.Token, "config", nil
	}

	if path, ok := lookup(EnvTokenFile); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", errors.Wrap(err, "read token file")
		}
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, "token-file", nil
		}
	}

	if token, ok := lookup(EnvToken); ok && token != "" {
		return token, "env", nil
	}

	return "", "", errors.Errorf("no token available for github user %s: set github.token, $%s or $%s", cfg.User, EnvTokenFile, EnvToken)
}
