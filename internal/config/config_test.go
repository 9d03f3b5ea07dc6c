package config //nolint:testpackage

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/hcl/v2"
)

func TestInjectEnvars(t *testing.T) {
	type Clone struct {
		Starred bool `hcl:"starred"`
	}
	type GitHub struct {
		User  string `hcl:"user"`
		Clone Clone  `hcl:"clone,block"`
	}
	type Parallelism struct {
		Workers int `hcl:"workers"`
	}
	type Config struct {
		Version     int         `hcl:"version"`
		GitHub      GitHub      `hcl:"github,block"`
		Parallelism Parallelism `hcl:"parallelism,block"`
	}

	schema, err := hcl.Schema(new(Config))
	assert.NoError(t, err)

	tests := []struct {
		name     string
		config   string
		vars     map[string]string
		expected string
	}{
		{
			name:   "InjectTopLevelAttr",
			config: ``,
			vars:   map[string]string{"GITOUT_VERSION": "0"},
			expected: `
version = 0
`,
		},
		{
			name:   "InjectNestedAttr",
			config: `version = 0`,
			vars:   map[string]string{"GITOUT_PARALLELISM_WORKERS": "10"},
			expected: `
version = 0

parallelism {
  workers = 10
}
`,
		},
		{
			name: "ExistingAttrNotOverwritten",
			config: `
version = 0

parallelism {
  workers = 4
}
`,
			vars: map[string]string{"GITOUT_PARALLELISM_WORKERS": "10"},
			expected: `
version = 0

parallelism {
  workers = 4
}
`,
		},
		{
			name: "InjectIntoExistingBlock",
			config: `
github {
  user = "someone"
}
`,
			vars: map[string]string{"GITOUT_GITHUB_CLONE_STARRED": "true"},
			expected: `
github {
  user = "someone"

  clone {
    starred = true
  }
}
`,
		},
		{
			name:   "NoMatchingEnvar",
			config: `version = 0`,
			vars:   map[string]string{"UNRELATED_VAR": "foo"},
			expected: `
version = 0
`,
		},
		{
			name:     "EmptyBlockNotCreated",
			config:   ``,
			vars:     map[string]string{},
			expected: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := hcl.Parse(strings.NewReader(tt.config))
			assert.NoError(t, err)

			InjectEnvars(schema, config, "GITOUT", tt.vars)

			got, err := hcl.MarshalAST(config)
			assert.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tt.expected), strings.TrimSpace(string(got)))
		})
	}
}

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`version = 0`), nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, cfg.Version)
	assert.Zero(t, cfg.GitHub)
	assert.Zero(t, cfg.Git)
	assert.Equal(t, 4, cfg.Parallelism.Workers)
	assert.True(t, cfg.SSL.VerifyCertificates)
}

func TestParseFull(t *testing.T) {
	input := `
version = 0

github {
  user = "someone"

  clone {
    starred = true
    repos = ["othergal/dotfiles"]
    ignore = ["someone/big-repo"]
  }
}

git {
  repos = {
    chromium: "https://chromium.googlesource.com/chromium/src.git",
  }
}

ssl {
  verify-certificates = false
}

parallelism {
  workers = 8
}
`
	cfg, err := Parse(strings.NewReader(input), nil)
	assert.NoError(t, err)
	assert.NotZero(t, cfg.GitHub)
	assert.Equal(t, "someone", cfg.GitHub.User)
	assert.True(t, cfg.GitHub.Clone.Starred)
	assert.False(t, cfg.GitHub.Clone.Watched)
	assert.True(t, cfg.GitHub.Clone.Gists)
	assert.Equal(t, []string{"othergal/dotfiles"}, cfg.GitHub.Clone.Repos)
	assert.Equal(t, []string{"someone/big-repo"}, cfg.GitHub.Clone.Ignore)
	assert.NotZero(t, cfg.Git)
	assert.Equal(t, "https://chromium.googlesource.com/chromium/src.git", cfg.Git.Repos["chromium"])
	assert.False(t, cfg.SSL.VerifyCertificates)
	assert.Equal(t, 8, cfg.Parallelism.Workers)
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	_, err := Parse(strings.NewReader(`version = 1`), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config version 1")
}

func TestParseRequiresGitHubUser(t *testing.T) {
	_, err := Parse(strings.NewReader("version = 0\n\ngithub {\n}\n"), nil)
	assert.Error(t, err)
}

func TestParseExpandsVars(t *testing.T) {
	input := "version = 0\n\ngithub {\n  user = \"someone\"\n  token = \"${GITHUB_TOKEN}\"\n}\n"
	cfg, err := Parse(strings.NewReader(input), map[string]string{"GITHUB_TOKEN": "hunter2hunter2"})
	assert.NoError(t, err)
	assert.Equal(t, "hunter2hunter2", cfg.GitHub.Token)
}

func TestParseIgnoresUnknownEntries(t *testing.T) {
	input := "version = 0\n\nfrobnicator {\n  x = 1\n}\n"
	_, err := Parse(strings.NewReader(input), nil)
	assert.NoError(t, err)
}
