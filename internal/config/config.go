// Package config loads the HCL configuration that drives a synchronization
// run: which forge account to mirror, which extra git URLs to include, and
// how aggressively to parallelise.
package config

import (
	"io"
	"math/big"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"

	"github.com/po4yka/gitout/internal/healthcheck"
	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/metrics"
	"github.com/po4yka/gitout/internal/retry"
)

// SupportedVersion is the only configuration schema version this build understands.
const SupportedVersion = 0

type Config struct {
	Version     int                `hcl:"version" help:"Configuration schema version. Must be 0."`
	GitHub      *GitHubConfig      `hcl:"github,block,optional" help:"GitHub account to mirror."`
	Git         *GitConfig         `hcl:"git,block,optional" help:"Additional git repositories to mirror."`
	SSL         *SSLConfig         `hcl:"ssl,block,optional" help:"TLS behaviour for git and API traffic."`
	Parallelism ParallelismConfig  `hcl:"parallelism,block,optional" help:"Worker pool sizing."`
	Retry       retry.Policy       `hcl:"retry,block,optional" help:"Retry behaviour for transient failures."`
	Log         logging.Config     `hcl:"log,block,optional" help:"Logging configuration."`
	Metrics     metrics.Config     `hcl:"metrics,block,optional" help:"Metrics configuration."`
	Schedule    ScheduleConfig     `hcl:"schedule,block,optional" help:"Daemon schedule."`
	Healthcheck healthcheck.Config `hcl:"healthcheck,block,optional" help:"Liveness ping configuration."`
}

type GitHubConfig struct {
	User    string        `hcl:"user" help:"GitHub username whose repositories are mirrored."`
	Token   string        `hcl:"token,optional" help:"Personal access token. Prefer $GITHUB_TOKEN or $GITHUB_TOKEN_FILE over storing it here."`
	Archive ArchiveConfig `hcl:"archive,block,optional"`
	Clone   *CloneConfig  `hcl:"clone,block,optional"`
}

type ArchiveConfig struct {
	Owned bool `hcl:"owned,optional" help:"Recognised for compatibility; archiving is handled outside the sync engine."`
}

type CloneConfig struct {
	Starred bool     `hcl:"starred,optional" help:"Also mirror starred repositories."`
	Watched bool     `hcl:"watched,optional" help:"Also mirror watched repositories."`
	Gists   bool     `hcl:"gists,optional" help:"Also mirror gists." default:"true"`
	Repos   []string `hcl:"repos,optional" help:"Extra owner/name repositories to mirror regardless of affiliation."`
	Ignore  []string `hcl:"ignore,optional" help:"owner/name entries to exclude from mirroring. Exact match."`
}

type GitConfig struct {
	Repos map[string]string `hcl:"repos,optional" help:"Map of local name to git URL."`
}

type SSLConfig struct {
	CertFile           string `hcl:"cert-file,optional" help:"Path to a CA bundle handed to git via SSL_CERT_FILE."`
	VerifyCertificates bool   `hcl:"verify-certificates,optional" help:"Verify TLS certificates." default:"true"`
}

type ParallelismConfig struct {
	Workers int `hcl:"workers,optional" help:"Number of concurrent mirror operations." default:"4"`
}

type ScheduleConfig struct {
	Cron string `hcl:"cron,optional" help:"Cron expression for daemon mode." default:"0 */6 * * *"`
}

// Load parses, env-injects and validates a configuration file.
func Load(path string, vars map[string]string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer f.Close()
	return Parse(f, vars)
}

// Parse reads configuration from r. Attributes absent from the file are
// filled from GITOUT_* environment variables, and ${VAR} references inside
// strings are expanded before unmarshalling.
func Parse(r io.Reader, vars map[string]string) (*Config, error) {
	ast, err := hcl.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	schema, err := hcl.Schema(new(Config))
	if err != nil {
		panic(err)
	}
	InjectEnvars(schema, ast, "GITOUT", vars)
	ExpandVars(ast, vars)

	config := new(Config)
	err = hcl.UnmarshalAST(ast, config, hcl.AllowExtra(true), hcl.HydratedImplicitBlocks(true))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if config.Version != SupportedVersion {
		return nil, errors.Errorf("unsupported config version %d (expected %d)", config.Version, SupportedVersion)
	}
	if config.GitHub != nil && config.GitHub.User == "" {
		return nil, errors.New("github block requires a user")
	}
	config.normalize()
	return config, nil
}

// normalize fills in defaults for blocks that were absent entirely; HCL
// defaults only apply to attributes of blocks that are present.
func (c *Config) normalize() {
	if c.GitHub != nil && c.GitHub.Clone == nil {
		c.GitHub.Clone = &CloneConfig{Gists: true}
	}
	if c.SSL == nil {
		c.SSL = &SSLConfig{VerifyCertificates: true}
	}
	if c.Parallelism.Workers == 0 {
		c.Parallelism.Workers = 4
	}
	if c.Retry.MaxAttempts == 0 || c.Retry.BaseDelay == 0 {
		defaults := retry.DefaultPolicy()
		if c.Retry.MaxAttempts == 0 {
			c.Retry.MaxAttempts = defaults.MaxAttempts
		}
		if c.Retry.BaseDelay == 0 {
			c.Retry.BaseDelay = defaults.BaseDelay
		}
	}
	c.Retry.Strategy = retry.StrategyLinear
	c.Retry.Adaptive = true
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 */6 * * *"
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = "gitout"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9102
	}
}

// Schema returns the configuration file schema.
func Schema() *hcl.AST {
	schema, err := hcl.Schema(new(Config))
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseEnvars returns a map of all environment variables.
func ParseEnvars() map[string]string {
	envars := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envars[key] = value
		}
	}
	return envars
}

// ExpandVars expands environment variable references in HCL strings and heredocs.
func ExpandVars(ast *hcl.AST, vars map[string]string) {
	_ = hcl.Visit(ast, func(node hcl.Node, next func() error) error { //nolint:errcheck
		attr, ok := node.(*hcl.Attribute)
		if ok {
			switch attr := attr.Value.(type) {
			case *hcl.String:
				attr.Str = os.Expand(attr.Str, func(s string) string { return vars[s] })
			case *hcl.Heredoc:
				attr.Doc = os.Expand(attr.Doc, func(s string) string { return vars[s] })
			}
		}
		return next()
	})
}

// InjectEnvars walks the schema and for each attribute not present in the config,
// checks for a corresponding environment variable and injects it.
//
// Environment variable names are derived from the path to the attribute:
// prefix + block names + attr name, joined with "_", uppercased, hyphens replaced with "_".
// e.g. prefix="GITOUT", path=["parallelism", "workers"] -> "GITOUT_PARALLELISM_WORKERS".
func InjectEnvars(schema *hcl.AST, config *hcl.AST, prefix string, vars map[string]string) {
	container := &entryContainer{ast: config}
	injectEntries(schema.Entries, container, []string{prefix}, vars)
	_ = hcl.AddParentRefs(config) //nolint:errcheck
}

// entryContainer abstracts over AST (top-level) and Block (nested) for inserting entries.
type entryContainer struct {
	ast   *hcl.AST
	block *hcl.Block
}

func (c *entryContainer) entries() hcl.Entries {
	if c.block != nil {
		return c.block.Body
	}
	return c.ast.Entries
}

func (c *entryContainer) append(entry hcl.Entry) {
	if c.block != nil {
		c.block.Body = append(c.block.Body, entry)
	} else {
		c.ast.Entries = append(c.ast.Entries, entry)
	}
}

func (c *entryContainer) findBlock(name string) *entryContainer {
	for _, e := range c.entries() {
		if block, ok := e.(*hcl.Block); ok && block.Name == name {
			return &entryContainer{ast: c.ast, block: block}
		}
	}
	return nil
}

func injectEntries(schemaEntries hcl.Entries, container *entryContainer, path []string, vars map[string]string) {
	for _, entry := range schemaEntries {
		switch entry := entry.(type) {
		case *hcl.Attribute:
			typ, ok := entry.Value.(*hcl.Type)
			if !ok {
				continue
			}
			envarName := pathToEnvar(append(slices.Clone(path), entry.Key))
			val, ok := vars[envarName]
			if !ok {
				continue
			}
			if hasAttr(container.entries(), entry.Key) {
				continue
			}
			hclVal, err := parseValue(val, typ.Type)
			if err != nil {
				continue
			}
			container.append(&hcl.Attribute{Key: entry.Key, Value: hclVal})

		case *hcl.Block:
			child := container.findBlock(entry.Name)
			if child == nil {
				// Create a temporary container; only add the block to the
				// config if at least one envar populated it.
				tmp := &entryContainer{ast: container.ast, block: &hcl.Block{Name: entry.Name}}
				injectEntries(entry.Body, tmp, append(path, entry.Name), vars)
				if len(tmp.block.Body) > 0 {
					container.append(tmp.block)
				}
			} else {
				injectEntries(entry.Body, child, append(path, entry.Name), vars)
			}
		}
	}
}

func pathToEnvar(path []string) string {
	s := strings.Join(path, "_")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToUpper(s)
}

func hasAttr(entries hcl.Entries, key string) bool {
	for _, e := range entries {
		if attr, ok := e.(*hcl.Attribute); ok && attr.Key == key {
			return true
		}
	}
	return false
}

func parseValue(raw string, typ string) (hcl.Value, error) {
	switch typ {
	case "string":
		return &hcl.String{Str: raw}, nil
	case "number":
		f, _, err := big.ParseFloat(raw, 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Number{Float: f}, nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Bool{Bool: b}, nil
	default:
		return nil, errors.Errorf("unsupported type %q", typ)
	}
}
