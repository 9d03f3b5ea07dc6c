// Package syncer drives a full synchronization run: discovery, planning,
// bounded-parallel mirroring with retries, and the final report.
package syncer

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/semaphore"

	"github.com/po4yka/gitout/internal/config"
	"github.com/po4yka/gitout/internal/creds"
	"github.com/po4yka/gitout/internal/forge"
	"github.com/po4yka/gitout/internal/gitrun"
	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/metrics"
	"github.com/po4yka/gitout/internal/plan"
	"github.com/po4yka/gitout/internal/retry"
)

const (
	defaultWorkers = 4
	maxWorkers     = 64

	// EnvGitTimeout bounds each git invocation, parsed as a Go duration.
	EnvGitTimeout = "GITOUT_GIT_TIMEOUT"
)

// Runner abstracts git execution so tests can substitute a fake.
type Runner interface {
	Args(req gitrun.Request) []string
	Run(ctx context.Context, req gitrun.Request) error
}

// Discoverer abstracts forge discovery so tests can substitute a fake.
type Discoverer interface {
	LoadRepositories(ctx context.Context, user string) (*forge.Discovery, error)
}

// Options tunes one PerformSync call. The zero value is usable apart from
// DestinationRoot.
type Options struct {
	DestinationRoot string
	DryRun          bool

	// Workers overrides the worker count; 0 defers to config, then 4.
	Workers int
	// GitTimeout overrides the per-invocation git timeout; 0 defers to
	// $GITOUT_GIT_TIMEOUT, then 10 minutes.
	GitTimeout time.Duration

	// LookupEnv abstracts environment access; nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Runner substitutes the git runner; nil means a real *gitrun.Runner.
	Runner Runner
	// NewDiscoverer substitutes forge client construction; nil means
	// forge.NewClient against the real API.
	NewDiscoverer func(ctx context.Context, token string) Discoverer

	// RetryPolicy overrides the retry policy; nil defers to the config's
	// retry block, then retry.DefaultPolicy.
	RetryPolicy *retry.Policy
	// RetrySleep substitutes the retry engine's delay, for tests.
	RetrySleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) lookupEnv(key string) (string, bool) {
	if o.LookupEnv != nil {
		return o.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

// PerformSync runs one synchronization pass and returns its Report. When
// tasks fail the Report is still returned, alongside a *PartialFailureError.
func PerformSync(ctx context.Context, cfg *config.Config, opts Options) (*Report, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	if cfg == nil {
		return nil, errors.Wrap(ErrConfig, "no configuration")
	}
	if cfg.Version != config.SupportedVersion {
		return nil, errors.Wrapf(ErrConfig, "config version %d is not supported", cfg.Version)
	}
	if !opts.DryRun {
		info, err := os.Stat(opts.DestinationRoot)
		if err != nil {
			return nil, errors.Wrapf(ErrDestination, "destination root %s: %s", opts.DestinationRoot, err)
		}
		if !info.IsDir() {
			return nil, errors.Wrapf(ErrDestination, "destination root %s is not a directory", opts.DestinationRoot)
		}
	}

	// Resolve the forge credential before any I/O. Only the source label is
	// ever logged; the token itself is registered for redaction.
	var token string
	if cfg.GitHub != nil {
		var source string
		var err error
		token, source, err = forge.ResolveToken(cfg.GitHub, opts.lookupEnv)
		if err != nil {
			return nil, errors.Wrap(ErrAuthSetup, err.Error())
		}
		logging.RedactSecret(token)
		logger.Debug("Resolved forge credential", "source", source)
	}

	tasks, err := assembleTasks(ctx, cfg, token, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("Planned synchronization", "tasks", len(tasks), "dry_run", opts.DryRun)

	runner := opts.Runner
	if runner == nil {
		runner = &gitrun.Runner{Timeout: resolveGitTimeout(opts)}
	}

	if opts.DryRun {
		return dryRun(ctx, tasks, cfg, runner), nil
	}

	// All forge tasks share one credential file for the run; it is destroyed
	// on every exit path.
	var vault *creds.Vault
	needsAuth := false
	for _, task := range tasks {
		if task.Authenticated {
			needsAuth = true
			break
		}
	}
	if needsAuth && token != "" {
		vault, err = creds.New(cfg.GitHub.User, token, forge.Host)
		if err != nil {
			return nil, errors.Wrap(ErrAuthSetup, err.Error())
		}
	}
	defer func() {
		if destroyErr := vault.Destroy(); destroyErr != nil {
			logger.Error("Failed to destroy credential file", "error", destroyErr)
		}
	}()

	results := executeTasks(ctx, tasks, cfg, runner, vault, opts)

	report := buildReport(results, time.Since(start))
	metrics.SyncFromContext(ctx).RecordRun(ctx, report.Failed, report.WallTime)
	logger.Info("Synchronization complete",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"wall_time", report.WallTime.Round(time.Millisecond))
	for _, failure := range report.Failures {
		logger.Error("Repository failed to synchronize",
			"repository", failure.Task.Ref.Name,
			"url", failure.Task.Ref.URL,
			"category", failure.ErrorCategory.String(),
			"attempts", failure.Attempts,
			"error", failure.ErrorMessage)
	}

	if ctx.Err() != nil {
		return report, errors.Wrap(ErrCancelled, ctx.Err().Error())
	}
	if report.Failed > 0 {
		return report, &PartialFailureError{Failures: report.Failures}
	}
	return report, nil
}

// assembleTasks runs discovery (when configured) and plans the task list.
func assembleTasks(ctx context.Context, cfg *config.Config, token string, opts Options) ([]plan.Task, error) {
	inputs := plan.Inputs{DestinationRoot: opts.DestinationRoot}
	if cfg.Git != nil {
		inputs.GitRepos = cfg.Git.Repos
	}

	if cfg.GitHub != nil {
		var discoverer Discoverer
		if opts.NewDiscoverer != nil {
			discoverer = opts.NewDiscoverer(ctx, token)
		} else {
			discoverer = forge.NewClient(ctx, token)
		}

		engine := retry.New(retryPolicy(cfg, opts))
		engine.Sleep = opts.RetrySleep
		discovery, err := retry.Execute(ctx, engine, "repository discovery",
			func(ctx context.Context, _ *retry.Context) (*forge.Discovery, error) {
				return discoverer.LoadRepositories(ctx, cfg.GitHub.User)
			})
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ErrCancelled, err.Error())
			}
			return nil, errors.Wrap(ErrDiscovery, err.Error())
		}

		recorder := metrics.SyncFromContext(ctx)
		recorder.RecordDiscovery(ctx, "owned", discovery.Owned.Size())
		recorder.RecordDiscovery(ctx, "starred", discovery.Starred.Size())
		recorder.RecordDiscovery(ctx, "watching", discovery.Watching.Size())
		recorder.RecordDiscovery(ctx, "gists", discovery.Gists.Size())

		inputs.Discovery = discovery
		if clone := cfg.GitHub.Clone; clone != nil {
			inputs.Extras = clone.Repos
			inputs.CloneStarred = clone.Starred
			inputs.CloneWatched = clone.Watched
			inputs.CloneGists = clone.Gists
			inputs.Ignore = clone.Ignore
		}
	}

	tasks, err := plan.Plan(ctx, inputs)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}
	return tasks, nil
}

// dryRun logs the command each task would run and reports every task as
// succeeded without touching the filesystem or the network.
func dryRun(ctx context.Context, tasks []plan.Task, cfg *config.Config, runner Runner) *Report {
	logger := logging.FromContext(ctx)
	results := make([]Result, len(tasks))
	for i, task := range tasks {
		req := buildRequest(task, cfg, "", false)
		logger.Info("Would run",
			"repository", task.Ref.Name,
			"command", "git "+strings.Join(runner.Args(req), " "),
			"dir", dirFor(task))
		results[i] = Result{Task: task, Status: StatusSucceeded, Attempts: 0}
	}
	return buildReport(results, 0)
}

// executeTasks pushes every task through the worker pool. Worker admission is
// in planner order; completions are unordered. No per-task failure escapes.
func executeTasks(ctx context.Context, tasks []plan.Task, cfg *config.Config, runner Runner, vault *creds.Vault, opts Options) []Result {
	workers := resolveWorkers(cfg, opts)
	sem := semaphore.NewWeighted(int64(workers))
	recorder := metrics.SyncFromContext(ctx)

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		// Permits are taken here, in planner order, before the worker starts.
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{
				Task:         task,
				Status:       StatusFailed,
				ErrorMessage: "cancelled before start",
			}
			continue
		}
		wg.Add(1)
		go func(i int, task plan.Task) {
			defer wg.Done()
			defer sem.Release(1)
			result := runTask(ctx, task, cfg, runner, vault, opts)
			results[i] = result

			category := ""
			if result.Status == StatusFailed {
				category = result.ErrorCategory.String()
			}
			recorder.RecordTask(ctx, task.Mode.String(), result.Status.String(), result.Attempts, result.Duration, category)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runTask executes one task through the retry engine, converting any failure
// into a Result rather than letting it escape the worker.
func runTask(ctx context.Context, task plan.Task, cfg *config.Config, runner Runner, vault *creds.Vault, opts Options) Result {
	credentialFile := ""
	if task.Authenticated && vault != nil {
		credentialFile = vault.Path()
	}

	engine := retry.New(retryPolicy(cfg, opts))
	engine.Sleep = opts.RetrySleep
	engine.Classify = func(err error) retry.Category {
		return retry.ClassifyOperation(err.Error(), task.Mode == gitrun.ModeClone)
	}

	start := time.Now()
	attempts := 0
	var lastCategory retry.Category
	_, err := retry.Execute(ctx, engine, task.Ref.Name,
		func(ctx context.Context, rctx *retry.Context) (struct{}, error) {
			attempts = rctx.Attempt
			req := buildRequest(task, cfg, credentialFile, rctx.UseHTTP1Fallback)
			runErr := runner.Run(ctx, req)
			if runErr != nil {
				lastCategory = engine.Classify(runErr)
			}
			return struct{}{}, runErr
		})
	duration := time.Since(start)

	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}
		return Result{
			Task:          task,
			Status:        StatusFailed,
			Attempts:      attempts,
			Duration:      duration,
			ErrorCategory: lastCategory,
			ErrorMessage:  err.Error(),
		}
	}
	return Result{Task: task, Status: StatusSucceeded, Attempts: attempts, Duration: duration}
}

func buildRequest(task plan.Task, cfg *config.Config, credentialFile string, useHTTP1 bool) gitrun.Request {
	req := gitrun.Request{
		URL:            task.Ref.URL,
		Destination:    task.Destination,
		Mode:           task.Mode,
		CredentialFile: credentialFile,
		UseHTTP1:       useHTTP1,
	}
	if cfg.SSL != nil {
		req.SSLNoVerify = !cfg.SSL.VerifyCertificates
		req.SSLCertFile = cfg.SSL.CertFile
	}
	return req
}

func dirFor(task plan.Task) string {
	r := gitrun.Runner{}
	return r.Dir(gitrun.Request{Destination: task.Destination, Mode: task.Mode})
}

func retryPolicy(cfg *config.Config, opts Options) retry.Policy {
	if opts.RetryPolicy != nil {
		return *opts.RetryPolicy
	}
	if cfg.Retry.MaxAttempts > 0 && cfg.Retry.BaseDelay > 0 {
		return cfg.Retry
	}
	return retry.DefaultPolicy()
}

func resolveWorkers(cfg *config.Config, opts Options) int {
	workers := opts.Workers
	if workers == 0 {
		workers = cfg.Parallelism.Workers
	}
	if workers == 0 {
		workers = defaultWorkers
	}
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return workers
}

func resolveGitTimeout(opts Options) time.Duration {
	if opts.GitTimeout > 0 {
		return opts.GitTimeout
	}
	if raw, ok := opts.lookupEnv(EnvGitTimeout); ok && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return 0 // gitrun applies its 10 minute default
}
