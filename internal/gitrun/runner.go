// Package gitrun builds and executes git subprocesses for mirror clones and
// mirror updates, with per-invocation timeouts and graceful shutdown.
package gitrun

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/errors"

	"github.com/po4yka/gitout/internal/logging"
)

// Mode selects the git operation for a destination.
type Mode int

const (
	// ModeClone creates a fresh bare mirror.
	ModeClone Mode = iota
	// ModeUpdate refreshes an existing mirror in place.
	ModeUpdate
)

func (m Mode) String() string {
	if m == ModeUpdate {
		return "update"
	}
	return "clone"
}

// Request describes one git invocation. URL never carries credentials; those
// travel via CredentialFile and git's credential-helper machinery.
type Request struct {
	URL            string
	Destination    string // absolute path of the mirror
	Mode           Mode
	CredentialFile string // path to a credential-store file, empty for anonymous remotes
	SSLNoVerify    bool
	SSLCertFile    string
	UseHTTP1       bool // force -c http.version=HTTP/1.1
}

// Runner executes git with a wall-clock timeout. On timeout or cancellation
// the child first receives SIGTERM and is killed after GracePeriod.
type Runner struct {
	Timeout     time.Duration // default 10m
	GracePeriod time.Duration // default 10s
}

const (
	defaultTimeout     = 10 * time.Minute
	defaultGracePeriod = 10 * time.Second
)

// Args returns the argument list (excluding the leading "git") in the fixed
// order the command is constructed: SSL options, protocol options, credential
// helper, then the operation.
func (r *Runner) Args(req Request) []string {
	var args []string
	if req.SSLNoVerify {
		args = append(args, "-c", "http.sslVerify=false")
	}
	if req.UseHTTP1 {
		args = append(args, "-c", "http.version=HTTP/1.1")
	}
	if req.CredentialFile != "" {
		args = append(args, "-c", "credential.helper=store --file="+req.CredentialFile)
	}
	switch req.Mode {
	case ModeUpdate:
		args = append(args, "remote", "update", "--prune")
	default:
		args = append(args, "clone", "--mirror", req.URL, filepath.Base(req.Destination))
	}
	return args
}

// Dir returns the working directory for the invocation: the destination's
// parent for clones, the destination itself for updates.
func (r *Runner) Dir(req Request) string {
	if req.Mode == ModeUpdate {
		return req.Destination
	}
	return filepath.Dir(req.Destination)
}

// Run executes the git invocation described by req. A non-zero exit yields an
// error carrying the exit code and the logical URL; the error text is what
// the retry engine classifies.
func (r *Runner) Run(ctx context.Context, req Request) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	dir := r.Dir(req)
	if req.Mode == ModeClone {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "create destination parent")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := r.Args(req)
	// #nosec G204 - args are constructed from validated config, never user-typed
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv(req)
	// Diagnostics stream through to the host's stderr unchanged, but a copy
	// is kept so failures can be classified by their message.
	var diag strings.Builder
	cmd.Stderr = io.MultiWriter(os.Stderr, &diag)
	var stdout strings.Builder
	cmd.Stdout = &stdout
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	logger := logging.MaybeFromContext(ctx)
	if logger != nil {
		logger.Debug("Running git", "args", strings.Join(args, " "), "dir", dir)
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "git %s of %s cancelled", req.Mode, req.URL)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errors.Errorf("git %s of %s timed out after %s", req.Mode, req.URL, elapsed.Round(time.Second))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return errors.Errorf("git %s of %s exited with code %d: %s", req.Mode, req.URL, exitErr.ExitCode(), lastLines(diag.String(), 4))
	}
	return errors.Wrapf(err, "launch git %s of %s", req.Mode, req.URL)
}

// lastLines returns the trailing n non-empty lines of s joined by "; ".
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := make([]string, 0, n)
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "; ")
}

// gitEnv returns the child environment: the parent environment plus SSL path
// overrides when a CA bundle is configured.
func gitEnv(req Request) []string {
	env := os.Environ()
	if req.SSLCertFile != "" {
		env = append(env,
			"SSL_CERT_FILE="+req.SSLCertFile,
			"SSL_CERT_DIR="+filepath.Dir(req.SSLCertFile),
		)
	}
	return env
}
