// Package subprocess runs a user-supplied script as a subprocess for
// ScriptTable artifacts (spec.md §4.5), writing the script body to a temp
// file, marking it executable, and capturing stdout/stderr to sibling
// files. The process-group-kill-on-timeout shape is grounded on the
// teacher's internal/hooks/hooks_unix.go subprocess runner.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result carries the captured output of a script run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes ScriptTable scripts as subprocesses.
type Runner struct {
	// WorkDir is where temp script/stdout/stderr files are written.
	WorkDir string
	// Timeout bounds a single script execution; zero means no timeout.
	Timeout time.Duration
}

// NewRunner creates a Runner rooted at workDir (created if absent).
func NewRunner(workDir string, timeout time.Duration) *Runner {
	return &Runner{WorkDir: workDir, Timeout: timeout}
}

// Run writes script to a temp file, makes it executable, and runs it,
// returning its captured stdout as the artifact's payload (spec.md §3
// ScriptTable: "its standard output becomes the payload"). A non-zero exit
// status surfaces the stderr text as the returned error (spec.md §4.5).
func (r *Runner) Run(ctx context.Context, key, script string) (retResult Result, retErr error) {
	tracer := otel.Tracer("github.com/sharethis/bqreconcile/subprocess")
	ctx, span := tracer.Start(ctx, "subprocess.run", trace.WithAttributes(
		attribute.String("artifact.key", key),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := os.MkdirAll(r.WorkDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating script work dir: %w", err)
	}

	scriptPath := filepath.Join(r.WorkDir, sanitize(key)+".sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return Result{}, fmt.Errorf("writing script for %s: %w", key, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	// #nosec G204 -- scriptPath is a file this process just wrote under WorkDir.
	cmd := exec.CommandContext(runCtx, scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutFile, err := os.Create(scriptPath + ".stdout")
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout file for %s: %w", key, err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(scriptPath + ".stderr")
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr file for %s: %w", key, err)
	}
	defer stderrFile.Close()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, stdoutFile)
	cmd.Stderr = io.MultiWriter(&stderr, stderrFile)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting script for %s: %w", key, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case <-runCtx.Done():
		if cmd.Process != nil {
			if killErr := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); killErr != nil && !errors.Is(killErr, syscall.ESRCH) {
				return Result{}, fmt.Errorf("killing script process group for %s: %w", key, killErr)
			}
		}
		<-done
		runErr = fmt.Errorf("script %s timed out after %s", key, r.Timeout)
	case runErr = <-done:
	}

	addOutputEvents(span, &stdout, &stderr)

	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if exitErr, ok := asExitError(runErr); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("script %s exited %d: %s", key, result.ExitCode, stderr.String())
	}
	if runErr != nil {
		return result, fmt.Errorf("running script for %s: %w", key, runErr)
	}
	return result, nil
}

func asExitError(err error) (*exec.ExitError, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

func addOutputEvents(span trace.Span, stdout, stderr *bytes.Buffer) {
	if n := stdout.Len(); n > 0 {
		span.AddEvent("script.stdout", trace.WithAttributes(attribute.Int("bytes", n)))
	}
	if n := stderr.Len(); n > 0 {
		span.AddEvent("script.stderr", trace.WithAttributes(attribute.Int("bytes", n)))
	}
}

func sanitize(key string) string {
	out := []byte(key)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-') {
			out[i] = '_'
		}
	}
	return string(out)
}
