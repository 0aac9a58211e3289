// Package executor runs task invocations as external processes and turns
// their output into completions.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/formtask/internal/model"
)

// Engine executes invocations. It holds no per-run state and may be used
// from many worker goroutines at once.
type Engine struct {
	pollInterval time.Duration
	waitDelay    time.Duration
	logger       zerolog.Logger
}

// New creates an Engine from cfg. Zero values fall back to defaults.
func New(cfg model.ExecutorConfig, logger zerolog.Logger) *Engine {
	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = model.DefaultPollIntervalMs * time.Millisecond
	}
	waitDelay := time.Duration(cfg.WaitDelayMs) * time.Millisecond
	if waitDelay <= 0 {
		waitDelay = model.DefaultWaitDelayMs * time.Millisecond
	}
	return &Engine{
		pollInterval: poll,
		waitDelay:    waitDelay,
		logger:       logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs inv to completion. It never panics and never returns an
// error: every failure is described on the completion.
//
// The invocation is abandoned, and its process killed, when either the
// cancel token fires or ctx is done.
func (e *Engine) Execute(ctx context.Context, inv model.TaskInvocation) model.TaskCompletion {
	start := time.Now()
	c := model.TaskCompletion{
		TaskID:      inv.Spec.ID,
		RunID:       inv.RunID,
		Assign:      inv.Spec.Assign,
		Concurrency: inv.Spec.Concurrency,
	}

	if isCancelled(ctx, inv.Token) {
		c.Cancelled = true
		c.Error = "cancelled"
		return c
	}

	switch k := inv.Spec.Kind.(type) {
	case model.ExecKind:
		e.runExec(ctx, inv, k, &c)
	default:
		c.Error = fmt.Sprintf("unsupported task kind %T", inv.Spec.Kind)
	}

	c.Duration = time.Since(start)
	e.logger.Debug().
		Str("task", c.TaskID).
		Uint64("run_id", c.RunID).
		Dur("duration", c.Duration).
		Bool("cancelled", c.Cancelled).
		Str("error", c.Error).
		Msg("run_finished")
	return c
}

func (e *Engine) runExec(ctx context.Context, inv model.TaskInvocation, k model.ExecKind, c *model.TaskCompletion) {
	cmd := exec.Command(k.Program, k.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		c.Error = fmt.Sprintf("spawn failed: %v", err)
		return
	}
	e.logger.Debug().Str("task", c.TaskID).Uint64("run_id", c.RunID).Int("pid", cmd.Process.Pid).Msg("run_spawned")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := k.EffectiveTimeout()
	started := time.Now()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var tokenDone <-chan struct{}
	if inv.Token != nil {
		tokenDone = inv.Token.Done()
	}

	var waitErr error
poll:
	for {
		select {
		case waitErr = <-done:
			break poll
		case <-tokenDone:
			e.kill(cmd, done)
			c.Cancelled = true
			c.Error = "cancelled"
			return
		case <-ctx.Done():
			e.kill(cmd, done)
			c.Cancelled = true
			c.Error = "cancelled"
			return
		case <-ticker.C:
			if time.Since(started) >= timeout {
				e.kill(cmd, done)
				c.Error = fmt.Sprintf("timeout after %dms", timeout.Milliseconds())
				e.logger.Warn().Str("task", c.TaskID).Uint64("run_id", c.RunID).Dur("timeout", timeout).Msg("run_timeout")
				return
			}
		}
	}

	if waitErr != nil && !isExitError(waitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		c.Error = fmt.Sprintf("wait failed: %v", waitErr)
		return
	}

	code := cmd.ProcessState.ExitCode()
	c.StatusCode = &code
	c.Stdout = strings.ToValidUTF8(stdout.String(), "\uFFFD")
	c.Stderr = strings.ToValidUTF8(stderr.String(), "\uFFFD")

	if code != 0 {
		c.Error = fmt.Sprintf("exit status %d: %s", code, strings.TrimSpace(c.Stderr))
		return
	}

	value, err := Parse(k.Parse, c.Stdout)
	if err != nil {
		c.Error = err.Error()
		return
	}
	c.Value = value
}

// kill terminates the process and waits for Wait to return so the child is
// reaped before the worker reports back.
func (e *Engine) kill(cmd *exec.Cmd, done <-chan error) {
	if err := killProcess(cmd); err != nil {
		e.logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("kill_failed")
	}
	<-done
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func isCancelled(ctx context.Context, token *model.CancelToken) bool {
	if token != nil && token.IsCancelled() {
		return true
	}
	return ctx.Err() != nil
}
