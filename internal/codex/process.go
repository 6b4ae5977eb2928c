// Package codex owns the downstream session: one long-lived codex child
// process spoken to over MCP stdio, multiplexed by every agent in the
// system. The adapter serializes calls per agent, carries thread
// continuations and exposes cancellation.
package codex

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"maestro/internal/async"
	"maestro/internal/errs"
	"maestro/internal/logging"
)

// processManager spawns and supervises the codex child process.
type processManager struct {
	command string
	args    []string

	mu       sync.Mutex
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	running  bool
	stopChan chan struct{}
	waitDone chan error

	logger logging.Logger
}

func newProcessManager(command string, args []string, logger logging.Logger) *processManager {
	return &processManager{
		command: command,
		args:    args,
		logger:  logging.OrNop(logger),
	}
}

// start spawns the child and wires its pipes.
func (pm *processManager) start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return errs.New(errs.Internal, "codex process already running")
	}

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}

	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)

	cmd := exec.CommandContext(ctx, resolved, pm.args...)
	if pm.stdin, err = cmd.StdinPipe(); err != nil {
		return errs.Wrap(errs.Transport, err, "stdin pipe")
	}
	if pm.stdout, err = cmd.StdoutPipe(); err != nil {
		return errs.Wrap(errs.Transport, err, "stdout pipe")
	}
	if pm.stderr, err = cmd.StderrPipe(); err != nil {
		return errs.Wrap(errs.Transport, err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.Transport, err, "start %s", pm.command)
	}

	pm.process = cmd
	pm.running = true
	pm.logger.Info("codex child started: %s %v (pid %d)", pm.command, pm.args, cmd.Process.Pid)

	async.Go(pm.logger, "codex.monitorStderr", pm.monitorStderr)
	async.Go(pm.logger, "codex.monitorExit", pm.monitorExit)
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", errs.New(errs.InvalidArgument, "codex command is required")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", errs.Wrap(errs.Transport, err, "codex command not found")
	}
	return resolved, nil
}

// stop closes stdin for a graceful exit, then kills on timeout.
func (pm *processManager) stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.running = false
	stopChan := pm.stopChan
	waitDone := pm.waitDone
	process := pm.process
	stdin := pm.stdin
	pm.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case err := <-waitDone:
		pm.logger.Info("codex child exited: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("codex child did not exit in %v, killing", timeout)
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return errs.Wrap(errs.Transport, err, "kill codex child")
			}
		}
		return nil
	}
}

func (pm *processManager) isRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// write sends one framed message to the child's stdin.
func (pm *processManager) write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.stdin == nil {
		return errs.New(errs.Transport, "codex child not running")
	}
	if _, err := pm.stdin.Write(data); err != nil {
		return errs.Wrap(errs.Transport, err, "write to codex child")
	}
	return nil
}

func (pm *processManager) stdoutReader() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

func (pm *processManager) monitorStderr() {
	pm.mu.Lock()
	stderr := pm.stderr
	stopChan := pm.stopChan
	pm.mu.Unlock()
	if stderr == nil {
		return
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-stopChan:
			return
		default:
			pm.logger.Debug("[codex stderr] %s", scanner.Text())
		}
	}
}

func (pm *processManager) monitorExit() {
	pm.mu.Lock()
	process := pm.process
	waitDone := pm.waitDone
	pm.mu.Unlock()
	if process == nil {
		return
	}

	err := process.Wait()
	select {
	case waitDone <- err:
	default:
	}

	pm.mu.Lock()
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	if wasRunning {
		pm.logger.Error("codex child exited unexpectedly: %v", err)
	}
}
