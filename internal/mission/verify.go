package mission

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Hooks for tests.
var (
	timeNow       = time.Now
	timeAfterFunc = time.AfterFunc
)

// runVerify executes the verify command through the shell in the mission's
// working directory. It passes iff the command exits zero; the returned
// output is stdout and stderr concatenated.
func (e *Engine) runVerify(ctx context.Context, workDir, cmd string) (string, bool) {
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	command := exec.CommandContext(vctx, "sh", "-c", cmd)
	if workDir != "" {
		command.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	output := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	if vctx.Err() != nil {
		output = strings.TrimSpace(output + "\nverification timed out after " + e.cfg.VerifyTimeout.String())
		return output, false
	}
	return output, err == nil
}
