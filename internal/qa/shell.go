package qa

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"foreman/internal/plan"
)

// CheckTimeout is the hard per-check wall clock limit.
const CheckTimeout = 90 * time.Second

// outputTailBytes bounds how much stdout/stderr is kept per check.
const outputTailBytes = 2000

// DefaultAllowlist maps binaries to their permitted argument prefixes. Any
// command outside it fails with exit code 1 and is never executed.
var DefaultAllowlist = map[string][]string{
	"npm": {"build", "run lint", "test", "run test"},
	"go":  {"build", "vet", "test"},
}

// CheckOutcome is the result of one deterministic check.
type CheckOutcome struct {
	Command  string `json:"command"`
	Status   string `json:"status"` // passed | failed | skipped
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"` // last 2000 bytes
	Stderr   string `json:"stderr,omitempty"` // last 2000 bytes
}

// DeterministicResult aggregates all shell checks for one worker artifact.
type DeterministicResult struct {
	Pass         bool           `json:"pass"`
	QualityScore float64        `json:"quality_score"`
	Passed       int            `json:"passed"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Outcomes     []CheckOutcome `json:"outcomes"`
}

// execFunc runs a command line and returns its outputs; swapped in tests.
type execFunc func(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

// ShellRunner executes allowlisted shell checks in a sandbox directory.
type ShellRunner struct {
	Allowlist map[string][]string
	WorkDir   string
	Timeout   time.Duration

	run execFunc
}

// NewShellRunner creates a runner with the default allowlist and timeout.
func NewShellRunner(workDir string) *ShellRunner {
	r := &ShellRunner{
		Allowlist: DefaultAllowlist,
		WorkDir:   workDir,
		Timeout:   CheckTimeout,
	}
	r.run = r.execute
	return r
}

// Allowed validates a command line against the allowlist: the binary must be
// listed and the rest of the line must start with one of its permitted
// argument prefixes.
func (r *ShellRunner) Allowed(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	prefixes, ok := r.Allowlist[fields[0]]
	if !ok {
		return false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(command, fields[0]))
	for _, p := range prefixes {
		if rest == p || strings.HasPrefix(rest, p+" ") {
			return true
		}
	}
	return false
}

// RunChecks executes each shell-typed check and aggregates the result.
// Non-shell checks and "missing script" failures count as skipped, not as
// real failures.
func (r *ShellRunner) RunChecks(ctx context.Context, checks []plan.QACheck) *DeterministicResult {
	res := &DeterministicResult{}

	for _, check := range checks {
		if check.Type != "shell" {
			res.Skipped++
			res.Outcomes = append(res.Outcomes, CheckOutcome{Command: check.Command, Status: "skipped"})
			continue
		}

		outcome := r.runOne(ctx, check.Command)
		res.Outcomes = append(res.Outcomes, outcome)
		switch outcome.Status {
		case "passed":
			res.Passed++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
	}

	res.Pass = res.Failed == 0
	res.QualityScore = deterministicScore(res.Passed, res.Failed, res.Skipped)
	return res
}

func (r *ShellRunner) runOne(ctx context.Context, command string) CheckOutcome {
	if !r.Allowed(command) {
		return CheckOutcome{
			Command:  command,
			Status:   "failed",
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Command not allowed: %s", command),
		}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = CheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.run(ctx, command)
	stdout = tail(stdout, outputTailBytes)
	stderr = tail(stderr, outputTailBytes)

	if ctx.Err() == context.DeadlineExceeded {
		log.Printf("[QA] check timed out: %s", command)
		return CheckOutcome{Command: command, Status: "failed", ExitCode: -1, Stdout: stdout, Stderr: "[timeout]"}
	}

	if isMissingScript(stdout, stderr) {
		return CheckOutcome{Command: command, Status: "skipped", ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	}
	if err != nil || exitCode != 0 {
		return CheckOutcome{Command: command, Status: "failed", ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	}
	return CheckOutcome{Command: command, Status: "passed", ExitCode: 0, Stdout: stdout, Stderr: stderr}
}

// execute is the real subprocess implementation.
func (r *ShellRunner) execute(ctx context.Context, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = 1
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// deterministicScore maps check counts onto the fixed score ladder.
func deterministicScore(passed, failed, skipped int) float64 {
	switch {
	case failed > 0:
		return 0.3
	case passed > 0 && skipped == 0:
		return 1.0
	case passed > 0:
		return 0.85
	default:
		return 0.7
	}
}

func isMissingScript(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + "\n" + stderr)
	return strings.Contains(combined, "missing script")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
