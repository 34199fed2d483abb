package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/ocx/metering/internal/faults"
)

const truncationMarker = "\n...[output truncated]"

// Config tunes execution.
type Config struct {
	// ExecutionTimeout is the soft deadline; the process group is killed
	// at twice this if SIGKILL on the child was not enough.
	ExecutionTimeout time.Duration

	// MaxOutputBytes caps captured stdout+stderr.
	MaxOutputBytes int

	// PathEnv is the only environment variable the child sees.
	PathEnv string
}

func (c *Config) withDefaults() {
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = 10 * time.Second
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = 256 << 10
	}
	if c.PathEnv == "" {
		c.PathEnv = "/usr/bin:/bin"
	}
}

// Result is a finished execution.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
	TimedOut  bool          `json:"timed_out"`
}

// Sandbox is the full pipeline: tokenize, allowlist, jail, execute,
// redact, audit.
type Sandbox struct {
	policy   Policy
	jail     *Jail
	redactor *Redactor
	audit    *AuditLog
	cfg      Config
}

// New assembles a sandbox. audit and redactor may be nil.
func New(policy Policy, jail *Jail, redactor *Redactor, audit *AuditLog, cfg Config) *Sandbox {
	cfg.withDefaults()
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Sandbox{policy: policy, jail: jail, redactor: redactor, audit: audit, cfg: cfg}
}

// Execute runs one command line through the pipeline. A deny returns a
// sandbox_violation error naming the reason; the command never starts.
func (s *Sandbox) Execute(ctx context.Context, command string) (*Result, error) {
	tokens, reason := Tokenize(command)
	if reason == "" {
		reason = s.policy.Check(tokens)
	}
	if reason == "" {
		tokens, reason = s.jail.CheckArgs(tokens)
	}
	if reason != "" {
		s.record(AuditRecord{Action: "deny", Command: command, Reason: reason})
		return nil, faults.Newf(faults.SandboxViolation, "denied: %s", reason)
	}

	res, err := s.run(ctx, tokens)
	if err != nil {
		s.record(AuditRecord{Action: "deny", Command: command, Args: tokens[1:], Reason: string(faults.KindOf(err))})
		return nil, err
	}
	s.record(AuditRecord{
		Action:     "allow",
		Command:    command,
		Args:       tokens[1:],
		DurationMS: res.Duration.Milliseconds(),
		OutputSize: len(res.Stdout) + len(res.Stderr),
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
	})
	return res, nil
}

// run spawns the child with no shell, a bare environment, the jail as
// working directory, and its own process group so the timeout can kill
// the whole tree.
func (s *Sandbox) run(ctx context.Context, tokens []string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	cmd := exec.Command(tokens[0], tokens[1:]...)
	cmd.Dir = s.jail.Root()
	cmd.Env = []string{"PATH=" + s.cfg.PathEnv}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, faults.Wrap(faults.SandboxViolation, "spawn failed", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		s.killGroup(cmd)
		select {
		case waitErr = <-done:
		case <-time.After(s.cfg.ExecutionTimeout):
			// The child survived SIGKILL on its group leader somehow;
			// hit the group once more and give up waiting.
			s.killGroup(cmd)
			waitErr = <-done
		}
	}
	duration := time.Since(start)

	res := &Result{Duration: duration, TimedOut: timedOut}
	res.Stdout, res.Truncated = s.capAndScrub(stdout.String())
	errOut, errTrunc := s.capAndScrub(stderr.String())
	res.Stderr = errOut
	res.Truncated = res.Truncated || errTrunc

	if timedOut {
		return nil, faults.Newf(faults.SandboxTimeout, "killed after %s", duration.Round(time.Millisecond))
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil // non-zero exit is a result, not an error
		}
		return nil, faults.Wrap(faults.SandboxViolation, "wait failed", waitErr)
	}
	return res, nil
}

func (s *Sandbox) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *Sandbox) capAndScrub(out string) (string, bool) {
	truncated := false
	if len(out) > s.cfg.MaxOutputBytes {
		cut := s.cfg.MaxOutputBytes
		// Do not split multi-byte runes at the cap.
		for cut > 0 && !utf8RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + truncationMarker
		truncated = true
	}
	return s.redactor.Scrub(out), truncated
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func (s *Sandbox) record(rec AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(rec); err != nil {
		slog.Warn("sandbox: audit write failed", "err", err)
	}
}

// Describe summarizes the sandbox for health reporting.
func (s *Sandbox) Describe() string {
	return s.policy.Describe() + ", jail " + s.jail.Root() +
		", timeout " + s.cfg.ExecutionTimeout.String() +
		", output cap " + strconv.Itoa(s.cfg.MaxOutputBytes) + "B"
}
