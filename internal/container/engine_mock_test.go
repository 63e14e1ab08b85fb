// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
)

type (
	// MockCommandRecorder captures arguments passed to exec.Command for verification.
	// It uses the TestHelperProcess pattern to simulate command execution.
	MockCommandRecorder struct {
		mu sync.Mutex
		// Invocations records each call to the mock exec.Command
		Invocations []MockInvocation
		// ExitCode is the exit code to return (0 = success)
		ExitCode int
		// Stdout is the output to write to stdout
		Stdout string
		// Stderr is the output to write to stderr
		Stderr string
		// FailOnCommand can be set to a subcommand that should fail
		FailOnCommand string
	}

	// MockInvocation represents a single invocation of exec.Command.
	MockInvocation struct {
		Name string
		Args []string
	}
)

// withBinaryPath pins the engine binary so tests do not depend on PATH.
func withBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = path
	}
}

// NewMockCommandRecorder creates a new recorder with default settings (success, no output).
func NewMockCommandRecorder() *MockCommandRecorder {
	return &MockCommandRecorder{}
}

// ExecCommand returns an ExecCommandFunc that records invocations and runs
// TestHelperProcess instead of the real binary.
func (m *MockCommandRecorder) ExecCommand(t *testing.T) ExecCommandFunc {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.Invocations = append(m.Invocations, MockInvocation{Name: name, Args: args})
		m.mu.Unlock()

		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		//nolint:gosec // TestHelperProcess is a test-only pattern
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		exitCode := m.ExitCode
		if m.FailOnCommand != "" && len(args) > 0 && args[0] == m.FailOnCommand {
			exitCode = 1
		}
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", exitCode),
			fmt.Sprintf("GO_HELPER_STDOUT=%s", m.Stdout),
			fmt.Sprintf("GO_HELPER_STDERR=%s", m.Stderr),
		}
		return cmd
	}
}

// LastArgs returns the arguments from the most recent invocation.
func (m *MockCommandRecorder) LastArgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invocations) == 0 {
		return nil
	}
	return m.Invocations[len(m.Invocations)-1].Args
}

// AssertInvocationCount verifies the number of command invocations.
func (m *MockCommandRecorder) AssertInvocationCount(t *testing.T, expected int) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invocations) != expected {
		t.Errorf("expected %d invocations, got %d", expected, len(m.Invocations))
	}
}

// AssertArgsContain verifies that the last invocation args contain the expected string.
func (m *MockCommandRecorder) AssertArgsContain(t *testing.T, expected string) {
	t.Helper()
	args := m.LastArgs()
	if !strings.Contains(strings.Join(args, " "), expected) {
		t.Errorf("expected args to contain %q, got: %v", expected, args)
	}
}

// HasArgPair checks if the last invocation contains a flag-value pair (e.g., "--tag", "local/base").
func (m *MockCommandRecorder) HasArgPair(flag, value string) bool {
	args := m.LastArgs()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// HasArg checks if the last invocation contains a specific argument.
func (m *MockCommandRecorder) HasArg(arg string) bool {
	return slices.Contains(m.LastArgs(), arg)
}

// TestHelperProcess is used by the mock to simulate command execution.
// It reads configuration from environment variables and outputs accordingly.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	// Drain stdin so load tests can stream archives.
	_, _ = io.Copy(io.Discard, os.Stdin)

	if stdout := os.Getenv("GO_HELPER_STDOUT"); stdout != "" {
		fmt.Fprint(os.Stdout, stdout)
	}
	if stderr := os.Getenv("GO_HELPER_STDERR"); stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}

	exitCode := 0
	if code := os.Getenv("GO_HELPER_EXIT_CODE"); code != "" {
		fmt.Sscanf(code, "%d", &exitCode)
	}
	os.Exit(exitCode)
}
