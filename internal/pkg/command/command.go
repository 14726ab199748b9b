// Package command runs helper programs that speak JSON over stdin and
// stdout, such as the ASR and question answering scripts.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goccy/go-json"
)

const maxStderr = 2048

// Error is a helper program that exited unsuccessfully.
type Error struct {
	Program  string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Program, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner runs argv with extra arguments appended.
type Runner struct {
	argv []string
	env  []string
}

func New(argv []string, env ...string) (*Runner, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("command is empty")
	}
	return &Runner{argv: append([]string(nil), argv...), env: env}, nil
}

// RunJSON runs the program with args, writes stdin (when non-nil) as JSON
// and decodes the last JSON line of stdout into out. Helper scripts often
// log before printing their result, so earlier lines are ignored.
func (r *Runner) RunJSON(ctx context.Context, stdin interface{}, out interface{}, args ...string) error {
	full := append(append([]string{}, r.argv[1:]...), args...)
	cmd := exec.CommandContext(ctx, r.argv[0], full...)
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}
	if stdin != nil {
		data, err := json.Marshal(stdin)
		if err != nil {
			return fmt.Errorf("encode input: %w", err)
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", r.argv[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Error{Program: r.argv[0], ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return fmt.Errorf("run %s: %w", r.argv[0], err)
	}

	line := lastJSONLine(stdout.Bytes())
	if line == nil {
		return fmt.Errorf("%s printed no JSON result", r.argv[0])
	}
	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("decode %s output: %w", r.argv[0], err)
	}
	return nil
}

func lastJSONLine(stdout []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return line
		}
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
