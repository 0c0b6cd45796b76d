// Package execx runs external tooling such as the package manager.
package execx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExternalError is a failed external command.
type ExternalError struct {
	Command string
	Dir     string
	Output  string
	Err     error
}

func (e *ExternalError) Error() string {
	msg := fmt.Sprintf("%s (in %s): %v", e.Command, e.Dir, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLines(out, 5)
	}
	return msg
}

func (e *ExternalError) Unwrap() error { return e.Err }

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &ExternalError{
			Command: strings.TrimSpace(name + " " + strings.Join(args, " ")),
			Dir:     dir,
			Output:  string(out),
			Err:     err,
		}
	}
	return out, nil
}

// InstallCommand returns the install argv for a package manager.
func InstallCommand(pm string) ([]string, error) {
	switch pm {
	case "npm":
		return []string{"npm", "install"}, nil
	case "pnpm":
		return []string{"pnpm", "install"}, nil
	case "yarn":
		return []string{"yarn", "install"}, nil
	case "bun":
		return []string{"bun", "install"}, nil
	}
	return nil, fmt.Errorf("unsupported package manager %q", pm)
}

// Install runs the package manager install in dir.
func Install(ctx context.Context, r Runner, dir, pm string) ([]byte, error) {
	argv, err := InstallCommand(pm)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, dir, argv[0], argv[1:]...)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Recorder is a Runner that records calls instead of executing them.
type Recorder struct {
	Calls  [][]string
	Output []byte
	Err    error
}

func (r *Recorder) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, append([]string{dir, name}, args...))
	if r.Err != nil {
		return r.Output, &ExternalError{Command: name + " " + strings.Join(args, " "), Dir: dir, Output: string(r.Output), Err: r.Err}
	}
	return r.Output, nil
}
