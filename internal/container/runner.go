package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// dockerRunErrorCode is the exit code `docker run` uses when the daemon itself
// fails (missing image, bad mount). A contained process may exit 125 too, so
// the code alone does not decide; see dockerFailure.
const dockerRunErrorCode = 125

// stderrTailSize is how much trailing stderr is kept to recognise docker's own errors.
const stderrTailSize = 4096

// Mount is a host path bind-mounted into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m Mount) String() string {
	s := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// RunSpec describes one container execution.
type RunSpec struct {
	Image  string
	Name   string
	Mounts []Mount
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes a container to completion. Run returns nil on exit code 0,
// an *ExitError on any other exit code, and a plain error when the container
// could not be run at all.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) error
}

// CLIRunner runs containers with `docker run --rm -i`, streaming stdin/stdout/stderr.
//
// Exit code 125 is reported as a failure to run the container only when the
// tail of stderr carries the docker CLI's own error ("docker: ..." or
// "Error response from daemon"). Otherwise it is the container's exit code.
type CLIRunner struct {
	dockerBin string
}

// NewCLIRunner creates a runner using the given docker binary ("docker" when empty).
func NewCLIRunner(dockerBin string) *CLIRunner {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return &CLIRunner{dockerBin: dockerBin}
}

// Args returns the docker CLI arguments for spec.
func (r *CLIRunner) Args(spec RunSpec) []string {
	args := []string{"run", "--rm", "-i", "--name", spec.Name}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.String())
	}
	return append(args, spec.Image)
}

func (r *CLIRunner) Run(ctx context.Context, spec RunSpec) error {
	if spec.Image == "" {
		return fmt.Errorf("run container: image is required")
	}
	if spec.Name == "" {
		return fmt.Errorf("run container: name is required")
	}

	cmd := exec.CommandContext(ctx, r.dockerBin, r.Args(spec)...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	stderrTail := &tailWriter{w: spec.Stderr, max: stderrTailSize}
	cmd.Stderr = stderrTail
	// Killing the CLI client leaves the container running; stop it by name first.
	cmd.Cancel = func() error {
		killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if out, err := exec.CommandContext(killCtx, r.dockerBin, "kill", spec.Name).CombinedOutput(); err != nil {
			slog.Warn("docker kill failed", "container", spec.Name, "error", err, "output", strings.TrimSpace(string(out)))
		}
		return cmd.Process.Kill()
	}

	slog.Info("running container", "container", spec.Name, "image", spec.Image, "mounts", len(spec.Mounts))
	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	if err == nil {
		slog.Info("container exited", "container", spec.Name, "exit_code", 0, "duration_ms", duration.Milliseconds())
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("run container %s: %w", spec.Name, ctxErr)
	}
	var execErr *exec.ExitError
	if errors.As(err, &execErr) && execErr.ExitCode() == dockerRunErrorCode {
		if msg, ok := dockerFailure(stderrTail.bytes()); ok {
			return fmt.Errorf("run container %s: docker could not start the container: %s: %w", spec.Name, msg, err)
		}
	}
	if errors.As(err, &execErr) && execErr.ExitCode() > 0 {
		slog.Info("container exited", "container", spec.Name, "exit_code", execErr.ExitCode(), "duration_ms", duration.Milliseconds())
		return &ExitError{Code: execErr.ExitCode(), Err: err}
	}
	return fmt.Errorf("run container %s: %w", spec.Name, err)
}

// dockerFailure finds the docker CLI's own error message in the tail of stderr.
func dockerFailure(tail []byte) (string, bool) {
	lines := strings.Split(strings.TrimSpace(string(tail)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "docker: ") || strings.HasPrefix(line, "Error response from daemon") {
			return line, true
		}
	}
	return "", false
}

// tailWriter passes writes through to w and keeps the last max bytes.
type tailWriter struct {
	w   io.Writer
	max int
	buf []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	if t.w == nil {
		return len(p), nil
	}
	return t.w.Write(p)
}

func (t *tailWriter) bytes() []byte {
	return t.buf
}

var _ Runner = (*CLIRunner)(nil)
