package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stopTimeout bounds how long an encoder gets to exit after SIGINT
const stopTimeout = 5 * time.Second

// ffmpegLogLevel returns the ffmpeg log level, "error" unless FFMPEG_LOGLEVEL
// is set
func ffmpegLogLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}

// process is an encoder subprocess whose stdout carries the encoded stream
type process struct {
	name   string
	cmd    *exec.Cmd
	stdout io.ReadCloser

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// startProcess launches args[0] with the remaining arguments. The process is
// not bound to a context: it lives until stop is called.
func startProcess(name string, args []string, env []string) (*process, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Info("Starting encoder", "stream", name, "command", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	p := &process{
		name:   name,
		cmd:    cmd,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go p.readOutput(stderr)
	return p, nil
}

// readOutput drains stderr into the debug log and keeps it for error reports
func (p *process) readOutput(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.stderrBuf.WriteString(line + "\n")
		p.stderrMu.Unlock()
		slog.Debug("Encoder output", "stream", p.name, "line", line)
	}
	pipe.Close()
}

// stderrTail returns the last lines written to stderr
func (p *process) stderrTail(lines int) string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	all := strings.Split(strings.TrimSpace(p.stderrBuf.String()), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}

func (p *process) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	return p.waitErr
}

// exited reports whether the process has already been reaped
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop interrupts the process and waits for it, killing it after stopTimeout
func (p *process) stop() error {
	if p.cmd.Process == nil {
		return nil
	}

	if !p.exited() {
		slog.Debug("Sending SIGINT to encoder", "stream", p.name)
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to encoder, falling back to SIGKILL", "stream", p.name, "error", err)
			p.cmd.Process.Kill()
		}
	}

	result := make(chan error, 1)
	go func() {
		result <- p.wait()
	}()

	select {
	case err := <-result:
		return interpretExit(err)
	case <-time.After(stopTimeout):
		slog.Warn("Encoder did not exit within timeout, force killing", "stream", p.name)
		p.cmd.Process.Kill()
		<-result
		return nil
	}
}

// interpretExit treats the exits caused by our own signals as clean
func interpretExit(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ffmpeg exits with 255 after a graceful interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return fmt.Errorf("encoder process failed: %w", err)
}
