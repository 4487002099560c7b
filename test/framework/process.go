package framework

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL. The engine drains workers on shutdown, so this has to cover
// the cancellation grace of any in-flight stage.
const stopGrace = 10 * time.Second

// Process supervises one ferret binary under test. Stdout and stderr
// are merged into an in-memory buffer so tests can assert on startup
// and shutdown lines without tailing files.
type Process struct {
	tag    string
	binary string
	args   []string
	env    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error

	logs *LogBuffer
}

// NewProcess prepares a process without starting it. tag prefixes the
// relayed output lines so interleaved multi-node logs stay readable.
func NewProcess(tag, binary string, args ...string) *Process {
	return &Process{
		tag:    tag,
		binary: binary,
		args:   args,
		logs:   &LogBuffer{},
	}
}

// AppendEnv adds KEY=VALUE pairs to the child environment on top of
// the test runner's own environment.
func (p *Process) AppendEnv(kv ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env = append(p.env, kv...)
}

// Start launches the binary. It can be called again after the previous
// run exited, which is how restart scenarios reuse a data directory.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		select {
		case <-p.done:
		default:
			return fmt.Errorf("%s already running with pid %d", p.tag, p.cmd.Process.Pid)
		}
	}

	cmd := exec.Command(p.binary, p.args...)
	cmd.Env = append(os.Environ(), p.env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", p.tag, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", p.tag, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.tag, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.exitErr = nil

	// Wait must not run until both pipes hit EOF, otherwise the last
	// lines of output can be lost.
	var readers sync.WaitGroup
	readers.Add(2)
	go p.relay(stdout, &readers)
	go p.relay(stderr, &readers)
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
	}()

	return nil
}

// Stop sends SIGTERM and waits for the process to exit. If it is still
// alive after the grace window it is killed.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("%s was never started", p.tag)
	}

	select {
	case <-done:
		return nil // already exited
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", p.tag, err)
	}

	select {
	case <-done:
		if err := p.ExitError(); err != nil && err.Error() != "signal: terminated" {
			return fmt.Errorf("%s exited uncleanly: %w", p.tag, err)
		}
		return nil
	case <-time.After(stopGrace):
		return p.Kill()
	}
}

// Kill sends SIGKILL and waits for the process to go away.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("%s was never started", p.tag)
	}

	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", p.tag, err)
	}
	<-done
	return nil
}

// Restart stops the process and starts it again with the same
// arguments and environment.
func (p *Process) Restart() error {
	if err := p.Stop(); err != nil {
		_ = p.Kill()
	}
	return p.Start()
}

// Running reports whether the process has started and not yet exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// PID returns the process id of the current or most recent run.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitError returns the error from Wait once the process has exited,
// nil while it is still running or if it exited cleanly.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Logs returns everything the process has written so far.
func (p *Process) Logs() string {
	return p.logs.String()
}

// WaitForLog blocks until substr shows up in the output. It keeps
// watching across process exit so shutdown lines can be awaited too.
func (p *Process) WaitForLog(substr string, timeout time.Duration) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if p.logs.Contains(substr) {
			return nil
		}
		select {
		case <-deadline.C:
			return fmt.Errorf("%s: log line %q not seen within %v", p.tag, substr, timeout)
		case <-done:
			// Drain whatever the readers flushed on exit, then give up.
			if p.logs.Contains(substr) {
				return nil
			}
			return fmt.Errorf("%s exited without logging %q", p.tag, substr)
		case <-tick.C:
		}
	}
}

func (p *Process) relay(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logs.Append(line)
		fmt.Printf("[%s] %s\n", p.tag, line)
	}
}

// LogBuffer accumulates output lines behind a lock.
type LogBuffer struct {
	mu    sync.RWMutex
	lines []string
}

// Append adds one line.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// Contains reports whether any captured line contains substr.
func (b *LogBuffer) Contains(substr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, line := range b.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// String joins all captured lines.
func (b *LogBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.lines, "\n")
}

// Len returns the number of captured lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}
