package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultGracefulTimeout is how long to wait for the child to exit
	// after its stdin is closed.
	DefaultGracefulTimeout = 5 * time.Second
	// DefaultTermTimeout is how long to wait after SIGTERM before SIGKILL.
	DefaultTermTimeout = 5 * time.Second

	// stderrRingSize bounds the retained child stderr history.
	stderrRingSize = 1000

	// malformedLineLogLimit truncates bad lines in log output.
	malformedLineLogLimit = 256
)

// StdioConfig describes a child process speaking NDJSON over stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries override or extend the parent environment.
	Env map[string]string
	Cwd string

	Logger *zap.Logger

	// PIDs, when set, records the child pid under PIDKey for orphan
	// cleanup on the next startup.
	PIDs   *PIDTracker
	PIDKey string

	// Zero values mean the defaults above. Tests shorten these.
	GracefulTimeout time.Duration
	TermTimeout     time.Duration
}

// StdioTransport runs one child process and frames JSON-RPC envelopes as
// newline-delimited JSON on its pipes. Close performs the three-stage
// shutdown escalation: stdin close, SIGTERM, SIGKILL.
type StdioTransport struct {
	cfg StdioConfig
	log *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closing bool
	closed  bool

	msgs       chan []byte
	readerDone chan struct{}
	exited     chan struct{}

	stderr *stderrRing

	errMu   sync.Mutex
	termErr error
}

// NewStdioTransport creates a transport for the given child command. The
// process is not spawned until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.TermTimeout == 0 {
		cfg.TermTimeout = DefaultTermTimeout
	}
	return &StdioTransport{
		cfg:        cfg,
		log:        logger,
		msgs:       make(chan []byte, 100),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		stderr:     newStderrRing(stderrRingSize),
	}
}

// Start spawns the child process and begins reading its stdout.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("transport already started")
	}
	if t.closed {
		return errors.New("transport closed")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	if t.cfg.Cwd != "" {
		cmd.Dir = t.cfg.Cwd
	}
	cmd.Env = buildEnv(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	if t.cfg.PIDs != nil {
		if err := t.cfg.PIDs.Add(t.cfg.PIDKey, cmd.Process.Pid); err != nil {
			t.log.Warn("failed to track child pid", zap.Error(err))
		}
	}

	go t.readStderr(stderr)
	go t.readLoop(stdout)
	go t.watch()

	return nil
}

// Send writes one envelope followed by a newline.
func (t *StdioTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return errors.New("transport not started")
	}
	if t.closing || t.closed {
		return errors.New("transport closed")
	}

	if _, err := t.stdin.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := t.stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

// Messages returns the inbound stream. It closes after the child exits.
func (t *StdioTransport) Messages() <-chan []byte {
	return t.msgs
}

// Err reports why the stream ended. Nil for an orderly shutdown.
func (t *StdioTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.termErr
}

// StderrTail returns the retained tail of the child's stderr, oldest
// first. Useful for diagnosing a crashed server.
func (t *StdioTransport) StderrTail() []string {
	return t.stderr.Lines()
}

// readLoop splits stdout into lines and forwards each syntactically valid
// JSON line. Partial chunks are reassembled by the buffered reader; a
// trailing fragment without a newline is surfaced once at EOF.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if msg := bytes.TrimSpace(line); len(msg) > 0 {
			if json.Valid(msg) {
				t.msgs <- append([]byte(nil), msg...)
			} else {
				t.log.Warn("received malformed JSON message from child process",
					zap.String("line", truncateLine(msg, malformedLineLogLimit)))
			}
		}
		if err != nil {
			return
		}
	}
}

// readStderr retains the child's diagnostic output in a bounded ring and
// mirrors it at debug level.
func (t *StdioTransport) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.Append(line)
		t.log.Debug("child stderr", zap.String("line", line))
	}
}

// watch reaps the child. Wait also closes the parent pipe ends, which
// unblocks the reader; the message channel closes only after the terminal
// error is recorded.
func (t *StdioTransport) watch() {
	waitErr := t.cmd.Wait()

	t.mu.Lock()
	closing := t.closing || t.closed
	t.mu.Unlock()

	if !closing && waitErr != nil {
		t.errMu.Lock()
		t.termErr = fmt.Errorf("process exited: %w", waitErr)
		t.errMu.Unlock()
	}

	<-t.readerDone
	close(t.msgs)
	close(t.exited)

	if t.cfg.PIDs != nil {
		if err := t.cfg.PIDs.Remove(t.cfg.PIDKey); err != nil {
			t.log.Warn("failed to untrack child pid", zap.Error(err))
		}
	}
}

// Close runs the shutdown escalation: close stdin and wait, SIGTERM and
// wait, then SIGKILL. A SIGKILL delivery failure is returned to the
// caller.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	if t.closing {
		t.mu.Unlock()
		<-t.exited
		return nil
	}
	t.closing = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
	}()

	// Already dead, nothing to escalate.
	select {
	case <-t.exited:
		return nil
	default:
	}

	if err := stdin.Close(); err != nil {
		t.log.Warn("Failed to close stdin stream", zap.Error(err))
	}

	select {
	case <-t.exited:
		t.log.Info("Process exited gracefully after stdin close")
		return nil
	case <-time.After(t.cfg.GracefulTimeout):
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the timeout and the signal.
		select {
		case <-t.exited:
			t.log.Info("Process exited gracefully after stdin close")
			return nil
		default:
			t.log.Warn("failed to send SIGTERM", zap.Error(err))
		}
	}

	select {
	case <-t.exited:
		t.log.Info("Process exited after SIGTERM")
		return nil
	case <-time.After(t.cfg.TermTimeout):
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.log.Error("Failed to kill process with SIGKILL", zap.Error(err))
		return fmt.Errorf("kill process: %w", err)
	}
	<-t.exited
	t.log.Warn("Force killed process with SIGKILL")
	return nil
}

// truncateLine bounds a logged payload.
func truncateLine(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "...(truncated)"
}

// buildEnv creates the child environment: the parent environment with PATH
// augmented by common binary locations, then the configured overrides.
func buildEnv(customEnv map[string]string) []string {
	env := os.Environ()

	pathDirs := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
	}

	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			currentPath := strings.TrimPrefix(e, "PATH=")
			env[i] = "PATH=" + strings.Join(pathDirs, ":") + ":" + currentPath
			break
		}
	}

	for k, v := range customEnv {
		found := false
		prefix := k + "="
		for i, e := range env {
			if strings.HasPrefix(e, prefix) {
				env[i] = k + "=" + v
				found = true
				break
			}
		}
		if !found {
			env = append(env, k+"="+v)
		}
	}

	return env
}

// stderrRing is a bounded line buffer for child stderr.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max}
}

func (r *stderrRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *stderrRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
