package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// StdioTransport communicates with an MCP server running as a
// subprocess. Frames are newline-delimited JSON on stdin/stdout; stderr
// is diagnostic output only and is never parsed.
type StdioTransport struct {
	name      string
	logger    *slog.Logger
	sink      Sink
	killGrace time.Duration
	maxFrame  int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// StartStdio launches the server's command and returns a transport
// bound to its standard streams. The subprocess lives until Close.
func StartStdio(cfg ServerConfig, opts TransportOptions) (*StdioTransport, error) {
	opts = opts.withDefaults()
	argv := cfg.argv()
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command configured")
	}

	logger := opts.Logger
	logger.Info("starting MCP subprocess",
		"command", argv[0],
		"args", argv[1:],
	)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", argv[0], err)
	}

	t := &StdioTransport{
		name:      cfg.Name,
		logger:    logger,
		sink:      opts.Sink,
		killGrace: opts.KillGrace,
		maxFrame:  opts.MaxFrameSize,
		cmd:       cmd,
		stdin:     stdin,
		reader:    bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
	}

	go t.drainStderr(stderrPipe)

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// envList flattens an env map into sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// drainStderr reads stderr lines, logs them at debug level and hands
// them to the sink as diagnostics.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("MCP subprocess stderr", "line", line)
		t.sink.Notify(Notice{
			Time:    time.Now(),
			Server:  t.name,
			Kind:    NoticeStderr,
			Message: line,
		})
	}
}

// Send writes one frame followed by a newline. Writes are serialized so
// concurrent callers never interleave bytes on stdin.
func (t *StdioTransport) Send(_ context.Context, frame []byte) error {
	line := make([]byte, 0, len(frame)+1)
	line = append(line, bytes.ReplaceAll(frame, []byte("\n"), nil)...)
	line = append(line, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Receive returns the next non-empty line from stdout. It returns
// io.EOF once the subprocess closes its stdout.
func (t *StdioTransport) Receive() ([]byte, error) {
	for {
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine reads up to and including the next newline, enforcing the
// frame size limit.
func (t *StdioTransport) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > t.maxFrame {
			return nil, fmt.Errorf("frame exceeds %d bytes", t.maxFrame)
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			// Final frame without a trailing newline.
			return buf, nil
		default:
			return nil, err
		}
	}
}

// Close terminates the subprocess: stdin is closed, then SIGTERM is
// sent, and the process is killed if it has not exited within the
// grace period. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
	})
	return t.closeErr
}

func (t *StdioTransport) stop() error {
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	t.writeMu.Lock()
	t.stdin.Close()
	t.writeMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	// Give the process a moment to exit on stdin EOF before signalling.
	select {
	case err := <-done:
		return exitErr(err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Debug("SIGTERM failed", "pid", pid, "error", err)
	}

	select {
	case err := <-done:
		return exitErr(err)
	case <-time.After(t.killGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", pid,
			"grace", t.killGrace,
		)
		_ = t.cmd.Process.Kill()
		<-done
		return nil
	}
}

// exitErr drops the expected non-zero exit statuses produced by our
// own termination signals.
func exitErr(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil
	}
	return err
}

// Pid returns the subprocess ID.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}
