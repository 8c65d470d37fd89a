package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxCapture bounds how much of each stream is kept for the result.
const maxCapture = 256 * 1024

// Cmd is one tool invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command line for logs.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CmdResult holds the exit code and captured output of a command.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// LineFunc receives each output line as it is produced. stream is
// "stdout" or "stderr".
type LineFunc func(stream, line string)

// Executor runs commands. A non-zero exit is reported in CmdResult, not as
// an error.
type Executor interface {
	Run(ctx context.Context, cmd Cmd, onLine LineFunc) (CmdResult, error)
}

// OSExecutor runs commands as local processes.
type OSExecutor struct {
	// WaitDelay is how long to wait for output after the process is killed.
	WaitDelay time.Duration
}

// Run implements Executor.
func (e OSExecutor) Run(ctx context.Context, c Cmd, onLine LineFunc) (CmdResult, error) {
	if c.Name == "" {
		return CmdResult{}, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CmdResult{}, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return CmdResult{}, fmt.Errorf("failed to open stderr: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return CmdResult{}, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	var outBuf, errBuf tailBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, "stdout", &outBuf, onLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, "stderr", &errBuf, onLine)
	}()
	wg.Wait()

	err = cmd.Wait()
	result := CmdResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to execute %s: %w", c.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func scanLines(r io.Reader, stream string, buf *tailBuffer, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if onLine != nil {
			onLine(stream, line)
		}
	}
}

// tailBuffer keeps the last maxCapture bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if over := t.buf.Len() - maxCapture; over > 0 {
		t.buf.Next(over)
	}
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
