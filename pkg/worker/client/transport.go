package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/transports/ssh"
)

// Process is a started worker.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Transport starts workers.
type Transport interface {
	Start(ctx context.Context) (Process, error)
	Close() error
}

// ProcessTransport runs the worker binary on this host.
type ProcessTransport struct {
	binary string
	args   []string
	logger zerolog.Logger
}

// NewProcessTransport resolves cfg.Binary on PATH.
func NewProcessTransport(cfg Config, logger zerolog.Logger) (*ProcessTransport, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("worker binary is required")
	}
	path, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("worker binary %s: %w", cfg.Binary, err)
	}
	return &ProcessTransport{
		binary: path,
		args:   cfg.Args,
		logger: logger.With().Str("component", "worker-process").Logger(),
	}, nil
}

// Start launches a worker. Its stderr is logged line by line.
func (t *ProcessTransport) Start(ctx context.Context) (Process, error) {
	cmd := exec.Command(t.binary, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &lineLogger{logger: t.logger}
	cmd.Stderr = stderr

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", t.binary, err)
	}
	t.logger.Debug().Int("pid", cmd.Process.Pid).Msg("worker started")
	return &localProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Close is a no-op; local workers are owned by their commands.
func (t *ProcessTransport) Close() error { return nil }

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *lineLogger
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }

func (p *localProcess) Wait() error {
	err := p.cmd.Wait()
	p.stderr.flush()
	return err
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.log(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.log(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) log(line string) {
	if line = strings.TrimSpace(line); line != "" {
		l.logger.Debug().Str("stream", "stderr").Msg(line)
	}
}

// SSHTransport runs the worker on a remote host. The local binary is
// copied once per transport.
type SSHTransport struct {
	client     *ssh.Client
	binary     string
	remotePath string
	args       []string
	logger     zerolog.Logger

	mu       sync.Mutex
	uploaded bool
}

// NewSSHTransport connects lazily to cfg.SSH.
func NewSSHTransport(cfg Config, logger zerolog.Logger) (*SSHTransport, error) {
	cfg.applyDefaults()
	if cfg.SSH == nil {
		return nil, fmt.Errorf("ssh configuration is required")
	}
	client, err := ssh.NewClient(cfg.SSH, logger)
	if err != nil {
		return nil, err
	}
	return newSSHTransport(client, cfg, logger), nil
}

func newSSHTransport(client *ssh.Client, cfg Config, logger zerolog.Logger) *SSHTransport {
	return &SSHTransport{
		client:     client,
		binary:     cfg.Binary,
		remotePath: cfg.RemotePath,
		args:       cfg.Args,
		logger:     logger.With().Str("component", "worker-ssh").Str("host", client.Host()).Logger(),
	}
}

// Start uploads the worker if needed and runs it.
func (t *SSHTransport) Start(ctx context.Context) (Process, error) {
	if err := t.ensureUploaded(ctx); err != nil {
		return nil, err
	}
	parts := append([]string{t.remotePath}, t.args...)
	for i, p := range parts {
		parts[i] = shellQuote(p)
	}
	command := strings.Join(parts, " ")

	retry := retrypolicy.NewBuilder[Process]().
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		HandleIf(func(_ Process, err error) bool {
			return temporary(err)
		}).
		OnRetry(func(e failsafe.ExecutionEvent[Process]) {
			t.logger.Warn().Err(e.LastError()).Int("attempt", e.Attempts()).Msg("retrying worker start")
		}).
		ReturnLastFailure().
		Build()
	return failsafe.With(retry).WithContext(ctx).Get(func() (Process, error) {
		proc, err := t.client.Start(ctx, command)
		if err != nil {
			return nil, err
		}
		return proc, nil
	})
}

// temporary reports whether a transport error may clear on retry.
func temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func (t *SSHTransport) ensureUploaded(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uploaded || t.binary == "" {
		return nil
	}

	path, err := exec.LookPath(t.binary)
	if err != nil {
		return fmt.Errorf("worker binary %s: %w", t.binary, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open worker binary: %w", err)
	}
	defer f.Close()

	if err := t.client.Upload(ctx, bufio.NewReader(f), t.remotePath, 0o755); err != nil {
		return fmt.Errorf("failed to upload worker: %w", err)
	}
	t.uploaded = true
	t.logger.Info().Str("remote", t.remotePath).Msg("worker binary uploaded")
	return nil
}

// Close drops the SSH connection.
func (t *SSHTransport) Close() error {
	return t.client.Close()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '-' || r == '_' || r == '.' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
