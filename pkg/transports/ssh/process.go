package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Process is a remote command whose stdio is attached to the caller.
type Process struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  *tail

	closeOnce sync.Once
}

// Stdin returns the remote process's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the remote process's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the last bytes the process wrote to standard error.
func (p *Process) Stderr() string { return p.stderr.String() }

// Wait blocks until the remote command exits.
func (p *Process) Wait() error {
	if err := p.session.Wait(); err != nil {
		if msg := strings.TrimSpace(p.Stderr()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Kill signals the remote command and closes the session.
func (p *Process) Kill() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.session.Signal(ssh.SIGKILL)
		err = p.session.Close()
	})
	return err
}

// Start runs command on the host. The connection is established first if
// needed. ctx only bounds the start; use Kill to stop the process.
func (c *Client) Start(ctx context.Context, command string) (*Process, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr := &tail{limit: 64 << 10}
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", command, err), IsTemporary: true}
	}

	c.logger.Debug().Str("command", command).Msg("remote process started")
	return &Process{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// Upload copies r to remotePath over SFTP, creating parent directories.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	client, err := c.sshClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	// Write beside the target and rename so a running worker binary is
	// never truncated in place.
	tmp := remotePath + ".upload"
	f, err := sc.Create(tmp)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	if err := sc.Chmod(tmp, mode); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}
	if err := sc.PosixRename(tmp, remotePath); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to move %s into place: %w", remotePath, err)}
	}

	c.logger.Info().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return nil
}

// ctxReader stops a copy when ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// tail keeps the last limit bytes written to it.
type tail struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
