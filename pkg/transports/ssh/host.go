package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Upload copies the local host binary to remotePath and marks it executable.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), Retryable: true}
	}
	defer remote.Close()

	written, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), Retryable: true}
	}
	if err := client.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("Host binary uploaded")
	return nil
}

// Execute starts remotePath with args. Its stdin and stdout are returned;
// closing stdout ends the SSH session.
func (c *Client) Execute(ctx context.Context, remotePath string, args ...string) (io.WriteCloser, io.ReadCloser, error) {
	client, err := c.conn("exec")
	if err != nil {
		return nil, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), Retryable: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = c.logger.With().Str("stream", "host-stderr").Logger()

	command := commandLine(remotePath, args)
	c.logger.Debug().Str("command", command).Msg("Starting host")
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start host: %w", err)}
	}

	r := &sessionReader{Reader: stdout, session: session, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.done:
		}
	}()
	return stdin, r, nil
}

// Cleanup removes the uploaded host binary.
func (c *Client) Cleanup(ctx context.Context, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "cleanup", Err: err}
	}
	return nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.conn("sftp")
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), Retryable: true}
	}
	return client, nil
}

type sessionReader struct {
	io.Reader
	session *ssh.Session
	once    sync.Once
	done    chan struct{}
	err     error
}

func (r *sessionReader) Close() error {
	r.once.Do(func() {
		close(r.done)
		if err := r.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			r.err = err
		}
	})
	return r.err
}

// commandLine single-quotes every word for a POSIX shell.
func commandLine(name string, args []string) string {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{name}, args...) {
		words = append(words, "'"+strings.ReplaceAll(w, "'", `'\''`)+"'")
	}
	return strings.Join(words, " ")
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
