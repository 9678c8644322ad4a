package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// LocalTransport runs the host as a child process on this machine.
type LocalTransport struct {
	// Stderr receives the host's diagnostics. Defaults to os.Stderr.
	Stderr io.Writer
}

// Upload copies the binary when the two paths differ.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if filepath.Clean(localPath) == filepath.Clean(remotePath) {
		return nil
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Execute starts the host. Closing the returned stdout waits for the process.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string, args ...string) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, remotePath, args...)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}
	return stdin, &processReader{ReadCloser: stdout, cmd: cmd}, nil
}

// Cleanup removes a copied binary.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type processReader struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

// Close releases the pipe and reaps the process.
func (r *processReader) Close() error {
	r.once.Do(func() {
		_ = r.ReadCloser.Close()
		r.err = r.cmd.Wait()
	})
	return r.err
}
