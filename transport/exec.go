package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Proc is a transport backed by a spawned subprocess: writes go to its
// stdin, reads come from its stdout. Stderr passes through to the parent's
// stderr so remote diagnostics stay visible.
type Proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   io.ReadCloser

	exited     chan struct{}
	exitedOnce sync.Once
}

// Exec spawns the command vector and returns a transport over its stdio.
// Canceling ctx kills the process.
func Exec(ctx context.Context, name string, args ...string) (*Proc, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", name, err)
	}

	p := &Proc{
		cmd:    cmd,
		stdin:  stdin,
		out:    stdout,
		exited: make(chan struct{}),
	}

	// kill the process if the context is canceled before it exits
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.exited:
		}
	}()

	return p, nil
}

func (p *Proc) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *Proc) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// CloseWrite closes the child's stdin, which the remote loop treats as an
// implicit QUIT.
func (p *Proc) CloseWrite() error {
	return p.stdin.Close()
}

// Wait reaps the child process.
func (p *Proc) Wait() error {
	err := p.cmd.Wait()
	p.exitedOnce.Do(func() { close(p.exited) })
	return err
}

// Close releases both pipes. Wait already closes them once the process
// exits, so errors here carry no information.
func (p *Proc) Close() error {
	p.stdin.Close()
	p.out.Close()
	return nil
}

// ShellOption configures a Shell transport.
type ShellOption func(o *shellOptions)

type shellOptions struct {
	sshPath       string
	sshArgs       []string
	remoteCommand []string
}

// WithSSHPath overrides the ssh binary used to reach the host.
func WithSSHPath(p string) ShellOption {
	return func(o *shellOptions) { o.sshPath = p }
}

// WithSSHArgs adds arguments placed before the host on the ssh command line.
func WithSSHArgs(args ...string) ShellOption {
	return func(o *shellOptions) { o.sshArgs = append(o.sshArgs, args...) }
}

// WithRemoteCommand overrides the command executed on the remote host. The
// default runs the farcall agent in stdio mode.
func WithRemoteCommand(cmd ...string) ShellOption {
	return func(o *shellOptions) { o.remoteCommand = cmd }
}

// Shell spawns a remote-shell session to host and runs the agent on the
// far side, returning a transport over the session's stdio.
func Shell(ctx context.Context, host string, opts ...ShellOption) (*Proc, error) {
	o := &shellOptions{
		sshPath:       "ssh",
		remoteCommand: []string{"farcalld", "stdio"},
	}
	for _, opt := range opts {
		opt(o)
	}
	args := append(append([]string{}, o.sshArgs...), host)
	args = append(args, o.remoteCommand...)
	return Exec(ctx, o.sshPath, args...)
}
