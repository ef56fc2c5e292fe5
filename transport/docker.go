package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig describes the container that hosts the remote interpreter.
type DockerConfig struct {
	// Image must have the agent binary available; Cmd defaults to running
	// it in stdio mode.
	Image string
	Cmd   []string
	Name  string

	// Remove removes the container when the transport is closed.
	Remove bool
}

// DockerProc is a transport over an attached container's stdio. The
// container's stdout is demultiplexed from the attach stream; stderr is
// discarded after demux (the agent logs there).
type DockerProc struct {
	cli         *client.Client
	containerID string
	remove      bool

	attach types.HijackedResponse
	out    *io.PipeReader

	waitCh <-chan container.ContainerWaitOKBody
	errCh  <-chan error
}

// Docker creates, starts, and attaches to a container running the agent,
// returning a transport over its stdio.
func Docker(ctx context.Context, cli *client.Client, cfg DockerConfig) (*DockerProc, error) {
	cmd := cfg.Cmd
	if len(cmd) == 0 {
		cmd = []string{"farcalld", "stdio"}
	}

	createResp, err := cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cmd,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{},
		nil,
		nil,
		cfg.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	attach, err := cli.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	// The attach stream multiplexes stdout and stderr; pull stdout out into
	// a pipe so Read sees only protocol bytes.
	outR, outW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, io.Discard, attach.Reader)
		outW.CloseWithError(err)
	}()

	return &DockerProc{
		cli:         cli,
		containerID: containerID,
		remove:      cfg.Remove,
		attach:      attach,
		out:         outR,
		waitCh:      waitCh,
		errCh:       errCh,
	}, nil
}

func (p *DockerProc) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *DockerProc) Write(b []byte) (int, error) { return p.attach.Conn.Write(b) }

// CloseWrite half-closes the attach stream; with StdinOnce set the
// container sees EOF on its stdin.
func (p *DockerProc) CloseWrite() error {
	return p.attach.CloseWrite()
}

// Wait blocks until the container stops.
func (p *DockerProc) Wait() error {
	select {
	case err := <-p.errCh:
		return fmt.Errorf("waiting for container %q: %w", p.containerID, err)
	case status := <-p.waitCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("container %q exited with status %d", p.containerID, status.StatusCode)
		}
		return nil
	}
}

func (p *DockerProc) Close() error {
	p.attach.Close()
	p.out.Close()
	if p.remove {
		err := p.cli.ContainerRemove(context.Background(), p.containerID, types.ContainerRemoveOptions{Force: true})
		if err != nil {
			return fmt.Errorf("removing container %q: %w", p.containerID, err)
		}
	}
	return nil
}
