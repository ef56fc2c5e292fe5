package transport

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Conn wraps an established net.Conn as a transport.
type Conn struct {
	net.Conn
}

// Dial connects to a named endpoint that already has an agent listening on
// a raw socket.
func Dial(ctx context.Context, network, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s %s: %w", network, addr, err)
	}
	return &Conn{Conn: c}, nil
}

// CloseWrite half-closes the connection when the underlying conn supports
// it (TCP and Unix sockets do). Conns without half-close rely on the
// explicit QUIT to stop the remote loop, so this is a no-op for them.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Pipe adapts caller-supplied raw read/write primitives into a transport.
// Close closes whichever of the two ends implement io.Closer.
func Pipe(r io.Reader, w io.Writer) Transport {
	return &pipe{r: r, w: w}
}

type pipe struct {
	r io.Reader
	w io.Writer
}

func (p *pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipe) CloseWrite() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *pipe) Close() error {
	err := p.CloseWrite()
	if c, ok := p.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
