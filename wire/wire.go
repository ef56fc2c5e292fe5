// Package wire implements the framed message format spoken between the
// local client and the remote executor.
//
// Each frame is self-delimiting and binary-safe: a line carrying the opcode
// name, a line carrying the decimal argument count, then for each argument a
// line carrying its exact decimal byte length followed immediately by that
// many raw bytes. Because lengths are explicit, arguments may contain any
// byte value, newlines and NUL included.
//
//	EVAL\n
//	2\n
//	12\nreturn 1 + 1
//	3\nfoo
//
// The decoder is restartable: feeding it a strict prefix of a valid frame
// reports that more data is needed without consuming anything, so callers
// can accumulate bytes from a stream and retry.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Opcode identifies a message's purpose. Opcodes travel on the wire as
// their literal names.
type Opcode string

const (
	OpEval     Opcode = "EVAL"
	OpStore    Opcode = "STORE"
	OpStorePkg Opcode = "STOREPKG"
	OpCall     Opcode = "CALL"
	OpQuit     Opcode = "QUIT"
	OpReturned Opcode = "RETURNED"
	OpOK       Opcode = "OK"
	OpDied     Opcode = "DIED"
)

// Message is one decoded frame. Args are positional opaque byte strings.
type Message struct {
	Op   Opcode
	Args [][]byte
}

// ErrNeedMore is returned by Decode when the buffer holds only a prefix of
// a frame. It is recoverable: read more bytes and try again.
var ErrNeedMore = errors.New("wire: incomplete frame")

// FrameError is a fatal framing failure. A connection that produced one is
// desynchronized and must be torn down.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
}

// Encode renders a single frame.
func Encode(op Opcode, args [][]byte) []byte {
	size := len(op) + 1
	size += countLen(len(args)) + 1
	for _, a := range args {
		size += countLen(len(a)) + 1 + len(a)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, op...)
	buf = append(buf, '\n')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\n')
	for _, a := range args {
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\n')
		buf = append(buf, a...)
	}
	return buf
}

func countLen(n int) int {
	return len(strconv.Itoa(n))
}

// Decode decodes one frame from the front of buf. It returns the message
// and the number of leading bytes consumed. If buf is a strict prefix of a
// frame it returns ErrNeedMore and consumes nothing. Malformed opcode,
// count, or length fields return a *FrameError, which is not recoverable
// by retrying with more data.
func Decode(buf []byte) (Message, int, error) {
	var msg Message
	off := 0

	opTok, n, err := readLine(buf, off)
	if err != nil {
		return msg, 0, err
	}
	if !validOpcodeToken(opTok) {
		return msg, 0, &FrameError{Reason: fmt.Sprintf("bad opcode token %q", opTok)}
	}
	off = n

	count, n, err := readCount(buf, off, "argument count")
	if err != nil {
		return msg, 0, err
	}
	off = n

	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		length, n, err := readCount(buf, off, "argument length")
		if err != nil {
			return msg, 0, err
		}
		off = n
		if len(buf)-off < length {
			return msg, 0, ErrNeedMore
		}
		arg := make([]byte, length)
		copy(arg, buf[off:off+length])
		args = append(args, arg)
		off += length
	}

	msg.Op = Opcode(opTok)
	msg.Args = args
	return msg, off, nil
}

// readLine returns the text of the line starting at off, without the
// newline, and the offset just past it.
func readLine(buf []byte, off int) (string, int, error) {
	for i := off; i < len(buf); i++ {
		if buf[i] == '\n' {
			return string(buf[off:i]), i + 1, nil
		}
	}
	return "", 0, ErrNeedMore
}

func readCount(buf []byte, off int, field string) (int, int, error) {
	line, n, err := readLine(buf, off)
	if err != nil {
		return 0, 0, err
	}
	if line == "" {
		return 0, 0, &FrameError{Reason: fmt.Sprintf("empty %s", field)}
	}
	for i := 0; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, &FrameError{Reason: fmt.Sprintf("non-numeric %s %q", field, line)}
		}
	}
	v, err := strconv.ParseUint(line, 10, 31)
	if err != nil {
		return 0, 0, &FrameError{Reason: fmt.Sprintf("%s %q out of range", field, line)}
	}
	return int(v), n, nil
}

// validOpcodeToken accepts any plausible opcode name, not just the known
// ones, so an unknown request can still be decoded and answered with DIED.
func validOpcodeToken(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < 'A' || tok[i] > 'Z' {
			return false
		}
	}
	return true
}

// Reader pulls whole messages off a byte stream, buffering as needed.
type Reader struct {
	r   io.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until one complete frame has been read. It returns
// io.EOF if the stream ends cleanly between frames, and
// io.ErrUnexpectedEOF if it ends mid-frame.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		if len(r.buf) > 0 {
			msg, n, err := Decode(r.buf)
			if err == nil {
				r.buf = r.buf[n:]
				return msg, nil
			}
			if !errors.Is(err, ErrNeedMore) {
				return Message{}, err
			}
		}

		chunk := make([]byte, 4096)
		n, err := r.r.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF && len(r.buf) > 0 {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
}

// WriteMessage encodes msg and writes the whole frame to w.
func WriteMessage(w io.Writer, op Opcode, args [][]byte) error {
	_, err := w.Write(Encode(op, args))
	return err
}
