// Package frame implements the framed byte transport shared by both OOB
// endpoints: exact-length, ordered, reliable message delivery on top of a
// pair of file descriptors (or a socket), plus a non-blocking monitor
// operation. Framing of message *structure* is the caller's job
// (internal/wire, internal/obc) — this package only moves bytes.
package frame

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrConnReset is the transport's "connection-reset" terminal
// condition: the peer closed mid-message, before any byte, or a write
// hit a closed pipe.
var ErrConnReset = errors.New("frame: connection reset by peer")

// ErrProtocol is returned by Monitor when unexpected bytes are readable
// on a quiescent channel: the OOB protocol has no unsolicited messages,
// so anything to read outside a pending request is a violation.
var ErrProtocol = errors.New("frame: unexpected data on quiescent channel")

// fder is implemented by *os.File. Monitor uses it to peek the
// underlying fd without consuming data; the peek works only when the fd
// is a socket; for a pipe fd (such as the stdio pipes os/exec gives the
// tunnel subprocess) Monitor reports "connected" without peeking.
// Transports backed by anything else (net.Conn
// implementations such as *net.TCPConn, which do not implement Fd();
// net.Pipe in unit tests) still Send/Recv correctly but Monitor
// degrades to reporting "connected" without peeking — callers with a
// net.Conn-backed transport that need real liveness detection should
// rely on their own read loop observing EOF instead of Monitor, the way
// tcpfabric.Adapter.WaitClose does.
type fder interface {
	Fd() uintptr
}

// Transport moves exact-length byte buffers over a read side and a
// write side. The two sides are independent so it can wrap a pipe pair
// (tunnel subprocess) or a single duplex net.Conn (tests, TCP fabric).
type Transport struct {
	r io.Reader
	w io.Writer
}

// New wraps an existing reader/writer pair.
func New(r io.Reader, w io.Writer) *Transport {
	return &Transport{r: r, w: w}
}

// NewConn wraps a single full-duplex connection for both directions.
func NewConn(c net.Conn) *Transport {
	return &Transport{r: c, w: c}
}

// Send writes exactly len(buf) bytes, looping over short writes until
// done or a terminal condition is reached.
func (t *Transport) Send(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.w.Write(buf[total:])
		if n == 0 && err == nil {
			return ErrConnReset
		}
		total += n
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
				return ErrConnReset
			}
			return err
		}
	}
	return nil
}

// Recv reads exactly len(buf) bytes, looping over short reads until done
// or a terminal condition is reached. A peer that closes before any byte
// of the message arrives, or mid-message, reports ErrConnReset.
func (t *Transport) Recv(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.r.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrConnReset
			}
			return err
		}
		if n == 0 {
			return ErrConnReset
		}
	}
	return nil
}

// RecvMessage reads the first message of a request: a zero-byte read
// right at a message boundary is a clean EOF (the peer closed the
// session deliberately) and is reported distinctly from a reset that
// happens mid-message. Callers that need to distinguish "peer closed
// before sending anything" from "peer vanished partway through" should
// use this instead of Recv for the first read of a new request.
func (t *Transport) RecvMessage(buf []byte) (closed bool, err error) {
	n, err := t.r.Read(buf)
	if n == 0 && errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if n == len(buf) {
		return false, nil
	}
	// Short first read: finish the message with the strict looping Recv.
	if rerr := t.Recv(buf[n:]); rerr != nil {
		return false, rerr
	}
	return false, nil
}

// MonitorState is the result of a non-blocking peek at the read side.
type MonitorState int

const (
	Connected MonitorState = iota
	Disconnected
	MonitorError
)

func (s MonitorState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "error"
	}
}

var monitorFallbackOnce sync.Once

// Monitor peeks at the read side without consuming any bytes. It never
// blocks. Any successfully peeked byte is a protocol violation: the OOB
// channel is expected to be quiescent outside of a pending request.
func (t *Transport) Monitor() (MonitorState, error) {
	f, ok := t.r.(fder)
	if !ok {
		monitorFallbackOnce.Do(func() {
			slog.Debug("frame: monitor degraded to connected-only (reader has no fd to peek)")
		})
		return Connected, nil
	}

	fd := int(f.Fd())
	buf := make([]byte, 4)
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Connected, nil
		}
		if errors.Is(err, unix.ENOTSOCK) {
			// Fd is a pipe, not a socket: MSG_PEEK isn't supported.
			// Fall back to reporting "connected"; real liveness
			// detection for pipes happens via Recv returning
			// ErrConnReset on the next actual read.
			return Connected, nil
		}
		return MonitorError, err
	}
	if n == 0 {
		return Disconnected, nil
	}

	return MonitorError, fmt.Errorf("%w: peeked %d byte(s)", ErrProtocol, n)
}

// WaitReadable blocks (up to timeout, or forever if timeout < 0) until
// the read side either has data pending or the peer has gone away, by
// polling Monitor every 10ms.
func (t *Transport) WaitReadable(timeout time.Duration) (MonitorState, error) {
	deadline := time.Now().Add(timeout)
	for {
		state, err := t.Monitor()
		if err != nil {
			return state, err
		}
		if state != Connected {
			return state, nil
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return Connected, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
