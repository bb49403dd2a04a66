// Package tcpfabric is a TCP-based stand-in for the opaque RDMA-like
// fabric provider described by internal/fabric. It preserves the
// lifecycle and persistence semantics (APM vs GPSPM) a verbs/sockets
// provider would have while running entirely over a loopback TCP
// connection, so the daemon and a same-host test client can exercise
// the full session flow without real RDMA hardware.
package tcpfabric

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pmem/rpmemd/internal/fabric"
	"github.com/pmem/rpmemd/internal/frame"
	"github.com/pmem/rpmemd/internal/rpmetrics"
)

// MaxLanes bounds how many lanes this provider is willing to grant,
// regardless of how many the client requests.
const MaxLanes = 64

const (
	kindWrite   byte = 1
	kindPersist byte = 2
)

const msgHeaderSize = 1 + 8 + 8 // kind + offset + length

// Adapter implements fabric.Adapter over a loopback TCP listener.
type Adapter struct {
	// Metrics, when non-nil, receives byte and persist observations.
	// Set it before Init; the adapter never mutates it.
	Metrics *rpmetrics.Collector

	attr fabric.Attr

	ln   net.Listener
	conn net.Conn
	tr   *frame.Transport

	work chan func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	closedOnce sync.Once
	closedCh   chan struct{}

	mu      sync.Mutex
	lastErr error
}

// New returns an unconfigured adapter; call Init to bind it.
func New() *Adapter {
	return &Adapter{}
}

var _ fabric.Adapter = (*Adapter)(nil)

// Init starts listening on an ephemeral loopback port and computes the
// rendezvous tuple. node/service are accepted for interface parity with
// a real fabric provider but are not used to choose the listen address:
// this stand-in always binds loopback, since the client connects over
// the same host in every deployment this daemon supports.
func (a *Adapter) Init(ctx context.Context, node, service string, attr fabric.Attr) (fabric.Rendezvous, error) {
	a.attr = attr

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fabric.Rendezvous{}, fmt.Errorf("tcpfabric: listen: %w", err)
	}
	a.ln = ln

	granted := attr.NLanes
	if granted > MaxLanes {
		granted = MaxLanes
	}

	port := ln.Addr().(*net.TCPAddr).Port
	rkey, err := randUint64()
	if err != nil {
		ln.Close()
		return fabric.Rendezvous{}, fmt.Errorf("tcpfabric: rkey: %w", err)
	}

	rv := fabric.Rendezvous{
		Port:          uint16(port),
		RKey:          rkey,
		RAddr:         uint64(len(attr.Base)),
		NLanes:        granted,
		PersistMethod: attr.PersistMethod,
	}
	return rv, nil
}

func randUint64() (uint64, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// Addr returns the bound loopback address, for test clients that need
// to dial in without going through the OOB rendezvous tuple.
func (a *Adapter) Addr() string {
	return a.ln.Addr().String()
}

// Accept blocks until the client's data-plane peer connects.
func (a *Adapter) Accept(ctx context.Context) error {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := a.ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("tcpfabric: accept: %w", r.err)
		}
		a.conn = r.conn
		a.tr = frame.NewConn(r.conn)
		a.closedCh = make(chan struct{})
		return nil
	case <-ctx.Done():
		a.ln.Close()
		<-done
		return ctx.Err()
	}
}

// ProcessStart spawns the worker pool and the single request reader.
func (a *Adapter) ProcessStart() error {
	n := a.attr.NThreads
	if n <= 0 {
		return fabric.ErrNoWorkers
	}

	a.stopCh = make(chan struct{})
	a.work = make(chan func(), 64)

	a.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer a.wg.Done()
			for {
				select {
				case fn, ok := <-a.work:
					if !ok {
						return
					}
					fn()
				case <-a.stopCh:
					// Drain whatever is already queued, then exit.
					for {
						select {
						case fn := <-a.work:
							fn()
						default:
							return
						}
					}
				}
			}
		}()
	}

	go a.readLoop()
	return nil
}

// readLoop is the single reader of the data-plane connection: it both
// services write/persist messages and is the sole observer of the
// peer's close. WaitClose does not peek the socket itself (that would
// race this goroutine's own reads of the same conn) — it just waits
// for readLoop to signal closedCh when the connection ends, by clean
// EOF or by error.
func (a *Adapter) readLoop() {
	defer a.signalClosed()

	for {
		hdr := make([]byte, msgHeaderSize)
		closed, err := a.tr.RecvMessage(hdr)
		if closed {
			return
		}
		if err != nil {
			a.mu.Lock()
			a.lastErr = err
			a.mu.Unlock()
			return
		}

		kind := hdr[0]
		offset := binary.BigEndian.Uint64(hdr[1:9])
		length := binary.BigEndian.Uint64(hdr[9:17])

		switch kind {
		case kindWrite:
			data := make([]byte, length)
			if err := a.tr.Recv(data); err != nil {
				a.mu.Lock()
				a.lastErr = err
				a.mu.Unlock()
				return
			}
			base := a.attr.Base
			a.submit(func() {
				if offset+length <= uint64(len(base)) {
					copy(base[offset:offset+length], data)
					a.Metrics.FabricBytesWritten(len(data))
				}
			})
		case kindPersist:
			cb := a.attr.PersistCB
			base := a.attr.Base
			method := strings.ToLower(a.attr.PersistMethod.String())
			a.submit(func() {
				if cb == nil {
					return
				}
				start := time.Now()
				err := cb(base, offset, length)
				a.Metrics.PersistCompleted(method, time.Since(start), err)
				if err != nil {
					slog.Error("persist callback failed", "offset", offset, "length", length, "error", err)
				}
			})
		default:
			slog.Warn("tcpfabric: unknown message kind on data plane", "kind", kind)
		}
	}
}

func (a *Adapter) signalClosed() {
	a.closedOnce.Do(func() { close(a.closedCh) })
}

func (a *Adapter) submit(fn func()) {
	select {
	case a.work <- fn:
	case <-a.stopCh:
	}
}

// ProcessStop signals workers to drain and exit; it does not close the
// underlying connection, which the client is expected to close itself.
// Calling it on an adapter whose workers never started is a no-op.
func (a *Adapter) ProcessStop() error {
	if a.stopCh == nil {
		return nil
	}
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
	return nil
}

// WaitClose blocks until the peer closes the connection (observed by
// readLoop as a clean EOF or a read error) or timeout elapses. timeout
// < 0 waits forever.
func (a *Adapter) WaitClose(timeout time.Duration) error {
	if timeout < 0 {
		<-a.closedCh
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.closedCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("tcpfabric: wait_close: timed out")
	}
}

// Close tears down the data-plane connection.
func (a *Adapter) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// Fini releases the listener and any remaining adapter state.
func (a *Adapter) Fini() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}
