// Package fabric defines the adapter contract for the high-throughput
// data-plane connection (the "IB channel"): an
// opaque, RDMA-like provider that the session controller drives through
// a fixed lifecycle. internal/fabric/tcpfabric provides the one
// concrete implementation used by this daemon, a TCP-based stand-in for
// a real verbs/sockets provider.
package fabric

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/pmem/rpmemd/internal/wire"
)

// PersistFunc flushes length bytes starting at offset within base to
// persistence. It is only invoked under GPSPM; APM sessions never call
// it because client-side durability is established without daemon
// involvement.
type PersistFunc func(base []byte, offset, length uint64) error

// Attr describes the region and policy a session hands to Init.
type Attr struct {
	Base          []byte
	NLanes        uint32
	NThreads      int
	Provider      wire.Provider
	PersistMethod wire.PersistMethod
	PersistCB     PersistFunc
}

// Rendezvous is the tuple the daemon advertises back to the client so it
// can open the data-plane connection.
type Rendezvous struct {
	Port          uint16
	RKey          uint64
	RAddr         uint64
	NLanes        uint32
	PersistMethod wire.PersistMethod
}

// Adapter is the lifecycle contract the session controller drives.
// Calls are made strictly in this order, never concurrently:
// Init, Accept, ProcessStart, ProcessStop, WaitClose, Close, Fini.
type Adapter interface {
	// Init sets up listening/addressing state for attr and returns the
	// rendezvous tuple to advertise to the client. NLanes granted must be
	// <= attr.NLanes.
	Init(ctx context.Context, node, service string, attr Attr) (Rendezvous, error)
	// Accept blocks until the client's data-plane peer connects.
	Accept(ctx context.Context) error
	// ProcessStart spawns the worker pool and returns immediately.
	ProcessStart() error
	// ProcessStop signals workers to drain and exit.
	ProcessStop() error
	// WaitClose awaits the client's close handshake. timeout < 0 means
	// forever.
	WaitClose(timeout time.Duration) error
	// Close tears down the data-plane connection.
	Close() error
	// Fini frees any remaining adapter state (e.g. the listener).
	Fini() error
}

// ErrNoWorkers is returned by WorkerCount when the host reports zero
// online CPUs. That is a startup error, not a degenerate
// single-threaded fallback.
var ErrNoWorkers = errors.New("fabric: host reports zero online CPUs")

// WorkerCount returns the number of worker threads the fabric adapter
// should run: one per online CPU, never zero.
func WorkerCount() (int, error) {
	n := runtime.NumCPU()
	if n <= 0 {
		return 0, ErrNoWorkers
	}
	return n, nil
}
