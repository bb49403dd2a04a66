// Package session implements the single-threaded session controller: a
// small state machine driving one client's create/open/close lifecycle
// over the OOB protocol endpoint and a fabric adapter. There is exactly
// one Controller per accepted session, owned by the goroutine that
// calls Run.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pmem/rpmemd/internal/fabric"
	"github.com/pmem/rpmemd/internal/obc"
	"github.com/pmem/rpmemd/internal/pooldb"
	"github.com/pmem/rpmemd/internal/rpmemerr"
	"github.com/pmem/rpmemd/internal/rpmetrics"
	"github.com/pmem/rpmemd/internal/wire"
)

// NewFabric builds a fresh fabric adapter for a session. Production
// wiring supplies tcpfabric.New; tests can substitute a fake.
type NewFabric func() fabric.Adapter

// State is a point-in-time snapshot of the controller's liveness,
// published to observers that live outside the single goroutine that
// owns the controller (e.g. the admin HTTP surface's /status and
// /health handlers).
type State struct {
	// Active is true from the startup handshake until Run returns.
	Active bool
	// Closing mirrors the controller's internal closing flag: once
	// true, the session is unwinding and will not accept another
	// create/open.
	Closing bool
	// PoolOpen is true while a pool is held open by this session.
	PoolOpen bool
}

// Config holds the per-daemon policy the controller needs but does not
// own: persistence method selection, lane/thread limits, and the
// fabric factory.
type Config struct {
	// PersistAPM selects APM when true, GPSPM otherwise.
	PersistAPM bool
	// MaxPoolSize caps how large a freshly created pool's usable region
	// may be, regardless of what the client requests (0 = unlimited).
	// A create asking for more than the cap is sized to the cap and then
	// rejected by the usable-region check, so the client sees BadSize.
	MaxPoolSize uint64
	// NThreads is the fabric worker count, normally fabric.WorkerCount().
	NThreads int
	// Node/Service are passed through to fabric.Adapter.Init.
	Node, Service string
	NewFabric     NewFabric
	// OnState, if set, is called after the startup handshake, after
	// every serviced request, and once more as Run returns, so an
	// external observer can track liveness without sharing the
	// controller's single-goroutine access.
	OnState func(State)
	// Metrics records request/pool/fabric observations; nil disables
	// recording.
	Metrics *rpmetrics.Collector
}

// Controller is the per-session state machine. It is not safe for
// concurrent use; it is driven exclusively by the goroutine that calls
// Run.
type Controller struct {
	cfg Config
	db  *pooldb.DB
	ep  *obc.Endpoint

	pool *pooldb.Pool
	desc string
	fab  fabric.Adapter

	closing          bool
	pendingAccept    bool
	pendingWaitClose bool
}

// New builds a controller for one session, bound to db for pool storage
// and driven over ep.
func New(cfg Config, db *pooldb.DB, ep *obc.Endpoint) *Controller {
	return &Controller{cfg: cfg, db: db, ep: ep}
}

// Run performs the startup handshake and then repeatedly services OOB
// requests until the session ends: the closing flag is set, the peer
// closes cleanly, or an unrecoverable transport error occurs.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.ep.SendStartupStatus(rpmemerr.Success); err != nil {
		return fmt.Errorf("session: startup handshake: %w", err)
	}
	c.notify(true)
	defer c.notify(false)

	for {
		peerClosed, err := c.ep.Process(ctx, obc.Callbacks{
			Create: c.handleCreate,
			Open:   c.handleOpen,
			Close:  c.handleClose,
		})
		if err != nil {
			return fmt.Errorf("session: process: %w", err)
		}
		if peerClosed {
			c.teardownOnPeerClose()
			return nil
		}

		// The fabric accept (create/open) and the wait-close handshake
		// (close) run only after the response has been flushed onto the
		// wire by Process — never inside the callback itself, so the
		// client always observes the response before the daemon reaches
		// fabric.Accept or awaits WaitClose.
		if c.pendingAccept {
			c.pendingAccept = false
			c.runAccept(ctx)
		}
		if c.pendingWaitClose {
			c.pendingWaitClose = false
			c.runWaitClose()
		}

		c.notify(true)

		if c.closing {
			return nil
		}
	}
}

// notify reports the controller's current state to cfg.OnState, if the
// caller installed one. It is a no-op otherwise.
func (c *Controller) notify(active bool) {
	if c.cfg.OnState == nil {
		return
	}
	c.cfg.OnState(State{Active: active, Closing: c.closing, PoolOpen: c.pool != nil})
}

func (c *Controller) persistMethod() wire.PersistMethod {
	if c.cfg.PersistAPM {
		return wire.PersistAPM
	}
	return wire.PersistGPSPM
}

func (c *Controller) persistCB() fabric.PersistFunc {
	if c.cfg.PersistAPM {
		return nil
	}
	return func(base []byte, offset, length uint64) error {
		return c.pool.Sync()
	}
}

// handleCreate runs the create flow up through computing the response;
// the fabric accept and worker start run from Run after the response is
// sent.
func (c *Controller) handleCreate(ctx context.Context, req wire.ReqAttr, attr wire.PoolAttr) (status rpmemerr.Status, _ wire.RespAttr) {
	start := time.Now()
	defer func() {
		c.cfg.Metrics.OBCRequestCompleted("create", time.Since(start))
		if status != rpmemerr.Success {
			c.cfg.Metrics.OBCRequestError("create")
			c.cfg.Metrics.PoolCreateError(status.Label())
		}
	}()

	if c.pool != nil {
		c.closing = true
		return rpmemerr.Fatal, wire.RespAttr{}
	}

	allocSize := req.PoolSize
	if c.cfg.MaxPoolSize > 0 && allocSize > c.cfg.MaxPoolSize {
		allocSize = c.cfg.MaxPoolSize
	}

	pool, err := c.db.Create(req.PoolDesc, attr, allocSize)
	if err != nil {
		status := rpmemerr.FromOSError(err)
		slog.Error("pool create failed", "desc", req.PoolDesc, "status", status, "error", err)
		c.closing = true
		return status, wire.RespAttr{}
	}

	if pool.UsableSize() < req.PoolSize {
		c.db.Close(pool)
		c.db.Remove(req.PoolDesc)
		slog.Warn("pool create rejected: requested size exceeds usable region", "desc", req.PoolDesc, "requested", req.PoolSize, "usable", pool.UsableSize())
		c.closing = true
		return rpmemerr.BadSize, wire.RespAttr{}
	}

	fab := c.cfg.NewFabric()
	rv, err := fab.Init(ctx, c.cfg.Node, c.cfg.Service, fabric.Attr{
		Base:          pool.Base(),
		NLanes:        req.NLanes,
		NThreads:      c.cfg.NThreads,
		Provider:      req.Provider,
		PersistMethod: c.persistMethod(),
		PersistCB:     c.persistCB(),
	})
	if err != nil {
		c.db.Close(pool)
		c.db.Remove(req.PoolDesc)
		slog.Error("fabric init failed on create", "desc", req.PoolDesc, "error", err)
		c.closing = true
		return rpmemerr.Fatal, wire.RespAttr{}
	}

	// Commit: the pool now belongs to this session.
	c.pool = pool
	c.desc = req.PoolDesc
	c.fab = fab
	c.pendingAccept = true
	c.cfg.Metrics.PoolOpened()
	c.cfg.Metrics.FabricLanesGranted(rv.NLanes)

	return rpmemerr.Success, wire.RespAttr{
		Port:          rv.Port,
		RKey:          rv.RKey,
		RAddr:         rv.RAddr,
		NLanes:        rv.NLanes,
		PersistMethod: rv.PersistMethod,
	}
}

// handleOpen implements the open flow: identical to create except for
// the pool-DB operation, the extra pool_attr in the response, and the
// cleanup-on-failure disposition (closed but not removed).
func (c *Controller) handleOpen(ctx context.Context, req wire.ReqAttr) (status rpmemerr.Status, _ wire.RespAttr, _ wire.PoolAttr) {
	start := time.Now()
	defer func() {
		c.cfg.Metrics.OBCRequestCompleted("open", time.Since(start))
		if status != rpmemerr.Success {
			c.cfg.Metrics.OBCRequestError("open")
			c.cfg.Metrics.PoolCreateError(status.Label())
		}
	}()

	if c.pool != nil {
		c.closing = true
		return rpmemerr.Fatal, wire.RespAttr{}, wire.PoolAttr{}
	}

	pool, err := c.db.Open(req.PoolDesc)
	if err != nil {
		status := rpmemerr.FromOSError(err)
		slog.Error("pool open failed", "desc", req.PoolDesc, "status", status, "error", err)
		c.closing = true
		return status, wire.RespAttr{}, wire.PoolAttr{}
	}

	if pool.UsableSize() < req.PoolSize {
		attr := pool.Attr()
		c.db.Close(pool)
		slog.Warn("pool open rejected: requested size exceeds usable region", "desc", req.PoolDesc, "requested", req.PoolSize, "usable", pool.UsableSize())
		c.closing = true
		return rpmemerr.BadSize, wire.RespAttr{}, attr
	}

	fab := c.cfg.NewFabric()
	rv, err := fab.Init(ctx, c.cfg.Node, c.cfg.Service, fabric.Attr{
		Base:          pool.Base(),
		NLanes:        req.NLanes,
		NThreads:      c.cfg.NThreads,
		Provider:      req.Provider,
		PersistMethod: c.persistMethod(),
		PersistCB:     c.persistCB(),
	})
	if err != nil {
		attr := pool.Attr()
		c.db.Close(pool)
		slog.Error("fabric init failed on open", "desc", req.PoolDesc, "error", err)
		c.closing = true
		return rpmemerr.Fatal, wire.RespAttr{}, attr
	}

	c.pool = pool
	c.desc = req.PoolDesc
	c.fab = fab
	c.pendingAccept = true
	c.cfg.Metrics.PoolOpened()
	c.cfg.Metrics.FabricLanesGranted(rv.NLanes)

	return rpmemerr.Success, wire.RespAttr{
		Port:          rv.Port,
		RKey:          rv.RKey,
		RAddr:         rv.RAddr,
		NLanes:        rv.NLanes,
		PersistMethod: rv.PersistMethod,
	}, pool.Attr()
}

// handleClose releases the pool and stops the workers; sending the
// response is Process's job, and the wait-close/teardown run from Run
// afterward.
func (c *Controller) handleClose(ctx context.Context) rpmemerr.Status {
	start := time.Now()
	defer func() { c.cfg.Metrics.OBCRequestCompleted("close", time.Since(start)) }()

	c.closing = true

	if c.pool == nil {
		c.cfg.Metrics.OBCRequestError("close")
		return rpmemerr.Fatal
	}

	status := rpmemerr.Success
	if err := c.db.Close(c.pool); err != nil {
		slog.Error("pool close failed", "desc", c.desc, "error", err)
		status = rpmemerr.FromOSError(err)
	}
	c.pool = nil
	c.cfg.Metrics.PoolClosed()

	if c.fab != nil {
		if err := c.fab.ProcessStop(); err != nil {
			slog.Error("fabric process_stop failed", "desc", c.desc, "error", err)
			status = rpmemerr.Fatal
		}
	}

	c.pendingWaitClose = true
	return status
}

func (c *Controller) runAccept(ctx context.Context) {
	if err := c.fab.Accept(ctx); err != nil {
		slog.Error("fabric accept failed", "desc", c.desc, "error", err, "status", rpmemerr.FatalConn)
		c.abortDataPlane()
		return
	}
	if err := c.fab.ProcessStart(); err != nil {
		slog.Error("fabric process_start failed", "desc", c.desc, "error", err, "status", rpmemerr.FatalConn)
		c.abortDataPlane()
	}
}

// abortDataPlane unwinds a session whose fabric accept or process start
// failed after a successful create/open response: the pool is closed but
// never removed (the client still owns it logically), the fabric is torn
// down, and the closing flag ends the loop on the next iteration.
func (c *Controller) abortDataPlane() {
	c.closing = true
	if c.pool != nil {
		if err := c.db.Close(c.pool); err != nil {
			slog.Error("pool close on fabric failure failed", "desc", c.desc, "error", err)
		}
		c.pool = nil
		c.cfg.Metrics.PoolClosed()
	}
	if c.fab != nil {
		c.fab.Close()
		c.fab.Fini()
		c.fab = nil
	}
}

func (c *Controller) runWaitClose() {
	if c.fab == nil {
		return
	}
	if err := c.fab.WaitClose(-1); err != nil {
		slog.Error("fabric wait_close failed", "desc", c.desc, "error", err)
	}
	if err := c.fab.Close(); err != nil {
		slog.Error("fabric close failed", "desc", c.desc, "error", err)
	}
	if err := c.fab.Fini(); err != nil {
		slog.Error("fabric fini failed", "desc", c.desc, "error", err)
	}
}

// teardownOnPeerClose releases a still-open pool when the client
// disappears without sending a close request (scenario: tunnel killed
// mid-session). The pool is closed but not removed.
func (c *Controller) teardownOnPeerClose() {
	c.closing = true
	if c.pool == nil {
		return
	}
	if err := c.db.Close(c.pool); err != nil {
		slog.Error("pool close on peer disconnect failed", "desc", c.desc, "error", err)
	}
	c.pool = nil
	c.cfg.Metrics.PoolClosed()
	if c.fab != nil {
		c.fab.ProcessStop()
		c.fab.Close()
		c.fab.Fini()
	}
}
