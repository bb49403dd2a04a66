// Package pooldb implements the pool-set database: mapping a textual
// pool descriptor to a memory-mapped backing file under a configured
// directory, with single-opener exclusion enforced by an advisory lock.
//
// The multi-file poolset format (replica chains, part files) lives in
// the client-side library; this package manages exactly one backing
// file per pool descriptor.
package pooldb

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pmem/rpmemd/internal/wire"
)

// DB is the pool-set database: every pool descriptor resolves to exactly
// one file under dir.
type DB struct {
	dir  string
	mode os.FileMode

	mu     sync.Mutex
	opened map[string]*Pool
}

// New creates a pool database rooted at dir. dir must already exist;
// creating the poolset directory itself is an operator/deployment
// concern, not this package's.
func New(dir string, mode os.FileMode) (*DB, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pooldb: pool-set directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pooldb: %q is not a directory", dir)
	}
	return &DB{dir: dir, mode: mode, opened: make(map[string]*Pool)}, nil
}

// Pool is a created-or-opened backing file mapped into the daemon's
// address space. The first wire.HeaderSize bytes are the pool header;
// the usable region starts immediately after.
type Pool struct {
	desc       string
	file       *os.File
	attr       wire.PoolAttr
	usableSize uint64
	data       []byte // full mapping, header + usable region
	locked     bool
}

// Desc returns the pool descriptor this Pool was created or opened with.
func (p *Pool) Desc() string { return p.desc }

// Attr returns the pool header record.
func (p *Pool) Attr() wire.PoolAttr { return p.attr }

// UsableSize returns the size, in bytes, of the region after the header.
func (p *Pool) UsableSize() uint64 { return p.usableSize }

// Base returns the mapped base address of the *usable* region (after
// the header), for handing to the fabric adapter.
func (p *Pool) Base() []byte { return p.data[wire.HeaderSize:] }

// Sync flushes the entire mapping (header and usable region) to the
// backing file. GPSPM sessions call this from their persist callback;
// the daemon flushes the whole mapping rather than the narrower
// offset/length range a single persist request names, since msync
// requires a page-aligned range and the usable region rarely starts on
// a page boundary relative to an arbitrary caller-supplied offset.
func (p *Pool) Sync() error {
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("pooldb: sync %q: %w", p.desc, err)
	}
	return nil
}

// Create makes a fresh backing file for desc, sized to header+usableSize,
// writes attr into the header, and maps it. It fails with an error
// wrapping EEXIST (fs.ErrExist) if desc is already present or already
// open through this DB; rpmemerr.FromOSError maps
// that (and permission/missing-directory errors) onto the wire status
// enum at the session-controller boundary.
func (db *DB) Create(desc string, attr wire.PoolAttr, usableSize uint64) (pool *Pool, err error) {
	db.mu.Lock()
	if _, exists := db.opened[desc]; exists {
		db.mu.Unlock()
		return nil, fmt.Errorf("pooldb: %q: %w", desc, os.ErrExist)
	}
	db.mu.Unlock()

	full := filepath.Join(db.dir, desc)
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_RDWR, db.mode)
	if err != nil {
		return nil, fmt.Errorf("pooldb: create %q: %w", desc, err)
	}

	// From here on, any failure must both close the fd and unlink the
	// file we just created — the partial state is released automatically
	// via this cleanup stack rather than a goto ladder.
	cleanup := []func(){func() { f.Close() }, func() { os.Remove(full) }}
	runCleanup := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	total := int64(wire.HeaderSize) + int64(usableSize)
	if err := unix.Fallocate(int(f.Fd()), 0, 0, total); err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: allocate %q (%d bytes): %w", desc, total, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: lock %q: %w", desc, err)
	}
	cleanup = append(cleanup, func() { unix.Flock(int(f.Fd()), unix.LOCK_UN) })

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: map %q: %w", desc, err)
	}

	hdr, err := wire.EncodeToBytes(attr)
	if err != nil {
		unix.Munmap(data)
		runCleanup()
		return nil, fmt.Errorf("pooldb: encode header for %q: %w", desc, err)
	}
	copy(data[:wire.HeaderSize], hdr)

	pool = &Pool{
		desc:       desc,
		file:       f,
		attr:       attr,
		usableSize: usableSize,
		data:       data,
		locked:     true,
	}

	db.mu.Lock()
	db.opened[desc] = pool
	db.mu.Unlock()

	slog.Info("pool created", "desc", desc, "usable_size", usableSize)
	return pool, nil
}

// Open opens an existing backing file, maps it, and decodes its header.
func (db *DB) Open(desc string) (pool *Pool, err error) {
	db.mu.Lock()
	if _, exists := db.opened[desc]; exists {
		db.mu.Unlock()
		return nil, fmt.Errorf("pooldb: %q: %w", desc, unix.EWOULDBLOCK)
	}
	db.mu.Unlock()

	full := filepath.Join(db.dir, desc)
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pooldb: open %q: %w", desc, err)
	}

	cleanup := []func(){func() { f.Close() }}
	runCleanup := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: lock %q: %w", desc, err)
	}
	cleanup = append(cleanup, func() { unix.Flock(int(f.Fd()), unix.LOCK_UN) })

	info, err := f.Stat()
	if err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: stat %q: %w", desc, err)
	}
	total := info.Size()
	if total < wire.HeaderSize {
		runCleanup()
		return nil, fmt.Errorf("pooldb: %q: file too small for header (%d bytes)", desc, total)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		runCleanup()
		return nil, fmt.Errorf("pooldb: map %q: %w", desc, err)
	}

	attr, err := wire.DecodePoolAttr(bytes.NewReader(data[:wire.HeaderSize]))
	if err != nil {
		unix.Munmap(data)
		runCleanup()
		return nil, fmt.Errorf("pooldb: decode header for %q: %w", desc, err)
	}

	pool = &Pool{
		desc:       desc,
		file:       f,
		attr:       attr,
		usableSize: uint64(total) - wire.HeaderSize,
		data:       data,
		locked:     true,
	}

	db.mu.Lock()
	db.opened[desc] = pool
	db.mu.Unlock()

	slog.Info("pool opened", "desc", desc, "usable_size", pool.usableSize)
	return pool, nil
}

// Close releases the mapping and advisory lock for pool, but leaves the
// backing file on disk.
func (db *DB) Close(pool *Pool) error {
	if pool == nil {
		return nil
	}

	db.mu.Lock()
	delete(db.opened, pool.desc)
	db.mu.Unlock()

	var firstErr error
	if err := unix.Munmap(pool.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pooldb: unmap %q: %w", pool.desc, err)
	}
	if pool.locked {
		unix.Flock(int(pool.file.Fd()), unix.LOCK_UN)
		pool.locked = false
	}
	if err := pool.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pooldb: close %q: %w", pool.desc, err)
	}

	slog.Info("pool closed", "desc", pool.desc)
	return firstErr
}

// Remove unlinks the backing file for desc. It is only valid when no
// opener currently holds the pool.
func (db *DB) Remove(desc string) error {
	db.mu.Lock()
	if _, exists := db.opened[desc]; exists {
		db.mu.Unlock()
		return fmt.Errorf("pooldb: %q: still open", desc)
	}
	db.mu.Unlock()

	full := filepath.Join(db.dir, desc)
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("pooldb: remove %q: %w", desc, err)
	}

	slog.Info("pool removed", "desc", desc)
	return nil
}
