package obc

import (
	"encoding/binary"
	"fmt"

	"github.com/pmem/rpmemd/internal/frame"
	"github.com/pmem/rpmemd/internal/rpmemerr"
	"github.com/pmem/rpmemd/internal/wire"
)

// ClientConn is the client side of the OOB protocol, used by a demo CLI
// to drive a session without the full daemon machinery.
type ClientConn struct {
	tr *frame.Transport
}

// NewClient wraps a framed transport for client-side use.
func NewClient(tr *frame.Transport) *ClientConn {
	return &ClientConn{tr: tr}
}

// RecvStartupStatus reads the daemon's initial 4-byte status word.
func (c *ClientConn) RecvStartupStatus() (rpmemerr.Status, error) {
	var status uint32
	if err := binary.Read(transportReader{c.tr}, binary.BigEndian, &status); err != nil {
		return 0, fmt.Errorf("obc client: startup status: %w", err)
	}
	return rpmemerr.Status(status), nil
}

// Create sends a create request and waits for its response.
func (c *ClientConn) Create(req wire.ReqAttr, attr wire.PoolAttr) (rpmemerr.Status, wire.RespAttr, error) {
	w := transportWriter{c.tr}
	if err := binary.Write(w, binary.BigEndian, uint32(wire.RequestCreate)); err != nil {
		return 0, wire.RespAttr{}, err
	}
	if err := req.Encode(w); err != nil {
		return 0, wire.RespAttr{}, err
	}
	if err := attr.Encode(w); err != nil {
		return 0, wire.RespAttr{}, err
	}

	r := transportReader{c.tr}
	var status uint32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return 0, wire.RespAttr{}, fmt.Errorf("obc client: create status: %w", err)
	}
	resp, err := wire.DecodeRespAttr(r)
	if err != nil {
		return 0, wire.RespAttr{}, fmt.Errorf("obc client: create resp_attr: %w", err)
	}
	return rpmemerr.Status(status), resp, nil
}

// Open sends an open request and waits for its response.
func (c *ClientConn) Open(req wire.ReqAttr) (rpmemerr.Status, wire.RespAttr, wire.PoolAttr, error) {
	w := transportWriter{c.tr}
	if err := binary.Write(w, binary.BigEndian, uint32(wire.RequestOpen)); err != nil {
		return 0, wire.RespAttr{}, wire.PoolAttr{}, err
	}
	if err := req.Encode(w); err != nil {
		return 0, wire.RespAttr{}, wire.PoolAttr{}, err
	}

	r := transportReader{c.tr}
	var status uint32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return 0, wire.RespAttr{}, wire.PoolAttr{}, fmt.Errorf("obc client: open status: %w", err)
	}
	resp, err := wire.DecodeRespAttr(r)
	if err != nil {
		return 0, wire.RespAttr{}, wire.PoolAttr{}, fmt.Errorf("obc client: open resp_attr: %w", err)
	}
	attr, err := wire.DecodePoolAttr(r)
	if err != nil {
		return 0, wire.RespAttr{}, wire.PoolAttr{}, fmt.Errorf("obc client: open pool_attr: %w", err)
	}
	return rpmemerr.Status(status), resp, attr, nil
}

// Close sends a close request and waits for its response.
func (c *ClientConn) Close() (rpmemerr.Status, error) {
	w := transportWriter{c.tr}
	if err := binary.Write(w, binary.BigEndian, uint32(wire.RequestClose)); err != nil {
		return 0, err
	}

	r := transportReader{c.tr}
	var status uint32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return 0, fmt.Errorf("obc client: close status: %w", err)
	}
	return rpmemerr.Status(status), nil
}
