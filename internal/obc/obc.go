// Package obc implements the out-of-band protocol endpoint: it decodes
// the next request off a framed transport, dispatches it to one of
// three callbacks, and encodes the corresponding response. It performs
// no session bookkeeping of its own — internal/session owns the state
// machine and supplies the callbacks.
package obc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pmem/rpmemd/internal/frame"
	"github.com/pmem/rpmemd/internal/rpmemerr"
	"github.com/pmem/rpmemd/internal/wire"
)

// transportReader/transportWriter adapt frame.Transport's exact-length
// Recv/Send into io.Reader/io.Writer so internal/wire's stream codecs
// can be used directly against the framed transport.
type transportReader struct{ tr *frame.Transport }

func (r transportReader) Read(p []byte) (int, error) {
	if err := r.tr.Recv(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type transportWriter struct{ tr *frame.Transport }

func (w transportWriter) Write(p []byte) (int, error) {
	if err := w.tr.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CreateFunc handles a create request and returns the status to report
// plus the rendezvous attributes (meaningful only on success).
type CreateFunc func(ctx context.Context, req wire.ReqAttr, attr wire.PoolAttr) (rpmemerr.Status, wire.RespAttr)

// OpenFunc handles an open request and additionally returns the pool's
// on-disk header.
type OpenFunc func(ctx context.Context, req wire.ReqAttr) (rpmemerr.Status, wire.RespAttr, wire.PoolAttr)

// CloseFunc handles a close request.
type CloseFunc func(ctx context.Context) rpmemerr.Status

// Callbacks is the vtable internal/session binds to an Endpoint.
type Callbacks struct {
	Create CreateFunc
	Open   OpenFunc
	Close  CloseFunc
}

// Endpoint is the server-side OOB protocol handler.
type Endpoint struct {
	tr *frame.Transport
}

// New wraps an existing framed transport.
func New(tr *frame.Transport) *Endpoint {
	return &Endpoint{tr: tr}
}

// SendStartupStatus writes the single 4-byte status word that begins
// every session, before the controller enters its request loop.
func (e *Endpoint) SendStartupStatus(status rpmemerr.Status) error {
	return binary.Write(transportWriter{e.tr}, binary.BigEndian, uint32(status))
}

// Process reads the next request and dispatches it to the matching
// callback, then writes the response. peerClosed reports a clean EOF at
// a message boundary, the signal to end the session without error.
func (e *Endpoint) Process(ctx context.Context, cb Callbacks) (peerClosed bool, err error) {
	kindBuf := make([]byte, 4)
	closed, err := e.tr.RecvMessage(kindBuf)
	if closed {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("obc: read request kind: %w", err)
	}
	kind := wire.RequestKind(binary.BigEndian.Uint32(kindBuf))

	r := transportReader{e.tr}
	w := transportWriter{e.tr}

	switch kind {
	case wire.RequestCreate:
		req, err := wire.DecodeReqAttr(r)
		if err != nil {
			return false, fmt.Errorf("obc: decode create request: %w", err)
		}
		attr, err := wire.DecodePoolAttr(r)
		if err != nil {
			return false, fmt.Errorf("obc: decode create pool_attr: %w", err)
		}
		status, resp := cb.Create(ctx, req, attr)
		if err := writeStatusAndResp(w, status, resp); err != nil {
			return false, fmt.Errorf("obc: write create response: %w", err)
		}
		return false, nil

	case wire.RequestOpen:
		req, err := wire.DecodeReqAttr(r)
		if err != nil {
			return false, fmt.Errorf("obc: decode open request: %w", err)
		}
		status, resp, attr := cb.Open(ctx, req)
		if err := binary.Write(w, binary.BigEndian, uint32(status)); err != nil {
			return false, fmt.Errorf("obc: write open status: %w", err)
		}
		if err := resp.Encode(w); err != nil {
			return false, fmt.Errorf("obc: write open resp_attr: %w", err)
		}
		if err := attr.Encode(w); err != nil {
			return false, fmt.Errorf("obc: write open pool_attr: %w", err)
		}
		return false, nil

	case wire.RequestClose:
		status := cb.Close(ctx)
		if err := binary.Write(w, binary.BigEndian, uint32(status)); err != nil {
			return false, fmt.Errorf("obc: write close status: %w", err)
		}
		return false, nil

	default:
		return false, fmt.Errorf("obc: unknown request kind %d", kind)
	}
}

func writeStatusAndResp(w transportWriter, status rpmemerr.Status, resp wire.RespAttr) error {
	if err := binary.Write(w, binary.BigEndian, uint32(status)); err != nil {
		return err
	}
	return resp.Encode(w)
}
