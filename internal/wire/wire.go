// Package wire implements the pure encode/decode logic for the OOB
// protocol's request, response, and pool-header structures. It performs
// no I/O; internal/obc drives these over internal/frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Provider identifies the fabric provider requested by the client.
type Provider uint32

const (
	ProviderUnspecified Provider = 0
	ProviderVerbs       Provider = 1
	ProviderSockets     Provider = 2
)

// PersistMethod identifies how durability is achieved for a session.
type PersistMethod uint32

const (
	PersistUnspecified PersistMethod = 0
	PersistAPM         PersistMethod = 1
	PersistGPSPM       PersistMethod = 2
)

func (m PersistMethod) String() string {
	switch m {
	case PersistAPM:
		return "APM"
	case PersistGPSPM:
		return "GPSPM"
	default:
		return "unspecified"
	}
}

// RequestKind identifies which of the three OOB requests is being sent.
type RequestKind uint32

const (
	RequestCreate RequestKind = 1
	RequestOpen   RequestKind = 2
	RequestClose  RequestKind = 3
)

// ReqAttr is the common request payload: pool_desc + pool_size + nlanes + provider.
type ReqAttr struct {
	PoolDesc string
	PoolSize uint64
	NLanes   uint32
	Provider Provider
}

// RespAttr is the rendezvous tuple returned for create/open.
type RespAttr struct {
	Port          uint16
	RKey          uint64
	RAddr         uint64
	NLanes        uint32
	PersistMethod PersistMethod
}

// HeaderSize is the size, in bytes, reserved at the start of every
// backing pool file for PoolAttr. The usable region begins here.
const HeaderSize = 4096

// PoolAttr is the fixed pool header record, immutable once a pool exists.
type PoolAttr struct {
	Signature        [8]byte
	Major            uint32
	CompatFeatures   uint32
	IncompatFeatures uint32
	RoCompatFeatures uint32
	PoolsetUUID      uuid.UUID
	SelfUUID         uuid.UUID
	PrevUUID         uuid.UUID
	NextUUID         uuid.UUID
}

// --- primitive helpers ---

func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > 0xFFFF {
		return fmt.Errorf("wire: string too long (%d bytes)", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// --- ReqAttr ---

// Encode writes req in wire order: pool_desc, pool_size, nlanes, provider.
func (req ReqAttr) Encode(w io.Writer) error {
	if err := writeString(w, req.PoolDesc); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, req.PoolSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, req.NLanes); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(req.Provider))
}

// DecodeReqAttr reads a ReqAttr in the order Encode wrote it.
func DecodeReqAttr(r io.Reader) (ReqAttr, error) {
	var req ReqAttr
	desc, err := readString(r)
	if err != nil {
		return req, err
	}
	req.PoolDesc = desc
	if err := binary.Read(r, binary.BigEndian, &req.PoolSize); err != nil {
		return req, err
	}
	if err := binary.Read(r, binary.BigEndian, &req.NLanes); err != nil {
		return req, err
	}
	var provider uint32
	if err := binary.Read(r, binary.BigEndian, &provider); err != nil {
		return req, err
	}
	req.Provider = Provider(provider)
	return req, nil
}

// --- RespAttr ---

// Encode writes resp in wire order: port, rkey, raddr, nlanes, persist_method.
func (resp RespAttr) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, resp.Port); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, resp.RKey); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, resp.RAddr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, resp.NLanes); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(resp.PersistMethod))
}

// DecodeRespAttr reads a RespAttr in the order Encode wrote it.
func DecodeRespAttr(r io.Reader) (RespAttr, error) {
	var resp RespAttr
	if err := binary.Read(r, binary.BigEndian, &resp.Port); err != nil {
		return resp, err
	}
	if err := binary.Read(r, binary.BigEndian, &resp.RKey); err != nil {
		return resp, err
	}
	if err := binary.Read(r, binary.BigEndian, &resp.RAddr); err != nil {
		return resp, err
	}
	if err := binary.Read(r, binary.BigEndian, &resp.NLanes); err != nil {
		return resp, err
	}
	var pm uint32
	if err := binary.Read(r, binary.BigEndian, &pm); err != nil {
		return resp, err
	}
	resp.PersistMethod = PersistMethod(pm)
	return resp, nil
}

// --- PoolAttr ---

// Encode writes attr in field order, as laid out in the backing file header.
func (attr PoolAttr) Encode(w io.Writer) error {
	if _, err := w.Write(attr.Signature[:]); err != nil {
		return err
	}
	for _, v := range []uint32{attr.Major, attr.CompatFeatures, attr.IncompatFeatures, attr.RoCompatFeatures} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, u := range []uuid.UUID{attr.PoolsetUUID, attr.SelfUUID, attr.PrevUUID, attr.NextUUID} {
		if _, err := w.Write(u[:]); err != nil {
			return err
		}
	}
	return nil
}

// DecodePoolAttr reads a PoolAttr in the order Encode wrote it.
func DecodePoolAttr(r io.Reader) (PoolAttr, error) {
	var attr PoolAttr
	if _, err := io.ReadFull(r, attr.Signature[:]); err != nil {
		return attr, err
	}
	fields := []*uint32{&attr.Major, &attr.CompatFeatures, &attr.IncompatFeatures, &attr.RoCompatFeatures}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return attr, err
		}
	}
	uuids := []*uuid.UUID{&attr.PoolsetUUID, &attr.SelfUUID, &attr.PrevUUID, &attr.NextUUID}
	for _, u := range uuids {
		if _, err := io.ReadFull(r, u[:]); err != nil {
			return attr, err
		}
	}
	return attr, nil
}

// EncodeToBytes is a convenience wrapper used when a fixed-size buffer
// (rather than a stream) is needed, e.g. writing the pool header.
func EncodeToBytes(attr PoolAttr) ([]byte, error) {
	var buf bytes.Buffer
	if err := attr.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
