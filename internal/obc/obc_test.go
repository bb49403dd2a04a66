package obc

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/pmem/rpmemd/internal/frame"
	"github.com/pmem/rpmemd/internal/rpmemerr"
	"github.com/pmem/rpmemd/internal/wire"
)

func endpointClientPair() (*Endpoint, *ClientConn, func()) {
	c1, c2 := net.Pipe()
	ep := New(frame.NewConn(c1))
	cl := NewClient(frame.NewConn(c2))
	return ep, cl, func() { c1.Close(); c2.Close() }
}

func TestStartupHandshake(t *testing.T) {
	ep, cl, closeAll := endpointClientPair()
	defer closeAll()

	go ep.SendStartupStatus(rpmemerr.Success)

	status, err := cl.RecvStartupStatus()
	if err != nil {
		t.Fatalf("RecvStartupStatus: %v", err)
	}
	if status != rpmemerr.Success {
		t.Errorf("status = %v, want Success", status)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	ep, cl, closeAll := endpointClientPair()
	defer closeAll()

	wantAttr := wire.PoolAttr{Major: 1, PoolsetUUID: uuid.New(), SelfUUID: uuid.New()}
	var gotReq wire.ReqAttr
	var gotAttr wire.PoolAttr

	serverDone := make(chan error, 1)
	go func() {
		_, err := ep.Process(context.Background(), Callbacks{
			Create: func(ctx context.Context, req wire.ReqAttr, attr wire.PoolAttr) (rpmemerr.Status, wire.RespAttr) {
				gotReq = req
				gotAttr = attr
				return rpmemerr.Success, wire.RespAttr{Port: 4321, NLanes: 2, PersistMethod: wire.PersistGPSPM}
			},
		})
		serverDone <- err
	}()

	req := wire.ReqAttr{PoolDesc: "p1", PoolSize: 4 << 20, NLanes: 4, Provider: wire.ProviderVerbs}
	status, resp, err := cl.Create(req, wantAttr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server Process: %v", err)
	}

	if status != rpmemerr.Success {
		t.Errorf("status = %v, want Success", status)
	}
	if resp.Port != 4321 || resp.NLanes != 2 || resp.PersistMethod != wire.PersistGPSPM {
		t.Errorf("resp = %+v", resp)
	}
	if gotReq != req {
		t.Errorf("server saw req = %+v, want %+v", gotReq, req)
	}
	if gotAttr != wantAttr {
		t.Errorf("server saw attr = %+v, want %+v", gotAttr, wantAttr)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	ep, cl, closeAll := endpointClientPair()
	defer closeAll()

	wantAttr := wire.PoolAttr{Major: 1, PoolsetUUID: uuid.New()}

	serverDone := make(chan error, 1)
	go func() {
		_, err := ep.Process(context.Background(), Callbacks{
			Open: func(ctx context.Context, req wire.ReqAttr) (rpmemerr.Status, wire.RespAttr, wire.PoolAttr) {
				return rpmemerr.BadSize, wire.RespAttr{}, wantAttr
			},
		})
		serverDone <- err
	}()

	status, _, attr, err := cl.Open(wire.ReqAttr{PoolDesc: "p2", PoolSize: 1 << 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server Process: %v", err)
	}
	if status != rpmemerr.BadSize {
		t.Errorf("status = %v, want BadSize", status)
	}
	if attr != wantAttr {
		t.Errorf("attr = %+v, want %+v", attr, wantAttr)
	}
}

func TestCloseRoundTrip(t *testing.T) {
	ep, cl, closeAll := endpointClientPair()
	defer closeAll()

	serverDone := make(chan error, 1)
	go func() {
		_, err := ep.Process(context.Background(), Callbacks{
			Close: func(ctx context.Context) rpmemerr.Status { return rpmemerr.Fatal },
		})
		serverDone <- err
	}()

	status, err := cl.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server Process: %v", err)
	}
	if status != rpmemerr.Fatal {
		t.Errorf("status = %v, want Fatal", status)
	}
}

func TestProcessReportsPeerClosed(t *testing.T) {
	c1, c2 := net.Pipe()
	ep := New(frame.NewConn(c1))
	c2.Close()

	closed, err := ep.Process(context.Background(), Callbacks{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !closed {
		t.Errorf("expected peerClosed = true")
	}
}
