package tcpfabric

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pmem/rpmemd/internal/fabric"
	"github.com/pmem/rpmemd/internal/wire"
)

func TestLifecycleGrantsLanesAndRunsWorkers(t *testing.T) {
	base := make([]byte, 4096)
	a := New()

	rv, err := a.Init(context.Background(), "", "", fabric.Attr{
		Base:          base,
		NLanes:        8,
		NThreads:      2,
		Provider:      wire.ProviderSockets,
		PersistMethod: wire.PersistAPM,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rv.NLanes > 8 {
		t.Errorf("granted NLanes = %d, want <= 8", rv.NLanes)
	}
	if rv.Port == 0 {
		t.Errorf("expected a nonzero rendezvous port")
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- a.Accept(context.Background()) }()

	cl, err := Dial(a.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := a.ProcessStart(); err != nil {
		t.Fatalf("ProcessStart: %v", err)
	}

	payload := []byte("persistent data")
	if err := cl.Write(16, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if string(base[16:16+len(payload)]) == string(payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote write never landed in the base region")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := cl.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if err := a.ProcessStop(); err != nil {
		t.Fatalf("ProcessStop: %v", err)
	}
	if err := a.WaitClose(time.Second); err != nil {
		t.Fatalf("WaitClose: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Fini(); err != nil {
		t.Fatalf("Fini: %v", err)
	}
}

func TestGPSPMPersistInvokedExactlyOnce(t *testing.T) {
	base := make([]byte, 1<<21)
	var calls int32
	var gotOffset, gotLength uint64

	a := New()
	_, err := a.Init(context.Background(), "", "", fabric.Attr{
		Base:          base,
		NLanes:        4,
		NThreads:      2,
		PersistMethod: wire.PersistGPSPM,
		PersistCB: func(b []byte, offset, length uint64) error {
			atomic.AddInt32(&calls, 1)
			gotOffset, gotLength = offset, length
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- a.Accept(context.Background()) }()

	cl, err := Dial(a.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := a.ProcessStart(); err != nil {
		t.Fatalf("ProcessStart: %v", err)
	}

	if err := cl.Persist(0x200000, 0x1000); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("persist callback never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("persist callback invoked %d times, want 1", n)
	}
	if gotOffset != 0x200000 || gotLength != 0x1000 {
		t.Errorf("persist callback args = (%#x, %#x), want (0x200000, 0x1000)", gotOffset, gotLength)
	}

	cl.Close()
	a.ProcessStop()
	a.WaitClose(time.Second)
	a.Close()
	a.Fini()
}

func TestWorkerCountNeverZero(t *testing.T) {
	n, err := fabric.WorkerCount()
	if err != nil {
		t.Fatalf("WorkerCount: %v", err)
	}
	if n < 1 {
		t.Errorf("WorkerCount = %d, want >= 1", n)
	}
}
