// Command rpmemctl is a demonstration client for rpmemd: it launches
// the daemon on a remote node over an ssh tunnel (internal/tunnel),
// performs a create-or-open/write/persist/close round trip over the
// OOB control channel and the TCP data-plane stand-in, and reports the
// outcome. The data plane is always dialed at 127.0.0.1 on the granted
// port, so the write/persist step reaches the daemon only when -node is
// this host. It exists to exercise the client side of the protocol this
// repository implements the server side of; it is not itself part of
// the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/pmem/rpmemd/internal/fabric/tcpfabric"
	"github.com/pmem/rpmemd/internal/obc"
	"github.com/pmem/rpmemd/internal/rpmemerr"
	"github.com/pmem/rpmemd/internal/tunnel"
	"github.com/pmem/rpmemd/internal/wire"
)

func main() {
	node := flag.String("node", "", "target node (required)")
	user := flag.String("user", "", "remote user for the tunnel")
	service := flag.String("service", "", "remote ssh port, if non-default")
	ipv4 := flag.Bool("4", false, "force IPv4 for the tunnel")
	remoteCmd := flag.String("remote-cmd", "rpmemd", "remote command that starts the daemon")
	poolDesc := flag.String("pool", "", "pool descriptor (required)")
	poolSize := flag.Uint64("pool-size", 1<<20, "requested pool size in bytes")
	open := flag.Bool("open", false, "open an existing pool instead of creating one")
	payload := flag.String("write", "hello, rpmem", "bytes to write and persist at offset 0")
	flag.Parse()

	if *node == "" || *poolDesc == "" {
		fmt.Fprintln(os.Stderr, "rpmemctl: -node and -pool are required")
		os.Exit(2)
	}

	if err := run(*node, *user, *service, *ipv4, *remoteCmd, *poolDesc, *poolSize, *open, *payload); err != nil {
		fmt.Fprintln(os.Stderr, "rpmemctl:", err)
		os.Exit(1)
	}
}

func run(node, user, service string, ipv4 bool, remoteCmd, poolDesc string, poolSize uint64, open bool, payload string) error {
	ctx := context.Background()

	tn, err := tunnel.Launch(ctx, tunnel.Options{
		Node:          node,
		User:          user,
		Service:       service,
		IPv4Only:      ipv4,
		RemoteCommand: remoteCmd,
	})
	if err != nil {
		return fmt.Errorf("launching tunnel: %w", err)
	}
	defer func() {
		exit, _ := tn.Close()
		fmt.Fprintf(os.Stderr, "rpmemctl: tunnel exited: %+v\n", exit)
	}()

	startupStatus, err := tn.ReadStartupStatus()
	if err != nil {
		return fmt.Errorf("startup handshake: %s: %w", tn.StderrMessage(err), err)
	}
	if rpmemerr.Status(startupStatus) != rpmemerr.Success {
		return fmt.Errorf("daemon startup reported status %d", startupStatus)
	}

	client := obc.NewClient(tn.Transport())

	req := wire.ReqAttr{
		PoolDesc: poolDesc,
		PoolSize: poolSize,
		NLanes:   4,
		Provider: wire.ProviderSockets,
	}

	var resp wire.RespAttr
	if open {
		status, r, _, err := client.Open(req)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		if status != rpmemerr.Success {
			return fmt.Errorf("open rejected: status %v", status)
		}
		resp = r
	} else {
		attr := wire.PoolAttr{
			Signature:   [8]byte{'R', 'P', 'M', 'E', 'M', 'P', 'O', 'O'},
			Major:       1,
			PoolsetUUID: uuid.New(),
			SelfUUID:    uuid.New(),
		}
		status, r, err := client.Create(req, attr)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		if status != rpmemerr.Success {
			return fmt.Errorf("create rejected: status %v", status)
		}
		resp = r
	}

	fmt.Printf("rpmemctl: rendezvous granted: port=%d nlanes=%d persist=%s\n", resp.Port, resp.NLanes, resp.PersistMethod)

	dataAddr := fmt.Sprintf("127.0.0.1:%d", resp.Port)
	dc, err := tcpfabric.Dial(dataAddr)
	if err != nil {
		return fmt.Errorf("dialing data plane: %w", err)
	}
	defer dc.Close()

	if err := dc.Write(0, []byte(payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if resp.PersistMethod == wire.PersistGPSPM {
		if err := dc.Persist(0, uint64(len(payload))); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	fmt.Printf("rpmemctl: wrote %d bytes at offset 0\n", len(payload))

	status, err := client.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	fmt.Printf("rpmemctl: session closed: status=%v\n", status)
	return nil
}
