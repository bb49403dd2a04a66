package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pmem/rpmemd/internal/frame"
)

func TestResolveBinaryPrecedence(t *testing.T) {
	if got := ResolveBinary("custom-ssh"); got != "custom-ssh" {
		t.Errorf("override: got %q, want custom-ssh", got)
	}

	t.Setenv(SSHEnvVar, "env-ssh")
	if got := ResolveBinary(""); got != "env-ssh" {
		t.Errorf("env override: got %q, want env-ssh", got)
	}

	t.Setenv(SSHEnvVar, "")
	os.Unsetenv(SSHEnvVar)
	if got := ResolveBinary(""); got != DefaultSSHBinary {
		t.Errorf("default: got %q, want %q", got, DefaultSSHBinary)
	}
}

func TestBuildArgsOrder(t *testing.T) {
	args := BuildArgs(Options{
		Node:          "storage01",
		User:          "rpmem",
		Service:       "2222",
		IPv4Only:      true,
		RemoteCommand: "rpmemd",
	})
	want := []string{"-p", "2222", "-T", "-4", "-oBatchMode=yes", "rpmem@storage01", "rpmemd"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildArgsOmitsOptionalFields(t *testing.T) {
	args := BuildArgs(Options{Node: "storage01", RemoteCommand: "rpmemd"})
	want := []string{"-T", "-oBatchMode=yes", "storage01", "rpmemd"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

// writeScript writes an executable shell script standing in for the
// tunnel binary, so these tests exercise the real pipe wiring and exit
// classification without depending on a system ssh installation or a
// live sshd.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tunnel.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLaunchReadsStartupStatusAndClosesCleanly(t *testing.T) {
	script := writeScript(t, `printf '\000\000\000\000'
cat >/dev/null
`)

	tn, err := Launch(context.Background(), Options{Binary: script, Node: "n", RemoteCommand: "cmd"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	status, err := tn.ReadStartupStatus()
	if err != nil {
		t.Fatalf("ReadStartupStatus: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}

	exit, err := tn.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if exit.Kind != ExitNormal || exit.Code != 0 {
		t.Errorf("exit = %+v, want normal/0", exit)
	}
}

func TestLaunchSurfacesStderrOnAuthFailure(t *testing.T) {
	script := writeScript(t, `echo "Permission denied (publickey)." >&2
exit 1
`)

	tn, err := Launch(context.Background(), Options{Binary: script, Node: "n", RemoteCommand: "cmd"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	_, err = tn.ReadStartupStatus()
	if !errors.Is(err, frame.ErrConnReset) {
		t.Fatalf("ReadStartupStatus error = %v, want ErrConnReset", err)
	}

	msg := tn.StderrMessage(nil)
	if msg != "Permission denied (publickey)." {
		t.Errorf("StderrMessage = %q", msg)
	}

	exit, err := tn.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if exit.Kind != ExitNormal || exit.Code != 1 {
		t.Errorf("exit = %+v, want normal/1", exit)
	}
}

func TestStderrMessageFallsBackToUnknownError(t *testing.T) {
	script := writeScript(t, `exit 1
`)
	tn, err := Launch(context.Background(), Options{Binary: script, Node: "n", RemoteCommand: "cmd"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer tn.Close()

	tn.ReadStartupStatus()
	if msg := tn.StderrMessage(nil); msg != "unknown error" {
		t.Errorf("StderrMessage = %q, want %q", msg, "unknown error")
	}
}
