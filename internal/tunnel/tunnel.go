// Package tunnel launches the client-side interactive-shell subprocess
// (normally ssh) that tunnels the OOB control channel to the daemon,
// and wraps its stdio pipes as a framed transport.
package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pmem/rpmemd/internal/frame"
)

// SSHEnvVar overrides the default tunnel binary name when set.
const SSHEnvVar = "RPMEM_SSH_ENV"

// DefaultSSHBinary is used when SSHEnvVar is unset.
const DefaultSSHBinary = "ssh"

// Options configures how the tunnel binary is invoked.
type Options struct {
	// Node is the target host. Required.
	Node string
	// User, if non-empty, is prefixed as "user@node".
	User string
	// Service, if non-empty, is passed as "-p <service>" for a
	// non-default port.
	Service string
	// IPv4Only adds "-4" to force IPv4.
	IPv4Only bool
	// RemoteCommand is the command string executed on the far end to
	// start the daemon.
	RemoteCommand string
	// Binary overrides both the environment variable and the built-in
	// default when non-empty.
	Binary string
}

// ResolveBinary picks the tunnel binary: an explicit override wins,
// then RPMEM_SSH_ENV, then the built-in default.
func ResolveBinary(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(SSHEnvVar); v != "" {
		return v
	}
	return DefaultSSHBinary
}

// BuildArgs constructs the tunnel binary's argument vector. Order
// matters: -T keeps the byte stream binary-safe and BatchMode turns any
// credential prompt into a hard failure instead of a hang.
func BuildArgs(opts Options) []string {
	var args []string
	if opts.Service != "" {
		args = append(args, "-p", opts.Service)
	}
	args = append(args, "-T")
	if opts.IPv4Only {
		args = append(args, "-4")
	}
	args = append(args, "-oBatchMode=yes")

	target := opts.Node
	if opts.User != "" {
		target = opts.User + "@" + opts.Node
	}
	args = append(args, target, opts.RemoteCommand)
	return args
}

// Tunnel is a running subprocess with its stdio wired as a framed
// transport and its stderr available for a one-line error message.
type Tunnel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	tr     *frame.Transport
}

// Launch starts the tunnel subprocess and wires its three pipes. It does
// not block on the daemon's startup handshake; call ReadStartupStatus
// for that.
func Launch(ctx context.Context, opts Options) (*Tunnel, error) {
	bin := ResolveBinary(opts.Binary)
	args := BuildArgs(opts)

	cmd := exec.CommandContext(ctx, bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("tunnel: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("tunnel: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("tunnel: start %s: %w", bin, err)
	}

	return &Tunnel{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		tr:     frame.New(stdout, stdin),
	}, nil
}

// Transport returns the framed transport over the subprocess's stdio.
func (t *Tunnel) Transport() *frame.Transport { return t.tr }

// ReadStartupStatus reads the daemon's initial 4-byte status word.
// Failure to receive it (including the subprocess exiting first) is
// reported as frame.ErrConnReset.
func (t *Tunnel) ReadStartupStatus() (uint32, error) {
	buf := make([]byte, 4)
	if err := t.tr.Recv(buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// StderrMessage drains the subprocess's stderr and returns a single
// trimmed line suitable for display. If stderr was empty and cause is
// non-nil, cause's message is substituted; if both are empty/nil,
// "unknown error" is returned.
func (t *Tunnel) StderrMessage(cause error) string {
	data, _ := io.ReadAll(t.stderr)
	line := strings.TrimRight(string(data), "\r\n")
	if line != "" {
		if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
			line = line[:idx]
		}
		return line
	}
	if cause != nil {
		return cause.Error()
	}
	return "unknown error"
}

// ExitKind classifies how the tunnel subprocess terminated.
type ExitKind int

const (
	ExitNormal ExitKind = iota
	ExitSignaled
	ExitUnknown
)

// ExitStatus is the outcome of Close.
type ExitStatus struct {
	Kind   ExitKind
	Code   int
	Signal syscall.Signal
}

// closeGrace is how long Close waits for the subprocess to exit on its
// own after stdin is closed before sending SIGTERM.
const closeGrace = time.Second

// Close politely terminates the subprocess: it closes stdin, gives the
// subprocess closeGrace to exit on its own, then sends SIGTERM, and
// reaps its exit status, closing all three pipes regardless of outcome.
func (t *Tunnel) Close() (ExitStatus, error) {
	defer t.stdout.Close()
	defer t.stderr.Close()
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(closeGrace):
		if t.cmd.Process != nil {
			t.cmd.Process.Signal(syscall.SIGTERM)
		}
		err = <-done
	}
	if err == nil {
		return ExitStatus{Kind: ExitNormal, Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			switch {
			case ws.Signaled():
				return ExitStatus{Kind: ExitSignaled, Signal: ws.Signal()}, nil
			case ws.Exited():
				return ExitStatus{Kind: ExitNormal, Code: ws.ExitStatus()}, nil
			}
		}
		return ExitStatus{Kind: ExitUnknown}, nil
	}

	return ExitStatus{Kind: ExitUnknown}, err
}
