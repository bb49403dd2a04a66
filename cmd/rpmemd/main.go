// Command rpmemd is the remote persistent memory replication daemon.
// It is normally not invoked directly by an operator: the client
// library launches it on the target node via an ssh tunnel (see
// internal/tunnel), and it then speaks the OOB protocol over its
// stdin/stdout for the lifetime of one session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmem/rpmemd/internal/admin"
	"github.com/pmem/rpmemd/internal/config"
	"github.com/pmem/rpmemd/internal/fabric"
	"github.com/pmem/rpmemd/internal/fabric/tcpfabric"
	"github.com/pmem/rpmemd/internal/frame"
	"github.com/pmem/rpmemd/internal/obc"
	"github.com/pmem/rpmemd/internal/pooldb"
	"github.com/pmem/rpmemd/internal/rpmetrics"
	"github.com/pmem/rpmemd/internal/session"
)

func main() {
	fs := flag.NewFlagSet("rpmemd", flag.ExitOnError)
	cfg, configPath, err := config.ParseFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "rpmemd:", err)
		os.Exit(1)
	}

	logger, closeLog := setupLogger(*cfg)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("rpmemd starting", "pool_set_dir", cfg.PoolSetDir, "persist_apm", cfg.PersistAPM)

	db, err := pooldb.New(cfg.PoolSetDir, 0o600)
	if err != nil {
		slog.Error("pool database init failed", "error", err)
		os.Exit(1)
	}

	mc := rpmetrics.New()
	pub := admin.NewPublisher(admin.Snapshot{
		PoolSetDir:  cfg.PoolSetDir,
		PersistMode: persistModeName(cfg.PersistAPM),
		StartedAt:   startTime,
	})

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(pub, mc, cfg.AdminMetrics)
		if err := adminSrv.Start(cfg.AdminAddr); err != nil {
			slog.Error("admin server failed to start", "error", err)
		}
	}

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(newCfg *config.Config) {
			slog.Info("configuration reloaded", "path", configPath)
		})
		if err != nil {
			slog.Warn("config hot-reload not available", "error", err)
		}
	}

	nThreads, err := fabric.WorkerCount()
	if err != nil {
		slog.Error("no fabric workers available", "error", err)
		os.Exit(1)
	}

	var sessionsStarted bool
	sessCfg := session.Config{
		PersistAPM:  cfg.PersistAPM,
		MaxPoolSize: cfg.MaxPoolSize,
		NThreads:    nThreads,
		Node:        "localhost",
		Metrics:     mc,
		NewFabric: func() fabric.Adapter {
			a := tcpfabric.New()
			a.Metrics = mc
			return a
		},
		OnState: func(st session.State) {
			snap := pub.Load()
			if st.Active && !sessionsStarted {
				sessionsStarted = true
				snap.SessionsTotal++
			}
			if st.Active {
				snap.SessionsActive = 1
			} else {
				snap.SessionsActive = 0
			}
			if st.PoolOpen {
				snap.PoolsOpen = 1
			} else {
				snap.PoolsOpen = 0
			}
			snap.Closing = st.Closing
			pub.Publish(snap)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdown(cancel)

	tr := frame.New(os.Stdin, os.Stdout)
	ep := obc.New(tr)
	ctrl := session.New(sessCfg, db, ep)

	mc.SessionStarted()
	runErr := ctrl.Run(ctx)
	mc.SessionEnded(outcomeLabel(runErr))

	if watcher != nil {
		watcher.Stop()
	}
	if adminSrv != nil {
		adminSrv.Stop()
	}

	if runErr != nil {
		slog.Error("session ended with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("rpmemd session complete")
}

var startTime = time.Now()

func persistModeName(apm bool) string {
	if apm {
		return "apm"
	}
	return "gpspm"
}

func outcomeLabel(err error) string {
	if err != nil {
		return "fatal"
	}
	return "closed"
}

func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
}

func setupLogger(cfg config.Config) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	if cfg.LogSyslog {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "rpmemd")
		if err != nil {
			return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}
		}
		return slog.New(slog.NewTextHandler(w, opts)), func() { w.Close() }
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}
		}
		return slog.New(slog.NewTextHandler(f, opts)), func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}
}
