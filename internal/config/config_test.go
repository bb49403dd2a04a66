package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFlagsMinimal(t *testing.T) {
	dir := t.TempDir()
	fs := flag.NewFlagSet("rpmemd", flag.ContinueOnError)
	cfg, configPath, err := ParseFlags(fs, []string{"-pool-set-dir", dir})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if configPath != "" {
		t.Errorf("configPath = %q, want empty", configPath)
	}
	if cfg.PoolSetDir != dir {
		t.Errorf("PoolSetDir = %q, want %q", cfg.PoolSetDir, dir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.AdminAddr != "" {
		t.Errorf("AdminAddr = %q, want empty (admin surface disabled by default)", cfg.AdminAddr)
	}
	if !cfg.AdminMetrics {
		t.Error("AdminMetrics should default true")
	}
}

func TestParseFlagsRequiresPoolSetDir(t *testing.T) {
	fs := flag.NewFlagSet("rpmemd", flag.ContinueOnError)
	if _, _, err := ParseFlags(fs, nil); err == nil {
		t.Fatal("expected error for missing pool-set-dir")
	}
}

func TestParseFlagsRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := flag.NewFlagSet("rpmemd", flag.ContinueOnError)
	if _, _, err := ParseFlags(fs, []string{"-pool-set-dir", file}); err == nil {
		t.Fatal("expected error for non-directory pool-set-dir")
	}
}

func TestParseFlagsFileOverlayFlagsWin(t *testing.T) {
	poolDir := t.TempDir()
	cfgDir := t.TempDir()
	cfgPath := filepath.Join(cfgDir, "rpmemd.yaml")
	yamlContent := "pool_set_dir: " + poolDir + "\nlog_level: debug\nmax_pool_size: 1048576\n"
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("rpmemd", flag.ContinueOnError)
	cfg, _, err := ParseFlags(fs, []string{"-config", cfgPath, "-log-level", "error"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.PoolSetDir != poolDir {
		t.Errorf("PoolSetDir = %q, want %q (from file)", cfg.PoolSetDir, poolDir)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (flag wins over file's debug)", cfg.LogLevel)
	}
	if cfg.MaxPoolSize != 1048576 {
		t.Errorf("MaxPoolSize = %d, want 1048576 (from file)", cfg.MaxPoolSize)
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("RPMEM_TEST_DIR", "/var/lib/rpmem")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rpmemd.yaml")
	if err := os.WriteFile(cfgPath, []byte("pool_set_dir: ${RPMEM_TEST_DIR}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolSetDir != "/var/lib/rpmem" {
		t.Errorf("PoolSetDir = %q, want substituted value", cfg.PoolSetDir)
	}
}

func TestLoadLeavesUnknownVarsUntouched(t *testing.T) {
	os.Unsetenv("RPMEM_UNDEFINED_VAR")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rpmemd.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_file: ${RPMEM_UNDEFINED_VAR}/rpmemd.log\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogFile != "${RPMEM_UNDEFINED_VAR}/rpmemd.log" {
		t.Errorf("LogFile = %q, want literal placeholder preserved", cfg.LogFile)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"bogus": "INFO",
		"":      "INFO",
	}
	for level, want := range cases {
		cfg := Config{LogLevel: level}
		if got := cfg.SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %q, want %q", level, got, want)
		}
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rpmemd.yaml")
	if err := os.WriteFile(cfgPath, []byte("pool_set_dir: "+dir+"\nlog_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(cfgPath, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(cfgPath, []byte("pool_set_dir: "+dir+"\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Errorf("reloaded LogLevel = %q, want debug", cfg.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
