// Package config loads rpmemd's daemon configuration: the CLI flags
// for the pool-set directory, persistence mode, and logging surface,
// plus this implementation's pool size cap and admin/metrics HTTP
// surface flags, and an optional layered YAML file (with ${VAR}
// environment substitution and fsnotify-based hot reload) that supplies
// values for any flag not set on the command line.
package config

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration.
type Config struct {
	// PoolSetDir is the directory holding pool backing files. Required.
	PoolSetDir string `yaml:"pool_set_dir"`
	// PersistAPM selects APM when true, GPSPM otherwise.
	PersistAPM bool `yaml:"persist_apm"`
	// LogSyslog routes log output to syslog instead of LogFile/stderr.
	LogSyslog bool `yaml:"log_syslog"`
	// LogFile is the log destination when LogSyslog is false and
	// non-empty; empty means stderr.
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level"`

	// MaxPoolSize caps a freshly created pool's usable region (0 =
	// unlimited).
	MaxPoolSize uint64 `yaml:"max_pool_size"`
	// AdminAddr is the listen address for the admin/metrics HTTP
	// surface; empty disables it.
	AdminAddr string `yaml:"admin_addr"`
	// AdminMetrics mounts the Prometheus handler on the admin surface.
	AdminMetrics bool `yaml:"admin_metrics"`
}

// SlogLevel returns the parsed slog.Level, defaulting to Info on an
// unrecognized string.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.PoolSetDir == "" {
		return fmt.Errorf("pool_set_dir is required")
	}
	info, err := os.Stat(cfg.PoolSetDir)
	if err != nil {
		return fmt.Errorf("pool_set_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("pool_set_dir %q is not a directory", cfg.PoolSetDir)
	}
	return nil
}

// ParseFlags builds a Config from the daemon's CLI surface:
// the pool-set directory, persistence mode, and logging destination/
// level, plus this implementation's additive admin-surface flags. An
// optional --config YAML file supplies defaults for anything not set
// explicitly on the command line; flags always win.
func ParseFlags(fs *flag.FlagSet, args []string) (cfg *Config, configPath string, err error) {
	cfg = &Config{}
	fs.StringVar(&cfg.PoolSetDir, "pool-set-dir", "", "directory holding pool backing files")
	fs.BoolVar(&cfg.PersistAPM, "persist-apm", false, "use APM persistence instead of GPSPM")
	fs.BoolVar(&cfg.LogSyslog, "log-syslog", false, "log to syslog")
	fs.StringVar(&cfg.LogFile, "log-file", "", "log file path (default: stderr)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.Uint64Var(&cfg.MaxPoolSize, "max-pool-size", 0, "cap on a newly created pool's usable size (0 = unlimited)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", "", "admin/metrics HTTP listen address (empty disables it)")
	fs.BoolVar(&cfg.AdminMetrics, "admin-metrics", true, "mount Prometheus metrics on the admin surface")
	fs.StringVar(&configPath, "config", "", "optional YAML file supplying defaults for unset flags")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	if configPath != "" {
		fileCfg, err := Load(configPath)
		if err != nil {
			return nil, "", err
		}
		mergeFlagDefaults(cfg, fileCfg, fs)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// mergeFlagDefaults fills in fields from file wherever the corresponding
// flag was left unset on the command line. Flags always win over the
// file when both are given.
func mergeFlagDefaults(cfg, file *Config, fs *flag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["pool-set-dir"] && file.PoolSetDir != "" {
		cfg.PoolSetDir = file.PoolSetDir
	}
	if !set["persist-apm"] {
		cfg.PersistAPM = file.PersistAPM
	}
	if !set["log-syslog"] {
		cfg.LogSyslog = file.LogSyslog
	}
	if !set["log-file"] && file.LogFile != "" {
		cfg.LogFile = file.LogFile
	}
	if !set["log-level"] && file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if !set["max-pool-size"] && file.MaxPoolSize != 0 {
		cfg.MaxPoolSize = file.MaxPoolSize
	}
	if !set["admin-addr"] && file.AdminAddr != "" {
		cfg.AdminAddr = file.AdminAddr
	}
	if !set["admin-metrics"] {
		cfg.AdminMetrics = file.AdminMetrics
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} substitution. It
// does not validate or apply defaults: it may be a partial overlay
// missing fields that ParseFlags's CLI defaults supply instead.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Watcher watches a config file for changes and calls the callback with
// the newly loaded Config, debounced against rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}
	applyDefaults(cfg)
	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
