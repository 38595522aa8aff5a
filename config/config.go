// Package config loads the ambient configuration fio's reactor starts
// from: thread/worker counts, timeouts, and the cluster transport's
// socket directory. It mirrors the viper+pflag pairing
// nabbar/golib and webitel-im-delivery-service both use ahead of their
// own network layers, with fsnotify watching the backing file (if any)
// for live reload of the handful of values that are safe to change
// without a restart.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of ambient reactor settings. Fields map 1:1
// onto FIO_* environment variables; every field except RespawnWorkers
// also has a long flag of the same name with dashes (see Flags).
type Config struct {
	// Threads is the worker-thread pool size per process; 0 defers to
	// Reactor.Start's own CPU-based defaulting.
	Threads int `mapstructure:"threads"`
	// Workers is the number of worker processes; 0 defers the same way.
	Workers int `mapstructure:"workers"`
	// DefaultTimeout is applied to a connection with no explicit
	// per-connection timeout set (default: 300s).
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// ReviewTimeouts enables the per-cycle timeout walker.
	ReviewTimeouts bool `mapstructure:"review_timeouts"`
	// TmpDir locates the master cluster Unix socket; falls back to
	// $TMPDIR then /tmp.
	TmpDir string `mapstructure:"tmp_dir"`
	// PrintLevel maps to FIO_PRINT (build-time in the C source; here a
	// runtime knob): 0 disables all logging, 1 is error-only, 5 is trace.
	PrintLevel int `mapstructure:"print_level"`
	// RespawnWorkers controls whether an unexpectedly-exited worker is
	// respawned (release behavior) or stops the reactor (debug
	// behavior).
	RespawnWorkers bool `mapstructure:"respawn_workers"`
}

// Default returns the zero-defaulted configuration.
func Default() Config {
	return Config{
		DefaultTimeout: 300 * time.Second,
		ReviewTimeouts: true,
		TmpDir:         resolveTmpDir(),
		PrintLevel:     2,
		RespawnWorkers: true,
	}
}

func resolveTmpDir() string {
	if v := os.Getenv("TMPDIR"); v != "" {
		return v
	}
	return "/tmp"
}

// Flags registers pflag long flags for the subset of Config a host
// binary plausibly wants on its command line, bound to the supplied
// *viper.Viper so BindPFlag resolution picks them up.
func Flags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("threads", 0, "worker-thread pool size per process (0 = auto)")
	fs.Int("workers", 0, "worker process count (0 = auto)")
	fs.Duration("default-timeout", 300*time.Second, "default per-connection idle timeout")
	fs.Bool("review-timeouts", true, "enable the per-cycle idle-timeout walker")
	fs.String("tmp-dir", resolveTmpDir(), "directory for the pub/sub cluster unix socket")
	fs.Int("print-level", 2, "log verbosity, 0 (silent) through 5 (trace)")

	v.BindPFlag("threads", fs.Lookup("threads"))
	v.BindPFlag("workers", fs.Lookup("workers"))
	v.BindPFlag("default_timeout", fs.Lookup("default-timeout"))
	v.BindPFlag("review_timeouts", fs.Lookup("review-timeouts"))
	v.BindPFlag("tmp_dir", fs.Lookup("tmp-dir"))
	v.BindPFlag("print_level", fs.Lookup("print-level"))
}

// Load builds a *viper.Viper bound to the FIO_ environment prefix and
// an optional config file, unmarshalling into Config. path may be empty
// to skip file-based configuration entirely.
func Load(path string, fs *pflag.FlagSet) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("FIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if fs != nil {
		Flags(fs, v)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, v, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, v, err
	}
	return cfg, v, nil
}

// WatchReload re-reads the config file on change, invoking onChange
// with the newly parsed Config. Only the fields documented as safe to
// change live (ReviewTimeouts, DefaultTimeout, PrintLevel) should be
// applied by onChange; Threads/Workers changes require a restart.
func WatchReload(v *viper.Viper, onChange func(Config)) error {
	v.WatchConfig()
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err == nil {
			onChange(cfg)
		}
	})
	return nil
}
