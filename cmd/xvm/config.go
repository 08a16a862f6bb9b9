package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-xvm/codemgr"
	"github.com/wippyai/wasm-xvm/exec"
)

// cliConfig is assembled from flags, XVM_* environment variables and an
// optional config file, in that order of precedence.
type cliConfig struct {
	LogLevel    string        `mapstructure:"log-level"`
	LogFormat   string        `mapstructure:"log-format"`
	CacheDir    string        `mapstructure:"cache-dir"`
	CodeCache   string        `mapstructure:"code-cache"`
	MemoryPages uint32        `mapstructure:"memory-pages"`
	MaxDepth    int           `mapstructure:"max-depth"`
	Interpreter bool          `mapstructure:"interpreter"`
	Gas         uint64        `mapstructure:"gas"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func defaultConfig() cliConfig {
	return cliConfig{
		LogLevel:    "warn",
		LogFormat:   "console",
		MemoryPages: exec.DefaultConfig().MemoryLimitPages,
		MaxDepth:    exec.DefaultMaxCallDepth,
		Gas:         10_000_000,
	}
}

func addGlobalFlags(cmd *cobra.Command) {
	d := defaultConfig()
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	f.String("log-format", d.LogFormat, "log format: console or json")
	f.String("cache-dir", d.CacheDir, "native code cache directory")
	f.String("code-cache", d.CodeCache, "contract cache directory used for .wasm inputs")
	f.Uint32("memory-pages", d.MemoryPages, "memory limit per context in 64KiB pages")
	f.Int("max-depth", d.MaxDepth, "maximum nested call depth")
	f.Bool("interpreter", d.Interpreter, "use the interpreter instead of the compiler")
	f.Uint64("gas", d.Gas, "gas limit per context")
	f.Duration("timeout", d.Timeout, "stop calls running longer than this (0 disables)")
}

func loadConfig(cmd *cobra.Command) (cliConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("XVM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return cliConfig{}, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return cliConfig{}, fmt.Errorf("read config failed.path:%s: %w", file, err)
		}
	}
	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cliConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c cliConfig) engineConfig() *exec.Config {
	return &exec.Config{
		MemoryLimitPages:   c.MemoryPages,
		CacheDir:           c.CacheDir,
		MaxCallDepth:       c.MaxDepth,
		CloseOnContextDone: c.Timeout > 0,
		Interpreter:        c.Interpreter,
	}
}

func (c cliConfig) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	switch c.LogFormat {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func setupLogging(cfg cliConfig) error {
	l, err := cfg.newLogger()
	if err != nil {
		return err
	}
	exec.SetLogger(l.Named("exec"))
	codemgr.SetLogger(l.Named("codemgr"))
	return nil
}
