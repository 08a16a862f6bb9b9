package exec

import (
	"context"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
)

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per context in pages (64KB each).
	// 0 means the wazero default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// CacheDir enables an on-disk cache of native code. Empty keeps the
	// cache in memory for the lifetime of the engine.
	CacheDir string

	// MaxCallDepth bounds nested Call depth through re-entrant host calls.
	// 0 means DefaultMaxCallDepth.
	MaxCallDepth int

	// CloseOnContextDone stops running calls when their context.Context is
	// done. The call then fails with TrapCanceled.
	CloseOnContextDone bool

	// Interpreter selects the wazero interpreter. Otherwise the runtime
	// comes from wazero.NewRuntimeConfig, which uses the compiler on
	// platforms that support it.
	Interpreter bool

	// ScheduleVersion is the gas schedule version Load accepts. Artifacts
	// metered with another version are rejected as malformed.
	// 0 means gas.ScheduleVersion.
	ScheduleVersion uint32
}

// DefaultMaxCallDepth is the nesting limit used when Config.MaxCallDepth is 0.
const DefaultMaxCallDepth = 64

// DefaultConfig returns the configuration used by the package-level Load.
func DefaultConfig() *Config {
	return &Config{
		MemoryLimitPages: 1024,
		MaxCallDepth:     DefaultMaxCallDepth,
	}
}

// Engine creates Code. Codes of one engine share a native code cache.
type Engine struct {
	cfg   Config
	cache wazero.CompilationCache
}

// NewEngine creates an engine. A nil cfg means DefaultConfig().
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{cfg: *cfg}
	if e.cfg.MaxCallDepth <= 0 {
		e.cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if e.cfg.ScheduleVersion == 0 {
		e.cfg.ScheduleVersion = gas.ScheduleVersion
	}
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindIO, err, "open compilation cache")
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}
	return e, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Close releases the compilation cache. Codes already loaded keep working.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

func (e *Engine) runtimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	rc = rc.WithCompilationCache(e.cache)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	if e.cfg.CloseOnContextDone {
		rc = rc.WithCloseOnContextDone(true)
	}
	return rc
}

// Load reads the artifact at path and links it against resolver.
func (e *Engine) Load(ctx context.Context, path string, resolver Resolver) (*Code, error) {
	artifact, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path, err)
		}
		return nil, errors.New(errors.PhaseLoad, errors.KindIO).
			Path(path).
			Detail("read artifact").
			Cause(err).
			Build()
	}
	return e.newCode(ctx, artifact, path, resolver)
}

// NewCode links an in-memory artifact against resolver.
func (e *Engine) NewCode(ctx context.Context, artifact []byte, resolver Resolver) (*Code, error) {
	return e.newCode(ctx, artifact, "", resolver)
}

var (
	defaultEngine     *Engine
	defaultEngineErr  error
	defaultEngineOnce sync.Once
)

// DefaultEngine returns the engine used by the package-level functions.
func DefaultEngine() (*Engine, error) {
	defaultEngineOnce.Do(func() {
		defaultEngine, defaultEngineErr = NewEngine(nil)
	})
	return defaultEngine, defaultEngineErr
}

// Load loads the artifact at path with the default engine.
func Load(ctx context.Context, path string, resolver Resolver) (*Code, error) {
	e, err := DefaultEngine()
	if err != nil {
		return nil, err
	}
	return e.Load(ctx, path, resolver)
}

// NewCode loads an in-memory artifact with the default engine.
func NewCode(ctx context.Context, artifact []byte, resolver Resolver) (*Code, error) {
	e, err := DefaultEngine()
	if err != nil {
		return nil, err
	}
	return e.NewCode(ctx, artifact, resolver)
}

// WithCode loads the artifact at path, runs fn and releases the Code, also
// when fn fails or panics.
func WithCode(ctx context.Context, path string, resolver Resolver, fn func(*Code) error) (err error) {
	code, err := Load(ctx, path, resolver)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := code.Release(ctx); err == nil {
			err = rerr
		}
	}()
	return fn(code)
}
