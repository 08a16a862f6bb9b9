// Package codemgr caches contract code for repeated execution.
//
// A Manager turns contract code supplied by a CodeProvider into exec.Code.
// Compiled artifacts are kept on disk under <BaseDir>/<name>/code.xvm and
// indexed in a LevelDB database; loaded Codes are kept in an LRU cache.
// Concurrent requests for the same contract compile and load it once.
package codemgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/exec"
)

const (
	artifactFile = "code.xvm"
	indexDir     = "index"

	// DefaultMemCacheSize is the number of Codes kept when Config.MemCacheSize is 0.
	DefaultMemCacheSize = 128
)

// Config holds configuration for a Manager
type Config struct {
	// BaseDir holds the disk cache and its index. Required.
	BaseDir string

	// MemCacheSize bounds the number of loaded Codes.
	MemCacheSize int

	// Engine loads artifacts. nil means exec.DefaultEngine().
	Engine *exec.Engine

	// Resolver is bound to every Code the manager loads.
	Resolver exec.Resolver

	// Compile configures artifact compilation. nil uses compile defaults.
	Compile *compile.Config
}

type contractCode struct {
	name string
	code *exec.Code
	desc CodeDesc
}

// Manager caches contract code. It is safe for concurrent use.
type Manager struct {
	basedir  string
	engine   *exec.Engine
	resolver exec.Resolver
	compile  *compile.Config
	index    *index

	makeCacheLock singleflight.Group

	mutex  sync.Mutex // protects codes and closed
	codes  *lru.Cache[string, *contractCode]
	closed bool
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, errors.InvalidInput(errors.PhaseConfig, "codemgr: BaseDir is required")
	}
	engine := cfg.Engine
	if engine == nil {
		var err error
		if engine, err = exec.DefaultEngine(); err != nil {
			return nil, err
		}
	}
	size := cfg.MemCacheSize
	if size <= 0 {
		size = DefaultMemCacheSize
	}
	idx, err := openIndex(filepath.Join(cfg.BaseDir, indexDir))
	if err != nil {
		return nil, err
	}
	codes, err := lru.NewWithEvict[string, *contractCode](size, evict)
	if err != nil {
		idx.close()
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "create memory cache")
	}
	return &Manager{
		basedir:  cfg.BaseDir,
		engine:   engine,
		resolver: cfg.Resolver,
		compile:  cfg.Compile,
		index:    idx,
		codes:    codes,
	}, nil
}

// evict releases a Code dropped from the memory cache. Contexts created from
// it keep running until they are released.
func evict(name string, cc *contractCode) {
	if err := cc.code.Release(context.Background()); err != nil {
		Logger().Warn("release evicted code", zap.String("contract", name), zap.Error(err))
	}
}

func (m *Manager) lookupMemCache(name string, desc *CodeDesc) (*contractCode, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	cc, ok := m.codes.Get(name)
	if !ok || !cc.desc.Equal(desc) {
		return nil, false
	}
	return cc, true
}

func (m *Manager) makeMemCache(ctx context.Context, name, path string, desc *CodeDesc) (*contractCode, error) {
	code, err := m.engine.Load(ctx, path, m.resolver)
	if err != nil {
		return nil, err
	}
	cc := &contractCode{name: name, code: code, desc: *desc}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		code.Release(ctx)
		return nil, errors.Released("code manager")
	}
	// Add does not evict on an existing key; Remove releases the old version
	if m.codes.Contains(name) {
		m.codes.Remove(name)
	}
	m.codes.Add(name, cc)
	return cc, nil
}

func (m *Manager) lookupDiskCache(name string, desc *CodeDesc) (string, bool) {
	path := m.artifactPath(name)
	if !fileExists(path) {
		return "", false
	}
	local, ok := m.index.get(name)
	if !ok || !local.Equal(desc) || local.Compiler != CompilerVersion {
		return "", false
	}
	return path, true
}

func (m *Manager) makeDiskCache(name string, desc *CodeDesc, code []byte) (string, error) {
	artifact, err := compile.Compile(code, m.compile)
	if err != nil {
		return "", err
	}
	path := m.artifactPath(name)
	if err := writeFile(path, artifact); err != nil {
		return "", errors.Wrap(errors.PhaseCache, errors.KindIO, err, "write "+path)
	}
	local := *desc
	local.Compiler = CompilerVersion
	if err := m.index.put(name, &local); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) artifactPath(name string) string {
	return filepath.Join(m.basedir, name, artifactFile)
}

// GetExecCode returns the Code of contract name at the version cp currently
// describes, compiling and loading it when no cache holds that version. The
// Code is owned by the manager: it stays usable until it is evicted, removed
// or the manager is closed, and Contexts created from it outlive all three.
func (m *Manager) GetExecCode(ctx context.Context, name string, cp CodeProvider) (*exec.Code, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	desc, err := cp.GetContractCodeDesc(name)
	if err != nil {
		return nil, err
	}
	if cc, ok := m.lookupMemCache(name, desc); ok {
		Logger().Debug("contract code hit memory cache", zap.String("contract", name))
		return cc.code, nil
	}

	// one goroutine per contract name builds the caches, the others wait
	icode, err, _ := m.makeCacheLock.Do(name, func() (interface{}, error) {
		defer m.makeCacheLock.Forget(name)
		// a caller that missed the memory cache just before the previous Do
		// finished must see its result
		if cc, ok := m.lookupMemCache(name, desc); ok {
			return cc, nil
		}
		path, ok := m.lookupDiskCache(name, desc)
		if !ok {
			Logger().Debug("contract code need make disk cache", zap.String("contract", name))
			code, err := cp.GetContractCode(name)
			if err != nil {
				return nil, err
			}
			if path, err = m.makeDiskCache(name, desc, code); err != nil {
				return nil, err
			}
		} else {
			Logger().Debug("contract code hit disk cache", zap.String("contract", name))
		}
		return m.makeMemCache(ctx, name, path, desc)
	})
	if err != nil {
		return nil, err
	}
	return icode.(*contractCode).code, nil
}

// RemoveCode drops contract name from both caches.
func (m *Manager) RemoveCode(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.codes.Remove(name)
	if err := m.index.delete(name); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindIO, err, "delete index entry")
	}
	if err := os.RemoveAll(filepath.Join(m.basedir, name)); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindIO, err, "remove "+name)
	}
	return nil
}

// Len returns the number of Codes in the memory cache.
func (m *Manager) Len() int {
	return m.codes.Len()
}

// Close releases every cached Code and closes the index. The disk cache is
// kept for the next Manager on BaseDir.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.codes.Purge()
	return m.index.close()
}

func (m *Manager) checkOpen() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return errors.Released("code manager")
	}
	return nil
}

// checkName rejects names that would escape BaseDir or collide with the index.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || name == indexDir ||
		filepath.Base(name) != name {
		return errors.New(errors.PhaseCache, errors.KindInvalidInput).
			Path(name).
			Detail("invalid contract name").
			Build()
	}
	return nil
}
