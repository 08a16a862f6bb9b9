package codemgr

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-xvm/compile"
	"github.com/wippyai/wasm-xvm/errors"
	"github.com/wippyai/wasm-xvm/gas"
)

// CompilerVersion identifies the artifacts this build produces. Disk cache
// entries written by another version are recompiled.
var CompilerVersion = fmt.Sprintf("xvm-%d.%d", compile.MetaVersion, gas.ScheduleVersion)

// CodeDesc describes one version of a contract's code.
type CodeDesc struct {
	Digest   []byte `json:"digest"`
	Compiler string `json:"compiler,omitempty"`
}

// Equal reports whether d and o describe the same code.
func (d *CodeDesc) Equal(o *CodeDesc) bool {
	return bytes.Equal(d.Digest, o.Digest)
}

// Digest returns the digest used for code.
func Digest(code []byte) []byte {
	sum := sha256.Sum256(code)
	return sum[:]
}

// CodeProvider supplies contract code by name.
type CodeProvider interface {
	GetContractCodeDesc(name string) (*CodeDesc, error)
	GetContractCode(name string) ([]byte, error)
}

// FileProvider serves contracts from files. Keys are contract names.
type FileProvider map[string]string

// GetContractCodeDesc implements CodeProvider
func (p FileProvider) GetContractCodeDesc(name string) (*CodeDesc, error) {
	code, err := p.GetContractCode(name)
	if err != nil {
		return nil, err
	}
	return &CodeDesc{Digest: Digest(code)}, nil
}

// GetContractCode implements CodeProvider
func (p FileProvider) GetContractCode(name string) ([]byte, error) {
	path, ok := p[name]
	if !ok {
		return nil, errors.New(errors.PhaseCache, errors.KindNotFound).
			Path(name).
			Detail("unknown contract").
			Build()
	}
	code, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path, err)
		}
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "read "+path)
	}
	return code, nil
}

const descBucket = "desc"

// index maps contract names to the descriptor of their disk cache entry.
type index struct {
	db *leveldb.DB
}

func openIndex(dir string) (*index, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "open index "+dir)
	}
	return &index{db: db}, nil
}

func makeRawKey(bucket, name string) []byte {
	buf := make([]byte, 0, len(bucket)+1+len(name))
	buf = append(buf, bucket...)
	buf = append(buf, '/')
	return append(buf, name...)
}

func (x *index) get(name string) (*CodeDesc, bool) {
	value, err := x.db.Get(makeRawKey(descBucket, name), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			Logger().Warn("read code index", zap.String("contract", name), zap.Error(err))
		}
		return nil, false
	}
	desc := new(CodeDesc)
	if err := json.Unmarshal(value, desc); err != nil {
		Logger().Warn("corrupt code index entry", zap.String("contract", name), zap.Error(err))
		return nil, false
	}
	return desc, true
}

func (x *index) put(name string, desc *CodeDesc) error {
	value, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "encode descriptor")
	}
	if err := x.db.Put(makeRawKey(descBucket, name), value, nil); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindIO, err, "write index")
	}
	return nil
}

func (x *index) delete(name string) error {
	return x.db.Delete(makeRawKey(descBucket, name), nil)
}

func (x *index) close() error {
	return x.db.Close()
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}

// writeFile writes data to path through a temporary file.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
