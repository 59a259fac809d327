package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "billops/pkg/logx"
)

// fileStore is the memory driver persisted to a single JSON snapshot.
//
// Every mutation rewrites <path> through a temp file and rename, so a crash
// leaves either the previous or the new state on disk.
type fileStore struct {
	*Memory

	path string
	log  logx.Logger

	flushMu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	if err := loadSnapshot(path, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	s := &fileStore{Memory: mem, path: path, log: log}
	mem.afterWrite = s.flush
	return s, nil
}

func (s *fileStore) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := writeJSONAtomic(s.path, s.Memory.state()); err != nil {
		s.log.Warn("snapshot write failed", logx.String("path", s.path), logx.Err(err))
	}
}

func (s *fileStore) Close() error {
	s.flush()
	return nil
}

func loadSnapshot(path string, into *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st memoryState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	into.load(st)
	return nil
}
