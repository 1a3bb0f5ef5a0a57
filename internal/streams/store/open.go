package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smazurov/camrelay/internal/streams"
)

// Open returns the TOML store for path with its file loaded. When the file
// cannot be parsed or its directory is not writable, it falls back to an
// empty in-memory store and returns the reason alongside it.
func Open(path string) (streams.Store, error) {
	s := NewTOML(path)
	f := s.(*docStore).backend.(*tomlFile)

	if err := checkWritable(filepath.Dir(f.path)); err != nil {
		return NewMemory(), fmt.Errorf("streams directory not writable, using memory store: %w", err)
	}
	if err := s.Load(); err != nil {
		return NewMemory(), fmt.Errorf("using memory store: %w", err)
	}
	return s, nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".camrelay-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
