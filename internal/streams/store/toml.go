package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/camrelay/internal/streams"
)

// DefaultPath is used when NewTOML is given an empty path.
const DefaultPath = "data/streams.toml"

// tomlFile persists the document as one TOML file, replaced atomically.
type tomlFile struct {
	path string
	last []byte
}

// NewTOML creates a TOML-file-backed store. Call Load to read the file.
func NewTOML(path string) streams.Store {
	if path == "" {
		path = DefaultPath
	}
	return newDocStore(&tomlFile{path: path})
}

// read returns the file's document. A missing file, or one identical to our
// last write, yields changed=false.
func (f *tomlFile) read() (*document, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read streams file: %w", err)
	}
	if f.last != nil && bytes.Equal(data, f.last) {
		return nil, false, nil
	}

	doc := newDocument()
	if err := toml.Unmarshal(data, doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse streams file: %w", err)
	}
	f.last = data
	return doc, true, nil
}

// write replaces the file: temp file in the same directory, fsync, rename.
func (f *tomlFile) write(doc *document) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal streams: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create streams directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write streams file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync streams file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close streams file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod streams file: %w", err)
	}
	if err = os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace streams file: %w", err)
	}

	f.last = data
	return nil
}
