package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/metrics"
	"github.com/smazurov/camrelay/internal/streams"
)

// SchemaVersion is written to every persisted document.
const SchemaVersion = "1"

// document is the persisted shape of the whole store.
type document struct {
	SchemaVersion string                    `toml:"schema_version"`
	LastUpdated   time.Time                 `toml:"last_updated"`
	Streams       map[string]streams.Record `toml:"streams"`
}

func newDocument() *document {
	return &document{
		SchemaVersion: SchemaVersion,
		Streams:       make(map[string]streams.Record),
	}
}

// normalize repairs a freshly decoded document: the map key is the id.
func (d *document) normalize() {
	if d.SchemaVersion == "" {
		d.SchemaVersion = SchemaVersion
	}
	if d.Streams == nil {
		d.Streams = make(map[string]streams.Record)
	}
	for id, rec := range d.Streams {
		rec.Configuration.ID = id
		rec.Status.ID = id
		if rec.Status.ErrorCount < 0 {
			rec.Status.ErrorCount = 0
		}
		d.Streams[id] = rec
	}
}

// backend persists documents. A nil backend keeps everything in memory.
type backend interface {
	// read returns the durable document, or changed=false when there is
	// nothing new to apply
	read() (doc *document, changed bool, err error)
	write(doc *document) error
}

// docStore implements streams.Store over one in-memory document.
type docStore struct {
	mu      sync.RWMutex
	doc     *document
	backend backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemory creates a store that never touches the filesystem.
func NewMemory() streams.Store {
	return newDocStore(nil)
}

func newDocStore(b backend) *docStore {
	return &docStore{
		doc:     newDocument(),
		backend: b,
		logger:  logging.GetLogger("store"),
		now:     time.Now,
	}
}

// Load replaces the in-memory document with the durable one.
func (s *docStore) Load() error {
	if s.backend == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, changed, err := s.backend.read()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	doc.normalize()
	s.doc = doc
	s.logger.Info("Loaded streams", "count", len(doc.Streams))
	return nil
}

// Get retrieves a record by id.
func (s *docStore) Get(id string) (streams.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Streams[id]
	return rec, ok
}

// List returns all records sorted by id.
func (s *docStore) List() []streams.Record {
	s.mu.RLock()
	list := make([]streams.Record, 0, len(s.doc.Streams))
	for _, rec := range s.doc.Streams {
		list = append(list, rec)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Upsert stores cfg. CreatedAt of an existing record is kept and UpdatedAt
// always moves forward.
func (s *docStore) Upsert(cfg streams.StreamConfig) (streams.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	rec, exists := s.doc.Streams[cfg.ID]
	if exists {
		cfg.CreatedAt = rec.Configuration.CreatedAt
		if !now.After(rec.Configuration.UpdatedAt) {
			now = rec.Configuration.UpdatedAt.Add(time.Millisecond)
		}
	} else {
		cfg.CreatedAt = now
		rec.Status = streams.DefaultStatus(cfg.ID)
	}
	cfg.UpdatedAt = now
	rec.Configuration = cfg
	s.doc.Streams[cfg.ID] = rec

	return rec, s.save()
}

// Remove deletes a record, reporting whether it existed.
func (s *docStore) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Streams[id]; !ok {
		return false, nil
	}
	delete(s.doc.Streams, id)
	return true, s.save()
}

// UpdateStatus applies mutate to the status of id.
func (s *docStore) UpdateStatus(id string, mutate func(*streams.StreamStatus)) (streams.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Streams[id]
	if !ok {
		return streams.Record{}, streams.NewStreamError(streams.ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", id), nil)
	}
	mutate(&rec.Status)
	rec.Status.ID = id
	if rec.Status.ErrorCount < 0 {
		rec.Status.ErrorCount = 0
	}
	s.doc.Streams[id] = rec

	return rec, s.save()
}

// save writes the document through the backend. Caller holds s.mu.
// The in-memory document stays authoritative when the write fails.
func (s *docStore) save() error {
	if s.backend == nil {
		return nil
	}
	s.doc.LastUpdated = s.stamp()
	if err := s.backend.write(s.doc); err != nil {
		metrics.IncStoreWriteError()
		s.logger.Warn("Failed to persist streams", "error", err)
		return streams.NewStreamError(streams.ErrCodePersistence, "failed to write streams file", err)
	}
	return nil
}

func (s *docStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
