package streams

// Store is the durable desired-state record: stream id -> {configuration, status}.
// Every mutation is in memory before the call returns; implementations that
// persist return an ErrCodePersistence StreamError when the write fails, in
// which case the in-memory mutation is kept.
type Store interface {
	// Load replaces the in-memory document with the durable copy
	Load() error

	// Get retrieves a record by id
	Get(id string) (Record, bool)

	// List returns all records sorted by id
	List() []Record

	// Upsert stores cfg, keeping CreatedAt of an existing record and
	// creating a default status for a new one
	Upsert(cfg StreamConfig) (Record, error)

	// Remove deletes a record, reporting whether it existed
	Remove(id string) (bool, error)

	// UpdateStatus applies mutate to the status of id; unknown ids
	// return an ErrCodeStreamNotFound error
	UpdateStatus(id string, mutate func(*StreamStatus)) (Record, error)
}
