package ejdb

// Options configures Open.
type Options struct {
	// Truncate removes any existing database directory contents before
	// opening a fresh one.
	Truncate bool
	// ReadOnly is accepted but not consulted: collection stores are opened
	// writable whether or not it is set.
	ReadOnly bool
	// NoWAL disables write-ahead logging for every collection and index
	// opened under this database (no crash-consistency guarantee).
	NoWAL bool
	// DefaultBucketCount seeds newly created collections' hash-table
	// bucket count; zero uses store's own default.
	DefaultBucketCount uint64
	// AsyncBufferSize, if non-zero, enables the async-put coalescing
	// buffer on every collection's store with this capacity.
	AsyncBufferSize int
}

// CollectionOptions configures Database.Collection for a collection that
// does not already exist on disk.
type CollectionOptions struct {
	BucketCount uint64
}
