package store

import "errors"

// ErrNotFound is returned by Get/Out when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrKeyExists is returned by PutKeep when the key is already present.
var ErrKeyExists = errors.New("store: key already exists")

// ErrReadOnly is returned by mutating calls while the store is in the
// read-only state. Nothing in this package enters that state: an I/O error
// is returned to the caller and the store stays writable.
var ErrReadOnly = errors.New("store: store is read-only after an I/O error")

// ErrBroken names an alignment-check failure that leaves the store
// unusable for writes. No code path in this package returns it.
var ErrBroken = errors.New("store: store marked broken after an alignment failure")

var errCorruptFreePool = errors.New("store: corrupt free-block pool image")
