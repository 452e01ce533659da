// Package ejdb is an embeddable document database: collections of BSON
// documents addressed by a 12-byte object ID, queried with a Mongo-like
// query document, and indexed on arbitrary dotted field paths. A Database
// is a directory holding one hash-table store file and zero or more
// ordered index files per collection.
package ejdb

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/softmotions/ejdb/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Database owns a directory of collections.
type Database struct {
	mu      sync.RWMutex
	dir     string
	opts    Options
	collect map[string]*Collection
	closed  bool
	log     *zap.Logger
}

const storeExt = ".hdb"

// Open opens the database directory at dir, creating it if it does not
// exist. Every "*.hdb" file already present is recognized as a collection
// and opened lazily on first access via Collection.
func Open(dir string, opts Options) (*Database, error) {
	if opts.Truncate {
		if err := os.RemoveAll(dir); err != nil {
			return nil, errIO(err, "truncate %s", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errIO(err, "mkdir %s", dir)
	}
	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	db := &Database{dir: dir, opts: opts, collect: make(map[string]*Collection), log: log}
	db.log.Info("database opened", zap.String("dir", dir))
	return db, nil
}

// Dir returns the database's backing directory.
func (db *Database) Dir() string { return db.dir }

// Collections lists every collection name currently known, either opened
// already or discovered on disk.
func (db *Database) Collections() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, errIO(err, "read dir %s", db.dir)
	}
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), storeExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), storeExt)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Collection returns the named collection, opening it from disk or
// creating it fresh if it does not yet exist.
func (db *Database) Collection(name string, copts CollectionOptions) (*Collection, error) {
	if name == "" {
		return nil, errInvalid("collection name must not be empty")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errInvalid("database is closed")
	}
	if c, ok := db.collect[name]; ok {
		return c, nil
	}
	c, err := openCollection(db, name, copts)
	if err != nil {
		return nil, err
	}
	db.collect[name] = c
	return c, nil
}

// RemoveCollection deletes a collection's store and every index file.
func (db *Database) RemoveCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.collect[name]; ok {
		if err := c.closeLocked(); err != nil {
			return err
		}
		delete(db.collect, name)
	}
	matches, err := filepath.Glob(filepath.Join(db.dir, name+".*"))
	if err != nil {
		return errIO(err, "glob collection files for %s", name)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errIO(err, "remove %s", m)
		}
	}
	return nil
}

// RenameCollection renames a collection and every one of its index files
// on disk.
func (db *Database) RenameCollection(oldName, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if newName == "" {
		return errInvalid("new collection name must not be empty")
	}
	if _, exists := db.collect[newName]; exists {
		return errExists("collection %q already open", newName)
	}
	if c, ok := db.collect[oldName]; ok {
		if err := c.closeLocked(); err != nil {
			return err
		}
		delete(db.collect, oldName)
	}
	matches, err := filepath.Glob(filepath.Join(db.dir, oldName+".*"))
	if err != nil {
		return errIO(err, "glob collection files for %s", oldName)
	}
	prefix := oldName + "."
	for _, m := range matches {
		base := filepath.Base(m)
		suffix := strings.TrimPrefix(base, prefix)
		target := filepath.Join(db.dir, newName+"."+suffix)
		if err := os.Rename(m, target); err != nil {
			return errIO(err, "rename %s to %s", m, target)
		}
	}
	return nil
}

// Close closes every opened collection concurrently, since each owns an
// independent store file and fsync is the dominant cost.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var g errgroup.Group
	for name, c := range db.collect {
		c := c
		g.Go(c.closeLocked)
		delete(db.collect, name)
	}
	err := g.Wait()
	if err != nil {
		db.log.Warn("error closing database", zap.Error(err))
	} else {
		db.log.Info("database closed", zap.String("dir", db.dir))
	}
	_ = db.log.Sync()
	return err
}

// exportFrame tags each document written to an export stream with the
// collection it belongs to, since a single stream covers the whole
// database.
type exportFrame struct {
	Collection string
	Doc        []byte
}

// Export writes every document in every collection to w as a sequence of
// length-prefixed frames, each carrying its source collection's name so
// Import can route documents back to the right collection.
func (db *Database) Export(w io.Writer) error {
	names, err := db.Collections()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, name := range names {
		c, err := db.Collection(name, CollectionOptions{})
		if err != nil {
			return err
		}
		var iterErr error
		err = c.store.Iterate(func(_, raw []byte) bool {
			frame := bson.NewDocument().
				Append("collection", bson.String(name)).
				Append("doc", bson.BinaryVal(0, raw))
			data, merr := bson.Marshal(frame)
			if merr != nil {
				iterErr = merr
				return false
			}
			if _, werr := bw.Write(data); werr != nil {
				iterErr = werr
				return false
			}
			return true
		})
		if err != nil {
			return errIO(err, "export collection %s", name)
		}
		if iterErr != nil {
			return errIO(iterErr, "export collection %s", name)
		}
	}
	return bw.Flush()
}

// Import reads a stream produced by Export and saves every document into
// its original collection, preserving each document's existing _id.
func (db *Database) Import(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errIO(err, "read import stream")
	}
	pos := 0
	for pos < len(data) {
		frame, n, err := bson.UnmarshalPrefix(data[pos:])
		if err != nil {
			return errIO(err, "decode import frame at offset %d", pos)
		}
		pos += n
		nameV, ok := frame.Get("collection")
		if !ok {
			return errInvalid("import frame missing collection name")
		}
		name, _ := nameV.AsString()
		docV, ok := frame.Get("doc")
		if !ok {
			return errInvalid("import frame missing doc")
		}
		bin, _ := docV.AsBinary()
		doc, err := bson.Unmarshal(bin.Data)
		if err != nil {
			return errIO(err, "decode imported document for %s", name)
		}
		c, err := db.Collection(name, CollectionOptions{})
		if err != nil {
			return err
		}
		if _, err := c.saveRaw(doc); err != nil {
			return err
		}
	}
	return nil
}
