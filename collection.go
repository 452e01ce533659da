package ejdb

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
	"github.com/softmotions/ejdb/internal/store"
	"github.com/softmotions/ejdb/query"
)

// Collection is a named set of BSON documents backed by one hash-table
// store plus zero or more secondary indexes declared on dotted field
// paths.
type Collection struct {
	db   *Database
	name string

	mu      sync.RWMutex
	store   *store.Store
	indexes map[string]*index.Index
	meta    []indexMeta
}

// indexMeta is the on-disk record of a declared index, persisted to
// "<name>.idxmeta" so EnsureIndex's choices survive a reopen.
type indexMeta struct {
	Field  string
	Kind   index.Kind
	Unique bool
}

func storePath(db *Database, name string) string  { return filepath.Join(db.dir, name+storeExt) }
func metaPath(db *Database, name string) string    { return filepath.Join(db.dir, name+".idxmeta") }
func indexPath(db *Database, name, field string) string {
	return filepath.Join(db.dir, name+"."+field+".idx")
}

func openCollection(db *Database, name string, copts CollectionOptions) (*Collection, error) {
	sopts := store.Options{BucketCount: copts.BucketCount, NoWAL: db.opts.NoWAL}
	if sopts.BucketCount == 0 {
		sopts.BucketCount = db.opts.DefaultBucketCount
	}
	st, err := store.Open(storePath(db, name), sopts)
	if err != nil {
		return nil, errIO(err, "open collection store %s", name)
	}
	if db.opts.AsyncBufferSize > 0 {
		if err := st.EnableAsync(db.opts.AsyncBufferSize); err != nil {
			return nil, errIO(err, "enable async buffer for %s", name)
		}
	}
	c := &Collection{db: db, name: name, store: st, indexes: make(map[string]*index.Index)}
	metas, err := loadIndexMeta(metaPath(db, name))
	if err != nil {
		st.Close()
		return nil, errIO(err, "load index metadata for %s", name)
	}
	c.meta = metas
	for _, m := range metas {
		idx, err := index.Open(indexPath(db, name, m.Field), strings.Split(m.Field, "."), m.Kind, m.Unique)
		if err != nil {
			st.Close()
			return nil, errIO(err, "open index %s on %s", m.Field, name)
		}
		c.indexes[m.Field] = idx
	}
	return c, nil
}

func loadIndexMeta(path string) ([]indexMeta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := bson.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	arrV, ok := doc.Get("indexes")
	if !ok {
		return nil, nil
	}
	arr, _ := arrV.AsArray()
	var out []indexMeta
	for _, item := range arr.Items() {
		sub, ok := item.AsDocument()
		if !ok {
			continue
		}
		fieldV, _ := sub.Get("field")
		field, _ := fieldV.AsString()
		kindV, _ := sub.Get("kind")
		kindN, _ := kindV.Numeric()
		uniqueV, _ := sub.Get("unique")
		unique, _ := uniqueV.AsBool()
		out = append(out, indexMeta{Field: field, Kind: index.Kind(int(kindN)), Unique: unique})
	}
	return out, nil
}

func saveIndexMeta(path string, metas []indexMeta) error {
	arr := bson.NewArray()
	for _, m := range metas {
		sub := bson.NewDocument().
			Append("field", bson.String(m.Field)).
			Append("kind", bson.Int32(int32(m.Kind))).
			Append("unique", bson.Bool(m.Unique))
		arr.Append(bson.ObjectVal(sub))
	}
	doc := bson.NewDocument().Append("indexes", bson.ArrayVal(arr))
	data, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Save inserts doc as a new document (assigning a fresh _id when absent)
// or overwrites the document already stored under its existing _id.
// Returns the assigned object ID.
func (c *Collection) Save(doc *bson.Document) (bson.OID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveRaw(doc)
}

// saveRaw performs the actual save and is reused by Import, which must
// preserve the document's existing _id rather than minting a new one.
func (c *Collection) saveRaw(doc *bson.Document) (bson.OID, error) {
	id, isNew := ensureID(doc)
	data, err := bson.Marshal(doc)
	if err != nil {
		return id, errInvalid("marshal document: %v", err)
	}

	var oldDoc *bson.Document
	var oldRaw []byte
	if !isNew {
		if old, err := c.store.Get(id[:]); err == nil {
			oldRaw = old
			oldDoc, _ = bson.Unmarshal(old)
		}
	}

	if err := c.store.Put(id[:], data, store.PutUpsert); err != nil {
		return id, errIO(err, "put document %s into %s", id.Hex(), c.name)
	}
	var touched []*index.Index
	for _, idx := range c.indexes {
		touched = append(touched, idx)
		if err := idx.Apply(id[:], oldDoc, doc); err != nil {
			for _, t := range touched {
				t.Apply(id[:], doc, oldDoc)
			}
			if oldRaw != nil {
				c.store.Put(id[:], oldRaw, store.PutUpsert)
			} else {
				c.store.Out(id[:])
			}
			return id, errIO(err, "update index while saving into %s", c.name)
		}
	}
	return id, nil
}

// ensureID appends a fresh OID under "_id" if doc does not already carry
// one, returning the (possibly newly assigned) id and whether it was
// freshly minted.
func ensureID(doc *bson.Document) (bson.OID, bool) {
	if v, ok := doc.Get("_id"); ok {
		if id, ok := v.AsOID(); ok {
			return id, false
		}
	}
	id := bson.NewOID()
	doc.Append("_id", bson.OIDVal(id))
	return id, true
}

// Load fetches the document stored under id.
func (c *Collection) Load(id bson.OID) (*bson.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := c.store.Get(id[:])
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errNotFound("document %s not found in %s", id.Hex(), c.name)
		}
		return nil, errIO(err, "load document %s from %s", id.Hex(), c.name)
	}
	return bson.Unmarshal(data)
}

// Remove deletes the document stored under id, retracting it from every
// index.
func (c *Collection) Remove(id bson.OID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

func (c *Collection) removeLocked(id bson.OID) error {
	var oldDoc *bson.Document
	if old, err := c.store.Get(id[:]); err == nil {
		oldDoc, _ = bson.Unmarshal(old)
	}
	if err := c.store.Out(id[:]); err != nil {
		if err == store.ErrNotFound {
			return errNotFound("document %s not found in %s", id.Hex(), c.name)
		}
		return errIO(err, "remove document %s from %s", id.Hex(), c.name)
	}
	for _, idx := range c.indexes {
		if err := idx.Apply(id[:], oldDoc, nil); err != nil {
			return errIO(err, "update index while removing from %s", c.name)
		}
	}
	return nil
}

// EnsureIndex declares an index on field (a dotted path), backfilling it
// from every document already in the collection if it does not already
// exist. Calling it again with the same field and kind is a no-op.
func (c *Collection) EnsureIndex(field string, kind index.Kind, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[field]; ok {
		return nil
	}
	idx, err := index.Open(indexPath(c.db, c.name, field), strings.Split(field, "."), kind, unique)
	if err != nil {
		return errIO(err, "create index %s on %s", field, c.name)
	}
	var backfillErr error
	err = c.store.Iterate(func(_, raw []byte) bool {
		d, uerr := bson.Unmarshal(raw)
		if uerr != nil {
			backfillErr = uerr
			return false
		}
		idV, ok := d.Get("_id")
		if !ok {
			return true
		}
		id, ok := idV.AsOID()
		if !ok {
			return true
		}
		if aerr := idx.Apply(id[:], nil, d); aerr != nil {
			backfillErr = aerr
			return false
		}
		return true
	})
	if err != nil {
		idx.Close()
		return errIO(err, "backfill index %s on %s", field, c.name)
	}
	if backfillErr != nil {
		idx.Close()
		return errIO(backfillErr, "backfill index %s on %s", field, c.name)
	}
	c.indexes[field] = idx
	c.meta = append(c.meta, indexMeta{Field: field, Kind: kind, Unique: unique})
	if err := saveIndexMeta(metaPath(c.db, c.name), c.meta); err != nil {
		return errIO(err, "persist index metadata for %s", c.name)
	}
	return nil
}

// DropIndex removes a previously declared index and its backing file.
func (c *Collection) DropIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[field]
	if !ok {
		return errNotFound("index %s not declared on %s", field, c.name)
	}
	if err := idx.Close(); err != nil {
		return errIO(err, "close index %s on %s", field, c.name)
	}
	delete(c.indexes, field)
	kept := c.meta[:0]
	for _, m := range c.meta {
		if m.Field != field {
			kept = append(kept, m)
		}
	}
	c.meta = kept
	if err := saveIndexMeta(metaPath(c.db, c.name), c.meta); err != nil {
		return errIO(err, "persist index metadata for %s", c.name)
	}
	if err := os.Remove(indexPath(c.db, c.name, field)); err != nil && !os.IsNotExist(err) {
		return errIO(err, "remove index file for %s on %s", field, c.name)
	}
	return nil
}

// RenameTo renames this collection's files on disk to newName. The owning
// Database closes this handle and drops it from its open collections, so
// the renamed collection is reached again through Database.Collection.
func (c *Collection) RenameTo(newName string) error {
	return c.db.RenameCollection(c.name, newName)
}

// CreateQuery compiles a query document into a reusable Query.
func (c *Collection) CreateQuery(q *bson.Document) (*query.Query, error) {
	qq, err := query.CreateQuery(q)
	if err != nil {
		return nil, errQuery(err, "parse query for %s", c.name)
	}
	return qq, nil
}

// Execute runs q against the collection: finds matches, applies any
// update document (or removes on $dropall), and returns the final set of
// matched (and possibly updated) documents.
func (c *Collection) Execute(q *query.Query) ([]query.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qIndexes := c.indexesByLeafPath()
	fetch := func(id []byte) (*bson.Document, error) {
		raw, err := c.store.Get(id)
		if err == store.ErrNotFound {
			return nil, query.ErrStale
		}
		if err != nil {
			return nil, err
		}
		return bson.Unmarshal(raw)
	}
	scan := func(visit func(id []byte) bool) error {
		return c.store.Iterate(func(key, _ []byte) bool { return visit(key) })
	}

	matches, err := query.Execute(q, qIndexes, int64(c.store.RecordCount()), fetch, scan)
	if err != nil {
		return nil, errQuery(err, "execute query against %s", c.name)
	}
	if q.Update == nil {
		return matches, nil
	}

	// $upsert (§4.6, §9 open question): when the outer query matches
	// nothing, create a new document from the query's equality fields
	// plus the update document's $set effects, fully stored (with every
	// index updated) or not stored at all — no partial state on error.
	if len(matches) == 0 && q.Upsert {
		seed := q.EqualityFields()
		updated, dropAll, err := query.ApplyUpdate(seed, q.Update, nil)
		if err != nil {
			return nil, errQuery(err, "apply upsert against %s", c.name)
		}
		if dropAll {
			return nil, nil
		}
		if _, err := c.saveRaw(updated); err != nil {
			return nil, err
		}
		return []query.Match{{Doc: updated}}, nil
	}

	out := make([]query.Match, 0, len(matches))
	for _, m := range matches {
		updated, dropAll, err := query.ApplyUpdate(m.Doc, q.Update, m.Positions)
		if err != nil {
			return nil, errQuery(err, "apply update against %s", c.name)
		}
		idV, _ := m.Doc.Get("_id")
		id, _ := idV.AsOID()
		if dropAll {
			if err := c.removeLocked(id); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := c.saveRaw(updated); err != nil {
			return nil, err
		}
		out = append(out, query.Match{ID: m.ID, Doc: updated, Positions: m.Positions})
	}
	return out, nil
}

// Project applies q's $fields projection (if any) to every matched
// document, resolving the positional "$" operator against each match's
// recorded $elemMatch index. Callers that need the raw, unprojected
// documents should inspect matches from Execute directly.
func (c *Collection) Project(q *query.Query, matches []query.Match) ([]*bson.Document, error) {
	if q.Fields == nil {
		out := make([]*bson.Document, len(matches))
		for i, m := range matches {
			out[i] = m.Doc
		}
		return out, nil
	}
	mode, specs, err := bson.ParseFieldSpec(q.Fields)
	if err != nil {
		return nil, errQuery(err, "parse $fields for %s", c.name)
	}
	out := make([]*bson.Document, len(matches))
	for i, m := range matches {
		resolved := make([]bson.StripSpec, len(specs))
		for j, spec := range specs {
			path, ok := query.ResolvePositional(spec.Path, m.Positions)
			if !ok {
				return nil, errQuery(nil, "positional operator $ could not be resolved in $fields for %s", c.name)
			}
			resolved[j] = bson.StripSpec{Path: path, RenameTo: spec.RenameTo}
		}
		stripped, _ := bson.Strip(m.Doc, mode, resolved)
		if mode == bson.StripInclude {
			if idV, ok := m.Doc.Get("_id"); ok {
				stripped.Set("_id", idV)
			}
		}
		out[i] = stripped
	}
	return out, nil
}

// indexesByLeafPath maps a dotted field path to its Index, matching the
// key shape query.Execute's planner expects.
func (c *Collection) indexesByLeafPath() map[string]*index.Index {
	if len(c.indexes) == 0 {
		return nil
	}
	m := make(map[string]*index.Index, len(c.indexes))
	for field, idx := range c.indexes {
		m[field] = idx
	}
	return m
}

// Distinct runs q against the collection and returns the distinct values
// present at path across the matched documents, implementing §4.6.5:
// "runs the query... then emits each value once by comparing consecutive
// output tuples" (here via a full dedup rather than requiring the caller
// to pre-sort, since Execute does not guarantee orderby-sorted output
// unless q.OrderBy already names path).
func (c *Collection) Distinct(path string, q *query.Query) ([]bson.Value, error) {
	matches, err := c.Execute(q)
	if err != nil {
		return nil, err
	}
	docs := make([]*bson.Document, len(matches))
	for i, m := range matches {
		docs[i] = m.Doc
	}
	return query.Distinct(docs, path), nil
}

// IndexNames lists every declared index's field path, sorted.
func (c *Collection) IndexNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.indexes))
	for field := range c.indexes {
		names = append(names, field)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of documents currently stored.
func (c *Collection) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.RecordCount()
}

func (c *Collection) closeLocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for field, idx := range c.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = errIO(err, "close index %s on %s", field, c.name)
		}
	}
	if err := c.store.Close(); err != nil && first == nil {
		first = errIO(err, "close store for %s", c.name)
	}
	return first
}
