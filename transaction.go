package ejdb

import (
	"github.com/softmotions/ejdb/bson"
)

// txOpKind identifies a logged compensating action.
type txOpKind int

const (
	txSave txOpKind = iota
	txRemove
)

// txOp records enough about one mutation to undo it: the document's prior
// state (nil if it did not exist) so Abort can restore it, or remove it
// again if the operation had created it fresh.
type txOp struct {
	kind    txOpKind
	id      bson.OID
	hadPrev bool
	prevDoc *bson.Document
}

// Transaction batches a sequence of Save/Remove calls against a single
// collection. Each call is already durably applied through the
// collection's own store (which WAL-commits per call), so Commit is a
// no-op; Abort instead replays the operation log in reverse, restoring
// every document's prior state. This gives "all succeed or the visible
// effect is rolled back" rather than true cross-call atomicity — a
// concurrent reader can observe partial progress mid-transaction.
type Transaction struct {
	coll *Collection
	log  []txOp
	done bool
}

// BeginTransaction starts a new Transaction against the collection.
func (c *Collection) BeginTransaction() *Transaction {
	return &Transaction{coll: c}
}

// Save performs Collection.Save and logs enough to undo it on Abort.
func (tx *Transaction) Save(doc *bson.Document) (bson.OID, error) {
	if tx.done {
		return bson.OID{}, errInvalid("transaction already finished")
	}
	var prev *bson.Document
	hadPrev := false
	if v, ok := doc.Get("_id"); ok {
		if id, ok := v.AsOID(); ok {
			if existing, err := tx.coll.Load(id); err == nil {
				prev, hadPrev = existing, true
			}
		}
	}
	id, err := tx.coll.Save(doc)
	if err != nil {
		return id, err
	}
	tx.log = append(tx.log, txOp{kind: txSave, id: id, hadPrev: hadPrev, prevDoc: prev})
	return id, nil
}

// Remove performs Collection.Remove and logs enough to undo it on Abort.
func (tx *Transaction) Remove(id bson.OID) error {
	if tx.done {
		return errInvalid("transaction already finished")
	}
	prev, err := tx.coll.Load(id)
	if err != nil {
		return err
	}
	if err := tx.coll.Remove(id); err != nil {
		return err
	}
	tx.log = append(tx.log, txOp{kind: txRemove, id: id, hadPrev: true, prevDoc: prev})
	return nil
}

// Commit finalizes the transaction. Every logged operation is already
// durable, so this only marks the transaction as no longer abortable.
func (tx *Transaction) Commit() error {
	tx.done = true
	tx.log = nil
	return nil
}

// Abort replays the transaction's operation log in reverse, restoring
// every touched document to its pre-transaction state.
func (tx *Transaction) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	for i := len(tx.log) - 1; i >= 0; i-- {
		op := tx.log[i]
		switch op.kind {
		case txSave:
			if op.hadPrev {
				if _, err := tx.coll.Save(op.prevDoc); err != nil {
					return err
				}
			} else if err := tx.coll.Remove(op.id); err != nil && !isNotFound(err) {
				return err
			}
		case txRemove:
			if op.hadPrev {
				if _, err := tx.coll.Save(op.prevDoc); err != nil {
					return err
				}
			}
		}
	}
	tx.log = nil
	return nil
}

func isNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == ErrKindNotFound
}
