package ingest

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Journal durably records work items from enqueue to terminal state, and
// keeps the append-only dead-letter log. Monotonic sequence numbers give
// items a stable identity across restarts.
type Journal interface {
	// Append assigns a sequence number and persists the item.
	Append(item *WorkItem) error
	// Update rewrites the journaled state of an item.
	Update(item *WorkItem) error
	// Remove deletes a completed item from the journal.
	Remove(seq uint64) error
	// Load returns all non-terminated items in sequence order. Items that
	// were in_flight at crash time are reset to pending.
	Load() ([]*WorkItem, error)
	// AppendDead appends a dead-letter record.
	AppendDead(d *DeadLetter) error
	// DeadLetters returns up to limit dead-letter records, newest first.
	DeadLetters(limit int) ([]*DeadLetter, error)
	// DeadCount returns the number of dead-letter records.
	DeadCount() (int64, error)
	Close() error
}

const (
	itemPrefix = "item/"
	deadPrefix = "dead/"
)

// BadgerJournal is the on-disk journal implementation.
type BadgerJournal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadgerJournal opens (or creates) the journal at dir.
func OpenBadgerJournal(dir string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte("journal_seq"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}
	return &BadgerJournal{db: db, seq: seq}, nil
}

func itemKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", itemPrefix, seq))
}

func deadKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", deadPrefix, seq))
}

func (j *BadgerJournal) Append(item *WorkItem) error {
	seq, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next journal sequence: %w", err)
	}
	item.Seq = seq
	return j.write(itemKey(seq), item)
}

func (j *BadgerJournal) Update(item *WorkItem) error {
	return j.write(itemKey(item.Seq), item)
}

func (j *BadgerJournal) Remove(seq uint64) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(seq))
	})
	if err != nil {
		return fmt.Errorf("remove journal item %d: %w", seq, err)
	}
	return nil
}

func (j *BadgerJournal) Load() ([]*WorkItem, error) {
	var items []*WorkItem
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(itemPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var item WorkItem
			if err := json.Unmarshal(val, &item); err != nil {
				return fmt.Errorf("decode journal item %s: %w", it.Item().Key(), err)
			}
			// at-least-once: a crash mid-processing leaves in_flight items
			if item.State == StateInFlight {
				item.State = StatePending
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	return items, nil
}

func (j *BadgerJournal) AppendDead(d *DeadLetter) error {
	seq, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next journal sequence: %w", err)
	}
	return j.write(deadKey(seq), d)
}

func (j *BadgerJournal) DeadLetters(limit int) ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse iteration starts past the last key in the prefix range
		for it.Seek([]byte(deadPrefix + "~")); it.Valid() && len(out) < limit; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var d DeadLetter
			if err := json.Unmarshal(val, &d); err != nil {
				return err
			}
			out = append(out, &d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	return out, nil
}

func (j *BadgerJournal) DeadCount() (int64, error) {
	var count int64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

func (j *BadgerJournal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return fmt.Errorf("release journal sequence: %w", err)
	}
	return j.db.Close()
}

func (j *BadgerJournal) write(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}
