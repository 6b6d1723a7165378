package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/codec"
)

// TxState is the lifecycle state of a Transaction.
type TxState uint8

const (
	TxOpen TxState = iota
	TxCommitting
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type opKind uint8

const (
	opInsert opKind = iota + 1
	opUpsert
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpsert:
		return "upsert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	}
	return "op"
}

// stagedOp is one buffered mutation. row and data are nil for deletes.
type stagedOp struct {
	kind  opKind
	table *Table
	key   string
	row   codec.Row
	data  []byte
}

// Transaction buffers mutations against one Database until Commit or
// Rollback. Operations apply in the order they were staged. A Transaction
// is safe for concurrent use, though staging from several goroutines makes
// that order arbitrary.
type Transaction struct {
	db    *Database
	id    ksuid.KSUID
	mu    sync.Mutex
	state TxState
	ops   []stagedOp
}

// ID returns the transaction's KSUID.
func (tx *Transaction) ID() string { return tx.id.String() }

// State returns the current lifecycle state.
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Len returns the number of staged operations.
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

func (tx *Transaction) checkOpen() error {
	if tx.state != TxOpen {
		return fmt.Errorf("%w: tx %s is %s", ErrTransactionClosed, tx.id, tx.state)
	}
	return nil
}

// stage validates and buffers one operation. key is nil for inserts and
// upserts, whose key comes from the row.
func (tx *Transaction) stage(t *Table, kind opKind, key *codec.Value, row codec.Row) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	if t.db != tx.db {
		return fmt.Errorf("%w: %s belongs to another database", ErrUnknownTable, t.name)
	}

	op := stagedOp{kind: kind, table: t}
	if row != nil {
		data, err := t.schema.EncodeRow(row)
		if err != nil {
			return err
		}
		op.row = row.Clone()
		op.data = data
		op.key = t.schema.RowKey(row).KeyString()
	}
	if key != nil {
		ks, err := t.keyString(*key)
		if err != nil {
			return err
		}
		if row != nil && ks != op.key {
			return fmt.Errorf("%w: %s update of key %s carries key %s",
				ErrKeyMismatch, t.name, *key, t.schema.RowKey(row))
		}
		op.key = ks
	}
	if kind == opDelete || kind == opUpdate {
		exists, err := tx.exists(t, op.key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s key %s", ErrNotFound, t.name, *key)
		}
	}

	tx.ops = append(tx.ops, op)
	return nil
}

// staged reports the most recent staged operation for key, if any.
func (tx *Transaction) staged(t *Table, key string) (stagedOp, bool) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if op := tx.ops[i]; op.table == t && op.key == key {
			return op, true
		}
	}
	return stagedOp{}, false
}

// exists reports whether key is present in the transaction's view: its
// own staged writes over committed state.
func (tx *Transaction) exists(t *Table, key string) (bool, error) {
	if op, ok := tx.staged(t, key); ok {
		return op.kind != opDelete, nil
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	if t.db.closed {
		return false, ErrDatabaseClosed
	}
	return t.ix.has(key), nil
}

// Get reads key from t as this transaction sees it: staged changes first,
// then committed state.
func (tx *Transaction) Get(t *Table, key codec.Value) (codec.Row, error) {
	ks, err := t.keyString(key)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	if err := tx.checkOpen(); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	op, ok := tx.staged(t, ks)
	tx.mu.Unlock()

	if !ok {
		return t.Get(key)
	}
	if op.kind == opDelete {
		return nil, fmt.Errorf("%w: %s key %s", ErrNotFound, t.name, key)
	}
	return op.row.Clone(), nil
}

// Rollback discards every staged operation. It fails only when the
// transaction has already finished.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	n := len(tx.ops)
	tx.ops = nil
	tx.state = TxRolledBack

	tx.db.metrics.RecordRollback()
	tx.db.log.Debug("transaction rolled back", zap.String("tx", tx.id.String()), zap.Int("ops", n))
	return nil
}

// Commit validates the staged operations and writes them to the connector
// as one batch. On any failure nothing is written, the transaction ends
// rolled back and the error is a *CommitError.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.state = TxCommitting

	start := time.Now()
	res, err := tx.db.commit(tx.ops)
	elapsed := time.Since(start)
	tx.ops = nil

	if err != nil {
		tx.state = TxRolledBack
		tx.db.metrics.RecordCommit(false, res.ops, 0, elapsed)
		tx.db.log.Warn("commit failed",
			zap.String("tx", tx.id.String()),
			zap.Error(err),
		)
		return &CommitError{Tx: tx.id.String(), Cause: err}
	}

	tx.state = TxCommitted
	tx.db.metrics.RecordCommit(true, res.ops, res.bytes, elapsed)
	tx.db.log.Info("transaction committed",
		zap.String("tx", tx.id.String()),
		zap.Int("ops", res.ops),
		zap.Strings("tables", res.tables),
		zap.Int64("bytes", res.bytes),
		zap.Duration("duration", elapsed),
	)
	return nil
}
