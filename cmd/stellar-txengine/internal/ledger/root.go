package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
)

type TransactionMode int

const (
	ReadOnlyWithoutSQLTxn TransactionMode = iota
	ReadWriteWithSQLTxn
)

var ErrReadOnlyChild = errors.New("cannot commit a child opened without an SQL transaction")

// Root is the never-closing bottom of a txn stack. Ledger entries live in
// memory; when a store is configured, the SQL write transaction is owned by
// the root and tied to its open child: opening a child in ReadWriteWithSQLTxn
// mode begins it, committing that child flushes the child's changes and
// commits it, rolling the child back rolls it back.
//
// Root is not safe for concurrent use.
type Root struct {
	header    xdr.LedgerHeader
	entries   map[string]*xdr.LedgerEntry
	store     db.ReadWriter
	sqlTx     db.WriteTx
	childOpen bool
}

// NewRoot creates a root. store may be nil, in which case committed state is
// only kept in memory.
func NewRoot(header xdr.LedgerHeader, store db.ReadWriter) *Root {
	return &Root{
		header:  header,
		entries: make(map[string]*xdr.LedgerEntry),
		store:   store,
	}
}

// Seed installs an entry directly, bypassing any txn. Used when loading state
// at startup.
func (r *Root) Seed(entry xdr.LedgerEntry) error {
	if entry.Data.Type != xdr.LedgerEntryTypeAccount || entry.Data.Account == nil {
		return fmt.Errorf("unsupported ledger entry type %s", entry.Data.Type)
	}
	r.entries[EncodeKey(AccountKey(entry.Data.Account.AccountId))] = &entry
	return nil
}

func (r *Root) Header() xdr.LedgerHeader {
	return r.header
}

// LoadAccount reads committed state.
func (r *Root) LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool) {
	entry, ok := r.entries[EncodeKey(AccountKey(id))]
	if !ok {
		return xdr.AccountEntry{}, false
	}
	return copyAccount(*entry.Data.Account), true
}

// NewChild opens a child without an SQL transaction.
func (r *Root) NewChild() (Txn, error) {
	return r.NewChildWithMode(context.Background(), ReadOnlyWithoutSQLTxn)
}

func (r *Root) NewChildWithMode(ctx context.Context, mode TransactionMode) (Txn, error) {
	if r.childOpen {
		return nil, ErrChildOpen
	}
	if r.store != nil && mode == ReadWriteWithSQLTxn {
		tx, err := r.store.NewTx(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not open SQL transaction: %w", err)
		}
		r.sqlTx = tx
	}
	r.childOpen = true
	return newTxn(r), nil
}

// SQLTx returns the SQL transaction of the open child, or nil. Callers may
// write additional rows through it; they become durable when the child
// commits.
func (r *Root) SQLTx() db.WriteTx {
	return r.sqlTx
}

func (r *Root) currentHeader() xdr.LedgerHeader {
	return r.header
}

func (r *Root) loadEntry(key string) (*xdr.LedgerEntry, error) {
	entry, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *entry
	if cp.Data.Account != nil {
		account := copyAccount(*cp.Data.Account)
		cp.Data.Account = &account
	}
	return &cp, nil
}

func (r *Root) commitChild(records []*entryRecord, header xdr.LedgerHeader) error {
	r.childOpen = false
	if r.store != nil {
		if r.sqlTx == nil {
			return ErrReadOnlyChild
		}
		tx := r.sqlTx
		r.sqlTx = nil
		if err := flush(tx, records, header); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(uint32(header.LedgerSeq)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("could not commit SQL transaction: %w", err)
		}
	}

	for _, rec := range records {
		if rec.current == nil {
			delete(r.entries, rec.key)
		} else {
			r.entries[rec.key] = rec.current
		}
	}
	r.header = header
	return nil
}

func flush(tx db.WriteTx, records []*entryRecord, header xdr.LedgerHeader) error {
	writer := tx.AccountWriter()
	for _, rec := range records {
		var err error
		if rec.current == nil {
			err = writer.DeleteAccount(rec.ledgerKey.Account.AccountId)
		} else {
			err = writer.UpsertAccount(*rec.current)
		}
		if err != nil {
			return fmt.Errorf("could not write account: %w", err)
		}
	}
	if err := tx.LedgerHeaderWriter().UpsertLedgerHeader(header); err != nil {
		return fmt.Errorf("could not write ledger header: %w", err)
	}
	return nil
}

func (r *Root) rollbackChild() {
	r.childOpen = false
	if r.sqlTx != nil {
		_ = r.sqlTx.Rollback()
		r.sqlTx = nil
	}
}
