package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/stellar/go/xdr"
)

const accountTableName = "accounts"

type StreamAccountFn func(xdr.LedgerEntry) error

type AccountReader interface {
	GetAccount(ctx context.Context, id xdr.AccountId) (xdr.LedgerEntry, bool, error)
	StreamAllAccounts(ctx context.Context, f StreamAccountFn) error
}

type AccountWriter interface {
	UpsertAccount(entry xdr.LedgerEntry) error
	DeleteAccount(id xdr.AccountId) error
}

type accountReader struct {
	db *DB
}

func NewAccountReader(db *DB) AccountReader {
	return accountReader{db: db}
}

func (r accountReader) GetAccount(ctx context.Context, id xdr.AccountId) (xdr.LedgerEntry, bool, error) {
	sql := sq.Select("entry").From(accountTableName).Where(sq.Eq{"account_id": id.Address()})
	var results [][]byte
	if err := r.db.Select(ctx, &results, sql); err != nil {
		return xdr.LedgerEntry{}, false, err
	}
	switch len(results) {
	case 0:
		return xdr.LedgerEntry{}, false, nil
	case 1:
		entry, err := decodeAccountEntry(results[0])
		return entry, err == nil, err
	default:
		return xdr.LedgerEntry{}, false, fmt.Errorf("multiple entries (%d) for account %s in table %q",
			len(results), id.Address(), accountTableName)
	}
}

// StreamAllAccounts runs f over all the accounts in the database (until f errors or signals it's done).
func (r accountReader) StreamAllAccounts(ctx context.Context, f StreamAccountFn) error {
	sql := sq.Select("entry").From(accountTableName).OrderBy("account_id asc")
	q, err := r.db.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer q.Close()
	for q.Next() {
		var raw []byte
		if err = q.Scan(&raw); err != nil {
			return err
		}
		entry, err := decodeAccountEntry(raw)
		if err != nil {
			return err
		}
		if err = f(entry); err != nil {
			return err
		}
	}
	return q.Err()
}

func decodeAccountEntry(raw []byte) (xdr.LedgerEntry, error) {
	var entry xdr.LedgerEntry
	if err := xdr.SafeUnmarshal(raw, &entry); err != nil {
		return xdr.LedgerEntry{}, fmt.Errorf("could not decode account entry: %w", err)
	}
	if entry.Data.Type != xdr.LedgerEntryTypeAccount {
		return xdr.LedgerEntry{}, fmt.Errorf("unexpected ledger entry type %s in table %q", entry.Data.Type, accountTableName)
	}
	return entry, nil
}

type accountWriter struct {
	stmtCache *sq.StmtCache
}

func (w accountWriter) UpsertAccount(entry xdr.LedgerEntry) error {
	if entry.Data.Type != xdr.LedgerEntryTypeAccount || entry.Data.Account == nil {
		return fmt.Errorf("cannot store ledger entry of type %s as an account", entry.Data.Type)
	}
	raw, err := entry.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not encode account entry: %w", err)
	}
	_, err = sq.StatementBuilder.RunWith(w.stmtCache).
		Replace(accountTableName).
		Values(entry.Data.Account.AccountId.Address(), uint32(entry.LastModifiedLedgerSeq), raw).
		Exec()
	return err
}

func (w accountWriter) DeleteAccount(id xdr.AccountId) error {
	_, err := sq.StatementBuilder.RunWith(w.stmtCache).
		Delete(accountTableName).
		Where(sq.Eq{"account_id": id.Address()}).
		Exec()
	return err
}
