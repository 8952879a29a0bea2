package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerbucketwindow"
)

const ledgerHeaderTableName = "ledger_headers"

type LedgerHeaderReader interface {
	GetLedgerHeader(ctx context.Context, sequence uint32) (xdr.LedgerHeader, bool, error)
	GetLatestLedgerHeader(ctx context.Context) (xdr.LedgerHeader, error)
	GetLedgerRange(ctx context.Context) (ledgerbucketwindow.LedgerRange, error)
}

type LedgerHeaderWriter interface {
	UpsertLedgerHeader(header xdr.LedgerHeader) error
}

type ledgerHeaderReader struct {
	db *DB
}

func NewLedgerHeaderReader(db *DB) LedgerHeaderReader {
	return ledgerHeaderReader{db: db}
}

// GetLedgerHeader fetches a single ledger header from the db.
func (r ledgerHeaderReader) GetLedgerHeader(ctx context.Context, sequence uint32) (xdr.LedgerHeader, bool, error) {
	sql := sq.Select("header").From(ledgerHeaderTableName).Where(sq.Eq{"sequence": sequence})
	var results [][]byte
	if err := r.db.Select(ctx, &results, sql); err != nil {
		return xdr.LedgerHeader{}, false, err
	}
	switch len(results) {
	case 0:
		return xdr.LedgerHeader{}, false, nil
	case 1:
		header, err := decodeLedgerHeader(results[0])
		return header, err == nil, err
	default:
		return xdr.LedgerHeader{}, false, fmt.Errorf("multiple headers (%d) for sequence %d in table %q",
			len(results), sequence, ledgerHeaderTableName)
	}
}

func (r ledgerHeaderReader) GetLatestLedgerHeader(ctx context.Context) (xdr.LedgerHeader, error) {
	sql := sq.Select("header").From(ledgerHeaderTableName).OrderBy("sequence desc").Limit(1)
	var results [][]byte
	if err := r.db.Select(ctx, &results, sql); err != nil {
		return xdr.LedgerHeader{}, err
	}
	if len(results) == 0 {
		return xdr.LedgerHeader{}, ErrLedgerHeaderNotFound
	}
	return decodeLedgerHeader(results[0])
}

// GetLedgerRange pulls the min/max ledger sequence numbers from the header table.
func (r ledgerHeaderReader) GetLedgerRange(ctx context.Context) (ledgerbucketwindow.LedgerRange, error) {
	var ledgerRange ledgerbucketwindow.LedgerRange

	var rows []struct {
		Sequence  uint32 `db:"sequence"`
		CloseTime int64  `db:"close_time"`
	}
	query := sq.Select("sequence", "close_time").
		From(ledgerHeaderTableName).
		Where(sq.Or{
			sq.Expr("sequence = (?)", sq.Select("MIN(sequence)").From(ledgerHeaderTableName)),
			sq.Expr("sequence = (?)", sq.Select("MAX(sequence)").From(ledgerHeaderTableName)),
		}).
		OrderBy("sequence asc")
	if err := r.db.Select(ctx, &rows, query); err != nil {
		return ledgerRange, fmt.Errorf("couldn't query ledger range: %w", err)
	}
	// no ledgers in the database isn't an error, it's just an empty range
	if len(rows) == 0 {
		return ledgerRange, nil
	}

	first, last := rows[0], rows[len(rows)-1]
	ledgerRange.FirstLedger = ledgerbucketwindow.LedgerInfo{Sequence: first.Sequence, CloseTime: first.CloseTime}
	ledgerRange.LastLedger = ledgerbucketwindow.LedgerInfo{Sequence: last.Sequence, CloseTime: last.CloseTime}
	return ledgerRange, nil
}

func decodeLedgerHeader(raw []byte) (xdr.LedgerHeader, error) {
	var header xdr.LedgerHeader
	if err := xdr.SafeUnmarshal(raw, &header); err != nil {
		return xdr.LedgerHeader{}, fmt.Errorf("could not decode ledger header: %w", err)
	}
	return header, nil
}

type ledgerHeaderWriter struct {
	stmtCache *sq.StmtCache
}

// UpsertLedgerHeader stores a header, replacing any header with the same sequence.
func (w ledgerHeaderWriter) UpsertLedgerHeader(header xdr.LedgerHeader) error {
	raw, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not encode ledger header: %w", err)
	}
	_, err = sq.StatementBuilder.RunWith(w.stmtCache).
		Replace(ledgerHeaderTableName).
		Values(uint32(header.LedgerSeq), int64(header.ScpValue.CloseTime), raw).
		Exec()
	return err
}

// trimLedgerHeaders removes all headers which fall outside the retention window.
func (w ledgerHeaderWriter) trimLedgerHeaders(latestLedgerSeq uint32, retentionWindow uint32) error {
	if retentionWindow == 0 || latestLedgerSeq+1 <= retentionWindow {
		return nil
	}
	cutoff := latestLedgerSeq + 1 - retentionWindow
	_, err := sq.StatementBuilder.
		RunWith(w.stmtCache).
		Delete(ledgerHeaderTableName).
		Where(sq.Lt{"sequence": cutoff}).
		Exec()
	return err
}
