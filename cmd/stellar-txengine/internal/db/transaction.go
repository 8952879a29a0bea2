package db

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/support/db"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerbucketwindow"
)

const transactionTableName = "transactions"

var ErrNoTransaction = errors.New("no transaction with this hash exists")

type Transaction struct {
	Result           []byte // XDR encoded xdr.TransactionResult
	Meta             []byte // XDR encoded xdr.TransactionMeta
	Envelope         []byte // XDR encoded xdr.TransactionEnvelope
	FeeBump          bool
	ApplicationOrder int32
	Successful       bool
	Ledger           ledgerbucketwindow.LedgerInfo
}

// TransactionRecord is an applied transaction as produced by ledger close.
// InnerHash is set for fee-bump transactions.
type TransactionRecord struct {
	Hash             xdr.Hash
	InnerHash        *xdr.Hash
	ApplicationOrder int32
	Envelope         xdr.TransactionEnvelope
	Result           xdr.TransactionResult
	Meta             xdr.TransactionMeta
}

// TransactionWriter is used during ledger close to store applied transactions.
type TransactionWriter interface {
	InsertTransactions(ledgerSeq uint32, txs []TransactionRecord) error
	RegisterMetrics(write, count prometheus.Observer)
}

// TransactionReader provides all the public ways to read from the DB.
type TransactionReader interface {
	GetTransaction(ctx context.Context, hash xdr.Hash) (Transaction, ledgerbucketwindow.LedgerRange, error)
}

type transactionHandler struct {
	log       *log.Entry
	db        db.SessionInterface
	headers   LedgerHeaderReader
	stmtCache *sq.StmtCache

	writeMetric, countMetric prometheus.Observer
}

func NewTransactionReader(log *log.Entry, db *DB) TransactionReader {
	return &transactionHandler{log: log, db: db, headers: NewLedgerHeaderReader(db)}
}

func (txn *transactionHandler) InsertTransactions(ledgerSeq uint32, txs []TransactionRecord) error {
	start := time.Now()
	L := txn.log.
		WithField("ledger_seq", ledgerSeq).
		WithField("tx_count", len(txs))

	defer func() {
		if txn.writeMetric != nil {
			txn.writeMetric.Observe(time.Since(start).Seconds())
			txn.countMetric.Observe(float64(len(txs)))
		}
	}()

	if txn.stmtCache == nil {
		return errors.New("TransactionWriter incorrectly initialized without stmtCache")
	} else if len(txs) == 0 {
		return nil
	}

	// a hash can come back after its row fell out of the retention window, or
	// as a standalone inner transaction after its fee bump failed
	query := sq.Insert(transactionTableName).
		Options("OR REPLACE").
		Columns("hash", "ledger_sequence", "application_order", "fee_bump", "envelope", "result", "meta")
	rows := 0
	for _, tx := range txs {
		envelope, err := tx.Envelope.MarshalBinary()
		if err != nil {
			return fmt.Errorf("couldn't encode transaction envelope: %w", err)
		}
		result, err := tx.Result.MarshalBinary()
		if err != nil {
			return fmt.Errorf("couldn't encode transaction result: %w", err)
		}
		meta, err := tx.Meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("couldn't encode transaction meta: %w", err)
		}

		// For fee-bump transactions, we store lookup entries for both the outer
		// and inner hashes.
		feeBump := tx.InnerHash != nil
		hashes := []xdr.Hash{tx.Hash}
		if feeBump {
			hashes = append(hashes, *tx.InnerHash)
		}
		for _, hash := range hashes {
			query = query.Values(hash[:], ledgerSeq, tx.ApplicationOrder, feeBump, envelope, result, meta)
			rows++
		}
	}
	_, err := query.RunWith(txn.stmtCache).Exec()

	L.WithField("duration", time.Since(start)).
		Infof("Stored %d transaction lookups", rows)

	return err
}

func (txn *transactionHandler) RegisterMetrics(write, count prometheus.Observer) {
	txn.writeMetric = write
	txn.countMetric = count
}

// trimTransactions removes all transactions which fall outside the ledger retention window.
func (txn *transactionHandler) trimTransactions(latestLedgerSeq uint32, retentionWindow uint32) error {
	if retentionWindow == 0 || latestLedgerSeq+1 <= retentionWindow {
		return nil
	}

	cutoff := latestLedgerSeq + 1 - retentionWindow
	_, err := sq.StatementBuilder.
		RunWith(txn.stmtCache).
		Delete(transactionTableName).
		Where(sq.Lt{"ledger_sequence": cutoff}).
		Exec()
	return err
}

// GetTransaction looks a transaction up by its outer or, for fee bumps, its
// inner hash. If the transaction is not found, ErrNoTransaction is returned.
func (txn *transactionHandler) GetTransaction(ctx context.Context, hash xdr.Hash) (
	Transaction, ledgerbucketwindow.LedgerRange, error,
) {
	start := time.Now()
	tx := Transaction{}

	ledgerRange, err := txn.headers.GetLedgerRange(ctx)
	if err != nil {
		return tx, ledgerRange, err
	}

	var rows []struct {
		LedgerSequence   uint32 `db:"ledger_sequence"`
		ApplicationOrder int32  `db:"application_order"`
		FeeBump          bool   `db:"fee_bump"`
		Envelope         []byte `db:"envelope"`
		Result           []byte `db:"result"`
		Meta             []byte `db:"meta"`
		CloseTime        *int64 `db:"close_time"`
	}
	rowQ := sq.
		Select("t.ledger_sequence", "t.application_order", "t.fee_bump", "t.envelope", "t.result", "t.meta", "h.close_time").
		From(transactionTableName + " t").
		LeftJoin(ledgerHeaderTableName + " h ON (t.ledger_sequence = h.sequence)").
		Where(sq.Eq{"t.hash": hash[:]}).
		Limit(1)
	if err := txn.db.Select(ctx, &rows, rowQ); err != nil {
		return tx, ledgerRange, fmt.Errorf("db read failed for txhash %s: %w", hex.EncodeToString(hash[:]), err)
	} else if len(rows) < 1 {
		return tx, ledgerRange, ErrNoTransaction
	}

	row := rows[0]
	var result xdr.TransactionResult
	if err := xdr.SafeUnmarshal(row.Result, &result); err != nil {
		return tx, ledgerRange, fmt.Errorf("couldn't decode transaction result: %w", err)
	}
	tx = Transaction{
		Result:           row.Result,
		Meta:             row.Meta,
		Envelope:         row.Envelope,
		FeeBump:          row.FeeBump,
		ApplicationOrder: row.ApplicationOrder,
		Successful:       result.Successful(),
		Ledger:           ledgerbucketwindow.LedgerInfo{Sequence: row.LedgerSequence},
	}
	if row.CloseTime != nil {
		tx.Ledger.CloseTime = *row.CloseTime
	}

	txn.log.
		WithField("txhash", hex.EncodeToString(hash[:])).
		WithField("duration", time.Since(start)).
		Debugf("Fetched transaction from ledger %d", row.LedgerSequence)

	return tx, ledgerRange, nil
}
