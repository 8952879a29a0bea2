package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"
)

const (
	GenesisLedgerSequence = 1
	// TotalCoins is the native balance created at genesis, in stroops.
	TotalCoins = 1_000_000_000_000_000_000
)

type GenesisParams struct {
	NetworkPassphrase string
	ProtocolVersion   uint32
	BaseFee           uint32
	BaseReserve       uint32
	MaxTxSetSize      uint32
	CloseTime         uint64
}

// GenesisLedger builds the first ledger header and the root account holding
// all coins. The root account key is derived from the network passphrase.
func GenesisLedger(params GenesisParams) (xdr.LedgerHeader, xdr.LedgerEntry) {
	header := xdr.LedgerHeader{
		LedgerVersion: xdr.Uint32(params.ProtocolVersion),
		LedgerSeq:     GenesisLedgerSequence,
		ScpValue:      xdr.StellarValue{CloseTime: xdr.TimePoint(params.CloseTime)},
		TotalCoins:    TotalCoins,
		BaseFee:       xdr.Uint32(params.BaseFee),
		BaseReserve:   xdr.Uint32(params.BaseReserve),
		MaxTxSetSize:  xdr.Uint32(params.MaxTxSetSize),
	}
	root := keypair.Master(params.NetworkPassphrase)
	account := xdr.AccountEntry{
		AccountId:  xdr.MustAddress(root.Address()),
		Balance:    TotalCoins,
		Thresholds: xdr.Thresholds{1, 0, 0, 0},
	}
	entry := xdr.LedgerEntry{
		LastModifiedLedgerSeq: GenesisLedgerSequence,
		Data: xdr.LedgerEntryData{
			Type:    xdr.LedgerEntryTypeAccount,
			Account: &account,
		},
	}
	return header, entry
}

// Bootstrap creates the genesis ledger on an empty database and returns the
// latest ledger header. It is a no-op on an initialized database.
func Bootstrap(ctx context.Context, database *DB, rw ReadWriter, params GenesisParams) (xdr.LedgerHeader, error) {
	if err := CheckNetwork(ctx, database, params.NetworkPassphrase); err != nil {
		return xdr.LedgerHeader{}, err
	}

	completed, err := getMetaBool(ctx, database, genesisCompletedMetaKey)
	if err != nil && !errors.Is(err, ErrEmptyDB) {
		return xdr.LedgerHeader{}, err
	}
	if completed {
		return NewLedgerHeaderReader(database).GetLatestLedgerHeader(ctx)
	}

	header, root := GenesisLedger(params)
	tx, err := rw.NewTx(ctx)
	if err != nil {
		return xdr.LedgerHeader{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := tx.AccountWriter().UpsertAccount(root); err != nil {
		return xdr.LedgerHeader{}, fmt.Errorf("could not create root account: %w", err)
	}
	if err := tx.LedgerHeaderWriter().UpsertLedgerHeader(header); err != nil {
		return xdr.LedgerHeader{}, fmt.Errorf("could not create genesis header: %w", err)
	}
	if err := tx.Commit(GenesisLedgerSequence); err != nil {
		return xdr.LedgerHeader{}, err
	}
	// replaying the writes above is idempotent, so the flag can trail the commit
	if err := setMetaBool(ctx, database, genesisCompletedMetaKey, true); err != nil {
		return xdr.LedgerHeader{}, err
	}
	return header, nil
}
