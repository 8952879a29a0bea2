package ledgerclose

import (
	"context"
	"fmt"

	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
)

const accountLoadLogPeriod = 100_000

// LoadRoot bootstraps the database if needed and builds the root ledger from
// the latest stored header and every stored account.
func LoadRoot(ctx context.Context, logger *log.Entry, database *db.DB, rw db.ReadWriter, params db.GenesisParams) (*ledger.Root, error) {
	header, err := db.Bootstrap(ctx, database, rw, params)
	if err != nil {
		return nil, fmt.Errorf("could not bootstrap database: %w", err)
	}
	root := ledger.NewRoot(header, rw)

	logger.WithField("seq", header.LedgerSeq).Info("loading accounts")
	count := 0
	err = db.NewAccountReader(database).StreamAllAccounts(ctx, func(entry xdr.LedgerEntry) error {
		count++
		if count%accountLoadLogPeriod == 0 {
			logger.WithField("accounts", count).Debug("still loading accounts")
		}
		return root.Seed(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("could not load accounts: %w", err)
	}
	logger.WithFields(log.F{
		"seq":      header.LedgerSeq,
		"accounts": count,
	}).Info("finished loading accounts")
	return root, nil
}
