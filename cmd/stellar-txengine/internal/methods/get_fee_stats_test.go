package methods

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

func TestGetFeeStats(t *testing.T) {
	engine := newTestEngine(t)
	send := NewSendTransactionHandler(log.DefaultLogger, engine.manager)
	handler := NewGetFeeStatsHandler(engine.manager.FeeWindows(), db.NewLedgerHeaderReader(engine.database), log.DefaultLogger)

	// a plain transaction bidding 300 and a fee bump bidding 1000 for two operations
	plain := txtest.NewV1(engine.master, 1, 300, txtest.BumpSequence(0)).Sign(engine.master).MustBuild()
	inner := txtest.NewV1(engine.master, 2, 100, txtest.BumpSequence(0)).Sign(engine.master).MustBuild()
	bump := txtest.NewFeeBump(engine.master, 1000, inner).Sign(engine.master).MustBuild()
	for _, env := range []xdr.TransactionEnvelope{plain, bump} {
		require.Equal(t, "PENDING", sendTransaction(t, send, env).Status)
	}
	engine.closeLedger(t)

	resultI, err := call(t, handler, nil)
	require.NoError(t, err)
	result := resultI.(GetFeeStatsResult)
	assert.Equal(t, uint32(2), result.LatestLedger)

	assert.Equal(t, uint32(2), result.InclusionFee.TransactionCount)
	assert.Equal(t, uint32(1), result.InclusionFee.LedgerCount)
	assert.Equal(t, uint64(300), result.InclusionFee.Min)
	assert.Equal(t, uint64(500), result.InclusionFee.Max)

	assert.Equal(t, uint32(2), result.ChargedFee.TransactionCount)
	assert.Equal(t, uint64(100), result.ChargedFee.Min)
	assert.Equal(t, uint64(200), result.ChargedFee.Max)
}
