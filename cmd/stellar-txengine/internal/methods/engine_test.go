package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/feewindow"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerclose"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

const closeInterval = 5 * time.Second

var genesisTime = time.Unix(1_700_000_000, 0)

type testEngine struct {
	manager  *ledgerclose.Manager
	clock    clockwork.FakeClock
	database *db.DB
	master   *keypair.Full
}

func newTestEngine(t *testing.T) *testEngine {
	database, err := db.OpenSQLiteDB(path.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})
	logger := log.DefaultLogger
	rw := db.NewReadWriter(logger, database, interfaces.MakeNoOpDeamon(), 0)
	root, err := ledgerclose.LoadRoot(context.Background(), logger, database, rw, db.GenesisParams{
		NetworkPassphrase: txtest.Passphrase,
		ProtocolVersion:   txtest.ProtocolVersion,
		BaseFee:           txtest.BaseFee,
		BaseReserve:       txtest.BaseReserve,
		MaxTxSetSize:      2,
		CloseTime:         uint64(genesisTime.Unix()),
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(genesisTime)
	return &testEngine{
		manager: ledgerclose.NewManager(ledgerclose.Config{
			Logger:            logger,
			Root:              root,
			NetworkPassphrase: txtest.Passphrase,
			FeeWindows:        feewindow.NewFeeWindows(10),
			Transactions:      db.NewTransactionReader(logger, database),
			CloseInterval:     closeInterval,
			Clock:             clock,
			Daemon:            interfaces.MakeNoOpDeamon(),
		}),
		clock:    clock,
		database: database,
		master:   keypair.Master(txtest.Passphrase).(*keypair.Full),
	}
}

func (e *testEngine) closeLedger(t *testing.T) {
	e.clock.Advance(closeInterval)
	_, err := e.manager.CloseLedger(context.Background())
	require.NoError(t, err)
}

// call invokes a handler the way the JSON-RPC server would, with params
// encoded as a JSON object.
func call(t *testing.T, handler jrpc2.Handler, params any) (any, error) {
	if params == nil {
		return handler(context.Background(), &jrpc2.Request{})
	}
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body := fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "method": "test", "params": %s}`, raw)
	requests, err := jrpc2.ParseRequests([]byte(body))
	require.NoError(t, err)
	require.Len(t, requests, 1)
	return handler(context.Background(), requests[0].ToRequest())
}

func requireErrorCode(t *testing.T, err error, code jrpc2.Code) {
	require.Error(t, err)
	var rpcErr *jrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, code, rpcErr.Code)
}

func envelopeBase64(t *testing.T, env xdr.TransactionEnvelope) string {
	b64, err := xdr.MarshalBase64(env)
	require.NoError(t, err)
	return b64
}
