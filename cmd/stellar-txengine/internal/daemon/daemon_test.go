package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/keypair"
	supportlog "github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/config"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/methods"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

func noEnv(string) (string, bool) {
	return "", false
}

func startDaemon(t *testing.T) (*Daemon, *jrpc2.Client) {
	var cfg config.Config
	require.NoError(t, cfg.SetValues(noEnv))
	cfg.Endpoint = "localhost:0"
	cfg.AdminEndpoint = "localhost:0"
	cfg.NetworkPassphrase = txtest.Passphrase
	cfg.SQLiteDBPath = path.Join(t.TempDir(), "txengine.sqlite")
	cfg.LedgerCloseInterval = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())

	d := MustNew(&cfg, supportlog.New())
	go d.Run()
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})

	addr, _ := d.GetEndpointAddrs()
	ch := jhttp.NewChannel(fmt.Sprintf("http://%s", addr.String()), nil)
	client := jrpc2.NewClient(ch, nil)
	t.Cleanup(func() {
		client.Close()
	})
	return d, client
}

func TestDaemonServesTransactions(t *testing.T) {
	_, client := startDaemon(t)
	ctx := context.Background()

	var network methods.GetNetworkResponse
	require.NoError(t, client.CallResult(ctx, "getNetwork", nil, &network))
	assert.Equal(t, txtest.Passphrase, network.Passphrase)
	assert.Equal(t, 20, network.ProtocolVersion)

	master := keypair.Master(txtest.Passphrase).(*keypair.Full)
	dest := keypair.MustRandom()
	env := txtest.NewV1(master, 1, 100, txtest.CreateAccount(dest, 100_0000000)).
		Sign(master).
		MustBuild()
	b64, err := xdr.MarshalBase64(env)
	require.NoError(t, err)

	var sent methods.SendTransactionResponse
	require.NoError(t, client.CallResult(ctx, "sendTransaction", methods.SendTransactionRequest{Transaction: b64}, &sent))
	require.Equal(t, "PENDING", sent.Status)

	require.Eventually(t, func() bool {
		var tx methods.GetTransactionResponse
		err := client.CallResult(ctx, "getTransaction", methods.GetTransactionRequest{Hash: sent.Hash}, &tx)
		return err == nil && tx.Status == methods.TransactionStatusSuccess
	}, 10*time.Second, 50*time.Millisecond)

	var account methods.GetAccountResponse
	require.NoError(t, client.CallResult(ctx, "getAccount", methods.GetAccountRequest{AccountID: dest.Address()}, &account))
	assert.Equal(t, int64(100_0000000), account.Balance)

	var health methods.HealthCheckResult
	require.NoError(t, client.CallResult(ctx, "getHealth", nil, &health))
	assert.Equal(t, "healthy", health.Status)
}

func TestDaemonServesMetrics(t *testing.T) {
	d, client := startDaemon(t)

	var ledger methods.GetLatestLedgerResponse
	require.NoError(t, client.CallResult(context.Background(), "getLatestLedger", nil, &ledger))

	_, adminAddr := d.GetEndpointAddrs()
	require.NotNil(t, adminAddr)
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", adminAddr.String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stellar_txengine_network_requests_total{method="getLatestLedger"}`)
	assert.Contains(t, string(body), "stellar_txengine_build_info")
}
