package methods

import (
	"context"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/network"
	"github.com/stellar/go/xdr"
)

type GetNetworkRequest struct{}

type GetNetworkResponse struct {
	Passphrase      string `json:"passphrase"`
	NetworkID       string `json:"networkId"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type NetworkInfo interface {
	LatestLedgerGetter
	NetworkPassphrase() string
}

// NewGetNetworkHandler returns a json rpc handler to for the getNetwork method
func NewGetNetworkHandler(info NetworkInfo) jrpc2.Handler {
	return NewHandler(func(_ context.Context, _ GetNetworkRequest) (GetNetworkResponse, error) {
		passphrase := info.NetworkPassphrase()
		networkID := network.ID(passphrase)
		return GetNetworkResponse{
			Passphrase:      passphrase,
			NetworkID:       xdr.Hash(networkID).HexString(),
			ProtocolVersion: int(info.LatestLedger().LedgerVersion),
		}, nil
	})
}
