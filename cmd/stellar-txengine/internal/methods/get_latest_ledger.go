package methods

import (
	"context"
	"fmt"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerclose"
)

type LatestLedgerGetter interface {
	LatestLedger() xdr.LedgerHeader
}

type GetLatestLedgerResponse struct {
	// Hash of the latest ledger as a hex-encoded string
	Hash string `json:"id"`
	// Protocol version associated with the ledger.
	ProtocolVersion uint32 `json:"protocolVersion"`
	// Sequence number of the latest ledger.
	Sequence uint32 `json:"sequence"`
	// CloseTime is the unix timestamp of when the ledger was closed.
	CloseTime int64 `json:"closeTime,string"`
	// BaseFee and BaseReserve are in stroops.
	BaseFee      uint32 `json:"baseFee"`
	BaseReserve  uint32 `json:"baseReserve"`
	MaxTxSetSize uint32 `json:"maxTxSetSize"`
	// FeePool holds the fees collected since genesis.
	FeePool int64 `json:"feePool,string"`
}

// NewGetLatestLedgerHandler returns a JSON RPC handler to retrieve the latest closed ledger.
func NewGetLatestLedgerHandler(getter LatestLedgerGetter) jrpc2.Handler {
	return NewHandler(func(_ context.Context) (GetLatestLedgerResponse, error) {
		header := getter.LatestLedger()
		ledgerHash, err := ledgerclose.LedgerHash(header)
		if err != nil {
			return GetLatestLedgerResponse{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: fmt.Errorf("could not hash ledger header: %w", err).Error(),
			}
		}

		response := GetLatestLedgerResponse{
			Hash:            ledgerHash.HexString(),
			ProtocolVersion: uint32(header.LedgerVersion),
			Sequence:        uint32(header.LedgerSeq),
			CloseTime:       int64(header.ScpValue.CloseTime),
			BaseFee:         uint32(header.BaseFee),
			BaseReserve:     uint32(header.BaseReserve),
			MaxTxSetSize:    uint32(header.MaxTxSetSize),
			FeePool:         int64(header.FeePool),
		}
		return response, nil
	})
}
