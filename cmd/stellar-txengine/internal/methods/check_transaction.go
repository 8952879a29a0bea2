package methods

import (
	"context"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/transactions"
)

// TransactionChecker validates envelopes against the next ledger.
type TransactionChecker interface {
	Check(ctx context.Context, env xdr.TransactionEnvelope, fullCheck bool) (transactions.Frame, bool, error)
	LatestLedger() xdr.LedgerHeader
}

type CheckTransactionRequest struct {
	// Transaction is the base64 encoded transaction envelope.
	Transaction string `json:"transaction"`
	// FullCheck enables account, sequence and signature checks. Without it
	// only the checks that need no ledger state are run.
	FullCheck bool `json:"fullCheck"`
}

type CheckTransactionResponse struct {
	Valid bool `json:"valid"`
	// Validity is one of invalid, invalid_post_auth or fully_valid.
	Validity   string `json:"validity"`
	ResultCode string `json:"resultCode"`
	ResultXDR  string `json:"resultXdr"`

	FeeBid int64 `json:"feeBid,string"`
	MinFee int64 `json:"minFee,string"`
	// Fee is what the transaction would be charged at the latest ledger's
	// base fee.
	Fee int64 `json:"fee,string"`

	Hash         string `json:"hash"`
	ContentsHash string `json:"contentsHash"`
	// InnerHash is only present for fee-bump transactions.
	InnerHash string `json:"innerHash,omitempty"`
	// MessageXDR is the transaction wrapped in a StellarMessage, as it would
	// be flooded to peers.
	MessageXDR string `json:"messageXdr"`

	LatestLedger uint32 `json:"latestLedger"`
}

type innerHasher interface {
	InnerFullHash() xdr.Hash
}

// NewCheckTransactionHandler returns a json rpc handler validating a
// transaction without queueing it.
func NewCheckTransactionHandler(logger *log.Entry, checker TransactionChecker) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request CheckTransactionRequest) (CheckTransactionResponse, error) {
		env, err := decodeEnvelope(request.Transaction)
		if err != nil {
			return CheckTransactionResponse{}, err
		}

		frame, valid, err := checker.Check(ctx, env, request.FullCheck)
		if err != nil {
			logger.WithError(err).
				WithField("tx", request.Transaction).
				Error("could not check transaction")
			return CheckTransactionResponse{}, frameError(err)
		}

		header := checker.LatestLedger()
		response := CheckTransactionResponse{
			Valid:        valid,
			Validity:     frame.Validity().String(),
			ResultCode:   frame.ResultCode().String(),
			FeeBid:       frame.FeeBid(),
			MinFee:       frame.MinFee(header),
			Fee:          frame.Fee(header, int64(header.BaseFee), false),
			Hash:         frame.FullHash().HexString(),
			ContentsHash: frame.ContentsHash().HexString(),
			LatestLedger: uint32(header.LedgerSeq),
		}
		if inner, ok := frame.(innerHasher); ok {
			response.InnerHash = inner.InnerFullHash().HexString()
		}
		if response.ResultXDR, err = xdr.MarshalBase64(frame.Result()); err != nil {
			return CheckTransactionResponse{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: err.Error(),
			}
		}
		if response.MessageXDR, err = xdr.MarshalBase64(frame.ToStellarMessage()); err != nil {
			return CheckTransactionResponse{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: err.Error(),
			}
		}
		return response, nil
	})
}
