package methods

import (
	"context"
	"errors"

	"github.com/creachadair/jrpc2"

	proto "github.com/stellar/go/protocols/stellarcore"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerclose"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/transactions"
)

// TransactionSubmitter queues transactions for the next ledger.
type TransactionSubmitter interface {
	Submit(ctx context.Context, env xdr.TransactionEnvelope) (transactions.Frame, bool, error)
	LatestLedger() xdr.LedgerHeader
}

// SendTransactionResponse represents the transaction submission response.
type SendTransactionResponse struct {
	// ErrorResultXDR is present only if Status is equal to proto.TXStatusError.
	// ErrorResultXDR is a TransactionResult xdr string which contains details on why
	// the transaction could not be accepted.
	ErrorResultXDR string `json:"errorResultXdr,omitempty"`
	// Status can be one of: proto.TXStatusPending, proto.TXStatusDuplicate,
	// proto.TXStatusTryAgainLater, or proto.TXStatusError.
	Status string `json:"status"`
	// Hash is a hash of the transaction which can be used to look up whether
	// the transaction was included in the ledger.
	Hash string `json:"hash"`
	// LatestLedger is the latest closed ledger at the time the submission
	// was handled.
	LatestLedger uint32 `json:"latestLedger"`
	// LatestLedgerCloseTime is the unix timestamp of the close time of the latest ledger.
	LatestLedgerCloseTime int64 `json:"latestLedgerCloseTime,string"`
}

// SendTransactionRequest is the request to submit a transaction.
type SendTransactionRequest struct {
	// Transaction is the base64 encoded transaction envelope.
	Transaction string `json:"transaction"`
}

// NewSendTransactionHandler returns a submit transaction json rpc handler
func NewSendTransactionHandler(logger *log.Entry, submitter TransactionSubmitter) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request SendTransactionRequest) (SendTransactionResponse, error) {
		env, err := decodeEnvelope(request.Transaction)
		if err != nil {
			return SendTransactionResponse{}, err
		}

		frame, ok, err := submitter.Submit(ctx, env)
		latestLedger := submitter.LatestLedger()
		response := SendTransactionResponse{
			LatestLedger:          uint32(latestLedger.LedgerSeq),
			LatestLedgerCloseTime: int64(latestLedger.ScpValue.CloseTime),
		}
		if frame != nil {
			response.Hash = frame.FullHash().HexString()
		}

		switch {
		case errors.Is(err, ledgerclose.ErrDuplicate):
			response.Status = proto.TXStatusDuplicate
			return response, nil
		case errors.Is(err, ledgerclose.ErrQueueFull):
			response.Status = proto.TXStatusTryAgainLater
			return response, nil
		case err != nil:
			logger.WithError(err).
				WithField("tx", request.Transaction).
				Error("could not submit transaction")
			return SendTransactionResponse{}, frameError(err)
		case !ok:
			response.Status = proto.TXStatusError
			response.ErrorResultXDR, err = xdr.MarshalBase64(frame.Result())
			if err != nil {
				return SendTransactionResponse{}, &jrpc2.Error{
					Code:    jrpc2.InternalError,
					Message: err.Error(),
				}
			}
			return response, nil
		default:
			response.Status = proto.TXStatusPending
			return response, nil
		}
	})
}
