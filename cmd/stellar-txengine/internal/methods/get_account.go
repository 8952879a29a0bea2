package methods

import (
	"context"
	"fmt"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/xdr"
)

type AccountLoader interface {
	LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool)
	LatestLedger() xdr.LedgerHeader
}

type GetAccountRequest struct {
	// AccountID is the strkey (G...) address of the account.
	AccountID string `json:"accountId"`
}

type AccountSigner struct {
	Key    string `json:"key"`
	Weight uint32 `json:"weight"`
}

type AccountThresholds struct {
	MasterWeight uint8 `json:"masterWeight"`
	Low          uint8 `json:"low"`
	Medium       uint8 `json:"medium"`
	High         uint8 `json:"high"`
}

type GetAccountResponse struct {
	AccountID     string            `json:"accountId"`
	Balance       int64             `json:"balance,string"`
	SeqNum        int64             `json:"seqNum,string"`
	NumSubEntries uint32            `json:"numSubEntries"`
	Thresholds    AccountThresholds `json:"thresholds"`
	Signers       []AccountSigner   `json:"signers"`
	// EntryXDR is the base64 encoded AccountEntry.
	EntryXDR     string `json:"entryXdr"`
	LatestLedger uint32 `json:"latestLedger"`
}

// NewGetAccountHandler returns a json rpc handler reading an account from the
// latest closed ledger.
func NewGetAccountHandler(loader AccountLoader) jrpc2.Handler {
	return NewHandler(func(_ context.Context, request GetAccountRequest) (GetAccountResponse, error) {
		var id xdr.AccountId
		if err := id.SetAddress(request.AccountID); err != nil {
			return GetAccountResponse{}, &jrpc2.Error{
				Code:    jrpc2.InvalidParams,
				Message: fmt.Sprintf("invalid account id: %v", err),
			}
		}

		latestLedger := uint32(loader.LatestLedger().LedgerSeq)
		account, ok := loader.LoadAccount(id)
		if !ok {
			return GetAccountResponse{}, &jrpc2.Error{
				Code:    jrpc2.InvalidRequest,
				Message: fmt.Sprintf("not found (at ledger %d)", latestLedger),
			}
		}

		entryXDR, err := xdr.MarshalBase64(account)
		if err != nil {
			return GetAccountResponse{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: err.Error(),
			}
		}
		signers := make([]AccountSigner, 0, len(account.Signers))
		for _, signer := range account.Signers {
			key, err := signer.Key.GetAddress()
			if err != nil {
				return GetAccountResponse{}, &jrpc2.Error{
					Code:    jrpc2.InternalError,
					Message: err.Error(),
				}
			}
			signers = append(signers, AccountSigner{Key: key, Weight: uint32(signer.Weight)})
		}

		return GetAccountResponse{
			AccountID:     account.AccountId.Address(),
			Balance:       int64(account.Balance),
			SeqNum:        int64(account.SeqNum),
			NumSubEntries: uint32(account.NumSubEntries),
			Thresholds: AccountThresholds{
				MasterWeight: account.Thresholds[0],
				Low:          account.Thresholds[1],
				Medium:       account.Thresholds[2],
				High:         account.Thresholds[3],
			},
			Signers:      signers,
			EntryXDR:     entryXDR,
			LatestLedger: latestLedger,
		}, nil
	})
}
