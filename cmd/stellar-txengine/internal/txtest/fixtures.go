package txtest

import (
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"
)

const (
	ProtocolVersion = 20
	BaseFee         = 100
	BaseReserve     = 5_000_000
)

// Header returns a ledger header suitable for validation tests.
func Header(seq uint32, closeTime uint64) xdr.LedgerHeader {
	return xdr.LedgerHeader{
		LedgerVersion: ProtocolVersion,
		LedgerSeq:     xdr.Uint32(seq),
		ScpValue:      xdr.StellarValue{CloseTime: xdr.TimePoint(closeTime)},
		BaseFee:       BaseFee,
		BaseReserve:   BaseReserve,
		MaxTxSetSize:  100,
		TotalCoins:    1_000_000_000_000_000_000,
	}
}

// Account builds an account entry whose master key has weight 1 and all
// thresholds at zero.
func Account(kp keypair.KP, balance int64, seqNum int64) xdr.AccountEntry {
	return xdr.AccountEntry{
		AccountId:  AccountID(kp),
		Balance:    xdr.Int64(balance),
		SeqNum:     xdr.SequenceNumber(seqNum),
		Thresholds: xdr.Thresholds{1, 0, 0, 0},
	}
}

func PreAuthSigner(contentsHash xdr.Hash, weight uint32) xdr.Signer {
	key := xdr.Uint256(contentsHash)
	return xdr.Signer{
		Key:    xdr.SignerKey{Type: xdr.SignerKeyTypeSignerKeyTypePreAuthTx, PreAuthTx: &key},
		Weight: xdr.Uint32(weight),
	}
}

func Ed25519Signer(kp keypair.KP, weight uint32) xdr.Signer {
	var key xdr.SignerKey
	if err := key.SetAddress(kp.Address()); err != nil {
		panic(err)
	}
	return xdr.Signer{Key: key, Weight: xdr.Uint32(weight)}
}

func Payment(dest keypair.KP, amount int64) xdr.Operation {
	return xdr.Operation{Body: xdr.OperationBody{
		Type: xdr.OperationTypePayment,
		PaymentOp: &xdr.PaymentOp{
			Destination: MuxedAccount(dest),
			Asset:       xdr.MustNewNativeAsset(),
			Amount:      xdr.Int64(amount),
		},
	}}
}

func CreateAccount(dest keypair.KP, startingBalance int64) xdr.Operation {
	return xdr.Operation{Body: xdr.OperationBody{
		Type: xdr.OperationTypeCreateAccount,
		CreateAccountOp: &xdr.CreateAccountOp{
			Destination:     AccountID(dest),
			StartingBalance: xdr.Int64(startingBalance),
		},
	}}
}

func BumpSequence(to int64) xdr.Operation {
	return xdr.Operation{Body: xdr.OperationBody{
		Type:           xdr.OperationTypeBumpSequence,
		BumpSequenceOp: &xdr.BumpSequenceOp{BumpTo: xdr.SequenceNumber(to)},
	}}
}

func AddSigner(signer xdr.Signer) xdr.Operation {
	return xdr.Operation{Body: xdr.OperationBody{
		Type:         xdr.OperationTypeSetOptions,
		SetOptionsOp: &xdr.SetOptionsOp{Signer: &signer},
	}}
}

func SetMasterWeight(weight uint32) xdr.Operation {
	w := xdr.Uint32(weight)
	return xdr.Operation{Body: xdr.OperationBody{
		Type:         xdr.OperationTypeSetOptions,
		SetOptionsOp: &xdr.SetOptionsOp{MasterWeight: &w},
	}}
}
