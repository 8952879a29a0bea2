// Package transactions validates, charges and applies transaction envelopes
// against a ledger.Txn. Plain transactions are handled by TransactionFrame,
// fee bumps by FeeBumpFrame, which wraps a TransactionFrame.
package transactions

import (
	"fmt"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

// FeeBumpProtocolVersion is the first protocol version accepting fee bumps.
const FeeBumpProtocolVersion = 13

// ValidationType is the outcome of a validity check.
type ValidationType int

const (
	// Invalid means the transaction is not valid at all.
	Invalid ValidationType = iota
	// InvalidPostAuth means the transaction is invalid, but a one-time signer
	// was consumed during authorization and must still be removed.
	InvalidPostAuth
	FullyValid
)

func (v ValidationType) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case InvalidPostAuth:
		return "invalid_post_auth"
	case FullyValid:
		return "fully_valid"
	default:
		return fmt.Sprintf("ValidationType(%d)", int(v))
	}
}

// Frame is the contract shared by plain and fee-bump transactions.
type Frame interface {
	Envelope() xdr.TransactionEnvelope

	FeeBid() int64
	MinFee(header xdr.LedgerHeader) int64
	Fee(header xdr.LedgerHeader, baseFee int64, applying bool) int64

	ContentsHash() xdr.Hash
	FullHash() xdr.Hash
	NetworkID() xdr.Hash

	NumOperations() uint32
	Result() xdr.TransactionResult
	ResultCode() xdr.TransactionResultCode
	// Validity is the outcome of the last CheckValid or Apply call.
	Validity() ValidationType
	// SignatureChecks counts signature checker invocations over the life of
	// the frame.
	SignatureChecks() int

	SeqNum() xdr.SequenceNumber
	FeeSourceID() xdr.AccountId
	SourceID() xdr.AccountId

	KeysForFeeProcessing(keys *ledger.KeySet)
	KeysForApply(keys *ledger.KeySet)

	ProcessFeeSeqNum(ltx ledger.Txn, baseFee int64) error
	CheckValid(ltx ledger.Txn, current xdr.SequenceNumber, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, fullCheck bool) (bool, error)
	Apply(ltx ledger.Txn, meta *xdr.TransactionMeta) (bool, error)

	ToStellarMessage() xdr.StellarMessage
}

var (
	_ Frame = (*TransactionFrame)(nil)
	_ Frame = (*FeeBumpFrame)(nil)
)

// FeePolicy bounds the fee charged when a transaction is applied. numOps is
// the number of operations the fee is charged for, including the extra one
// of a fee bump.
type FeePolicy interface {
	MaxChargeable(header xdr.LedgerHeader, baseFee int64, numOps uint32) int64
}

// SurgePricingPolicy charges at most the effective base fee of the ledger for
// every operation.
type SurgePricingPolicy struct{}

func (SurgePricingPolicy) MaxChargeable(_ xdr.LedgerHeader, baseFee int64, numOps uint32) int64 {
	if numOps == 0 {
		numOps = 1
	}
	return baseFee * int64(numOps)
}

type options struct {
	verifier  *signature.Verifier
	feePolicy FeePolicy
}

type Option func(*options)

// WithVerifier shares a caching signature verifier between frames.
func WithVerifier(verifier *signature.Verifier) Option {
	return func(o *options) {
		o.verifier = verifier
	}
}

func WithFeePolicy(policy FeePolicy) Option {
	return func(o *options) {
		o.feePolicy = policy
	}
}

func buildOptions(opts []Option) options {
	o := options{feePolicy: SurgePricingPolicy{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MakeFromWire builds the frame matching the envelope type. Envelopes that
// did not come through txbridge.Decode are shape checked here.
func MakeFromWire(networkID xdr.Hash, env xdr.TransactionEnvelope, opts ...Option) (Frame, error) {
	if err := txbridge.CheckShape(env); err != nil {
		return nil, err
	}
	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0, xdr.EnvelopeTypeEnvelopeTypeTx:
		frame, err := NewTransactionFrame(networkID, env, opts...)
		if err != nil {
			return nil, err
		}
		return frame, nil
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		frame, err := NewFeeBumpFrame(networkID, env, opts...)
		if err != nil {
			return nil, err
		}
		return frame, nil
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %d", txbridge.ErrMalformedEnvelope, env.Type)
	}
}

func toStellarMessage(env xdr.TransactionEnvelope) xdr.StellarMessage {
	return xdr.StellarMessage{
		Type:        xdr.MessageTypeTransaction,
		Transaction: &env,
	}
}

// availableBalance is the balance above the account's minimum reserve.
func availableBalance(header xdr.LedgerHeader, account xdr.AccountEntry) int64 {
	return int64(account.Balance) - minBalance(header, account, 0)
}

func minBalance(header xdr.LedgerHeader, account xdr.AccountEntry, extraSubEntries int64) int64 {
	return (2 + int64(account.NumSubEntries) + extraSubEntries) * int64(header.BaseReserve)
}

func lowThreshold(account xdr.AccountEntry) int32 {
	return int32(account.Thresholds[xdr.ThresholdIndexesThresholdLow])
}

func mediumThreshold(account xdr.AccountEntry) int32 {
	return int32(account.Thresholds[xdr.ThresholdIndexesThresholdMed])
}

func highThreshold(account xdr.AccountEntry) int32 {
	return int32(account.Thresholds[xdr.ThresholdIndexesThresholdHigh])
}

func preAuthTxKey(contentsHash xdr.Hash) xdr.SignerKey {
	key := xdr.Uint256(contentsHash)
	return xdr.SignerKey{Type: xdr.SignerKeyTypeSignerKeyTypePreAuthTx, PreAuthTx: &key}
}

// removeSigner strips key from the account's signers and reports whether it
// was present.
func removeSigner(account *xdr.AccountEntry, key xdr.SignerKey) bool {
	for i, signer := range account.Signers {
		if signerKeysEqual(signer.Key, key) {
			account.Signers = append(account.Signers[:i:i], account.Signers[i+1:]...)
			if account.NumSubEntries > 0 {
				account.NumSubEntries--
			}
			return true
		}
	}
	return false
}

func signerKeysEqual(a, b xdr.SignerKey) bool {
	ra, err := a.MarshalBinary()
	if err != nil {
		return false
	}
	rb, err := b.MarshalBinary()
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}

// chargeFee debits up to fee from the account and adds the amount taken to
// the fee pool. The balance may end below the reserve; validation catches
// that later. A missing account is left alone and fee is returned as is.
func chargeFee(ltx ledger.Txn, id xdr.AccountId, fee int64) (int64, error) {
	if fee <= 0 {
		return fee, nil
	}
	account, ok, err := ltx.LoadAccount(id)
	if err != nil || !ok {
		return fee, err
	}
	fee = min(int64(account.Balance), fee)
	account.Balance -= xdr.Int64(fee)
	if err := ltx.StoreAccount(account); err != nil {
		return 0, err
	}
	header := ltx.Header()
	header.FeePool += xdr.Int64(fee)
	if err := ltx.SetHeader(header); err != nil {
		return 0, err
	}
	return fee, nil
}

func ensureMetaV2(meta *xdr.TransactionMeta) *xdr.TransactionMetaV2 {
	if meta.V != 2 || meta.V2 == nil {
		*meta = xdr.TransactionMeta{V: 2, V2: &xdr.TransactionMetaV2{}}
	}
	return meta.V2
}
