package transactions

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

// FeeBumpFrame is a fee-bump envelope: a fee source paying a higher fee for
// an already signed inner transaction. The fee source is charged, the inner
// transaction is applied without paying its own fee.
type FeeBumpFrame struct {
	networkID    xdr.Hash
	envelope     xdr.TransactionEnvelope
	inner        *TransactionFrame
	contentsHash xdr.Hash
	fullHash     xdr.Hash
	opts         options

	result    xdr.TransactionResult
	validity  ValidationType
	sigChecks int
}

// NewFeeBumpFrame computes the outer hashes and builds the inner frame. The
// inner transaction must be V1.
func NewFeeBumpFrame(networkID xdr.Hash, env xdr.TransactionEnvelope, opts ...Option) (*FeeBumpFrame, error) {
	if env.Type != xdr.EnvelopeTypeEnvelopeTypeTxFeeBump || env.FeeBump == nil {
		return nil, fmt.Errorf("%w: envelope type %d is not a fee bump", txbridge.ErrMalformedEnvelope, env.Type)
	}
	if inner := env.FeeBump.Tx.InnerTx; inner.Type != xdr.EnvelopeTypeEnvelopeTypeTx || inner.V1 == nil {
		return nil, fmt.Errorf("%w: fee-bump inner transaction must be v1", txbridge.ErrMalformedEnvelope)
	}
	inner, err := NewTransactionFrame(networkID, txbridge.InnerEnvelope(env), opts...)
	if err != nil {
		return nil, err
	}
	contentsHash, err := txbridge.ContentsHash(networkID, env)
	if err != nil {
		return nil, err
	}
	fullHash, err := txbridge.FullHash(env)
	if err != nil {
		return nil, err
	}
	f := &FeeBumpFrame{
		networkID:    networkID,
		envelope:     env,
		inner:        inner,
		contentsHash: contentsHash,
		fullHash:     fullHash,
		opts:         buildOptions(opts),
	}
	f.updateResult()
	return f, nil
}

func (f *FeeBumpFrame) Envelope() xdr.TransactionEnvelope { return f.envelope }
func (f *FeeBumpFrame) ContentsHash() xdr.Hash            { return f.contentsHash }
func (f *FeeBumpFrame) FullHash() xdr.Hash                { return f.fullHash }
func (f *FeeBumpFrame) NetworkID() xdr.Hash               { return f.networkID }
func (f *FeeBumpFrame) FeeBid() int64                     { return int64(f.envelope.FeeBump.Tx.Fee) }
func (f *FeeBumpFrame) SeqNum() xdr.SequenceNumber        { return f.inner.SeqNum() }
func (f *FeeBumpFrame) SourceID() xdr.AccountId           { return f.inner.SourceID() }
func (f *FeeBumpFrame) Result() xdr.TransactionResult     { return f.result }
func (f *FeeBumpFrame) Validity() ValidationType          { return f.validity }

// Inner is the wrapped transaction.
func (f *FeeBumpFrame) Inner() *TransactionFrame { return f.inner }

// InnerFullHash is the full hash of the inner transaction as a standalone V1
// envelope. Results are also indexed under it.
func (f *FeeBumpFrame) InnerFullHash() xdr.Hash { return f.inner.FullHash() }

func (f *FeeBumpFrame) FeeSourceID() xdr.AccountId {
	return f.envelope.FeeBump.Tx.FeeSource.ToAccountId()
}

// NumOperations counts the fee bump itself as an extra operation.
func (f *FeeBumpFrame) NumOperations() uint32 {
	return f.inner.NumOperations() + 1
}

func (f *FeeBumpFrame) ResultCode() xdr.TransactionResultCode {
	return f.result.Result.Code
}

func (f *FeeBumpFrame) SignatureChecks() int {
	return f.sigChecks + f.inner.SignatureChecks()
}

func (f *FeeBumpFrame) ToStellarMessage() xdr.StellarMessage {
	return toStellarMessage(f.envelope)
}

func (f *FeeBumpFrame) MinFee(header xdr.LedgerHeader) int64 {
	return int64(header.BaseFee) * int64(f.NumOperations())
}

func (f *FeeBumpFrame) Fee(header xdr.LedgerHeader, baseFee int64, applying bool) int64 {
	numOps := f.NumOperations()
	if !applying {
		return baseFee * int64(numOps)
	}
	return min(f.FeeBid(), f.opts.feePolicy.MaxChargeable(header, baseFee, numOps))
}

func (f *FeeBumpFrame) KeysForFeeProcessing(keys *ledger.KeySet) {
	keys.Add(ledger.AccountKey(f.FeeSourceID()))
}

func (f *FeeBumpFrame) KeysForApply(keys *ledger.KeySet) {
	keys.Add(ledger.AccountKey(f.FeeSourceID()))
	f.inner.KeysForApply(keys)
}

func (f *FeeBumpFrame) resetResults(header xdr.LedgerHeader, baseFee int64, applying bool) {
	f.inner.resetResults(header, baseFee, applying, false)
	f.result = xdr.TransactionResult{FeeCharged: xdr.Int64(f.Fee(header, baseFee, applying))}
	f.updateResult()
}

func (f *FeeBumpFrame) setCode(code xdr.TransactionResultCode) {
	f.result.Result = xdr.TransactionResultResult{Code: code}
}

// updateResult mirrors the inner result into the outer one.
func (f *FeeBumpFrame) updateResult() {
	innerResult := f.inner.Result()
	code := xdr.TransactionResultCodeTxFeeBumpInnerFailed
	if innerResult.Result.Code == xdr.TransactionResultCodeTxSuccess {
		code = xdr.TransactionResultCodeTxFeeBumpInnerSuccess
	}
	pair := xdr.InnerTransactionResultPair{
		TransactionHash: f.inner.ContentsHash(),
		Result: xdr.InnerTransactionResult{
			FeeCharged: innerResult.FeeCharged,
			Result: xdr.InnerTransactionResultResult{
				Code:    innerResult.Result.Code,
				Results: innerResult.Result.Results,
			},
		},
	}
	f.result.Result = xdr.TransactionResultResult{Code: code, InnerResultPair: &pair}
}

func (f *FeeBumpFrame) ProcessFeeSeqNum(ltx ledger.Txn, baseFee int64) error {
	f.resetResults(ltx.Header(), baseFee, true)
	charged, err := chargeFee(ltx, f.FeeSourceID(), int64(f.result.FeeCharged))
	if err != nil {
		return err
	}
	f.result.FeeCharged = xdr.Int64(charged)
	return nil
}

// checkFee requires the bid to cover the minimum fee and the outer fee rate
// to be at least the inner one: feeBid/minFee >= innerBid/innerMinFee. The
// products are compared in 128 bits.
func (f *FeeBumpFrame) checkFee(header xdr.LedgerHeader, applying bool) bool {
	minFee := f.MinFee(header)
	if f.FeeBid() < minFee {
		if !applying {
			f.result.FeeCharged = xdr.Int64(minFee)
		}
		f.setCode(xdr.TransactionResultCodeTxInsufficientFee)
		return false
	}

	innerMinFee := f.inner.MinFee(header)
	outerHi, outerLo := bits.Mul64(uint64(f.FeeBid()), uint64(innerMinFee))
	innerHi, innerLo := bits.Mul64(uint64(f.inner.FeeBid()), uint64(minFee))
	if outerHi < innerHi || (outerHi == innerHi && outerLo < innerLo) {
		if !applying {
			f.result.FeeCharged = xdr.Int64(ceilDiv128(innerHi, innerLo, uint64(innerMinFee)))
		}
		f.setCode(xdr.TransactionResultCodeTxInsufficientFee)
		return false
	}
	return true
}

// ceilDiv128 divides the 128 bit value hi:lo by d, rounding up and
// saturating at math.MaxInt64.
func ceilDiv128(hi, lo, d uint64) int64 {
	if d == 0 || hi >= d {
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, d)
	if r != 0 {
		q++
	}
	if q == 0 || q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// commonValid evaluates the fee-bump envelope itself. Without fullCheck only
// the protocol version, the inner header checks and the fee are looked at.
func (f *FeeBumpFrame) commonValid(checker *signature.Checker, ltx ledger.Txn,
	lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, applying, fullCheck bool,
) (ValidationType, error) {
	header := ltx.Header()
	if header.LedgerVersion < FeeBumpProtocolVersion {
		f.setCode(xdr.TransactionResultCodeTxNotSupported)
		return Invalid, nil
	}
	if !f.inner.checkHeaderOnly(header, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, false) {
		f.updateResult()
		return Invalid, nil
	}
	if !fullCheck {
		if !f.checkFee(header, applying) {
			return Invalid, nil
		}
		return FullyValid, nil
	}

	feeSource, ok, err := ltx.LoadAccount(f.FeeSourceID())
	if err != nil {
		return Invalid, err
	}
	if !ok {
		f.setCode(xdr.TransactionResultCodeTxNoAccount)
		return Invalid, nil
	}
	if !f.checkFee(header, applying) {
		return Invalid, nil
	}
	if !checker.CheckSignature(signature.AccountSigners(feeSource), lowThreshold(feeSource)) {
		f.setCode(xdr.TransactionResultCodeTxBadAuth)
		return Invalid, nil
	}

	// when applying, the fee was already taken from the balance
	if !applying && availableBalance(header, feeSource) < f.FeeBid() {
		f.setCode(xdr.TransactionResultCodeTxInsufficientBalance)
		return postAuth(checker), nil
	}
	return FullyValid, nil
}

func postAuth(checker *signature.Checker) ValidationType {
	if checker.UsedOneTimeSigner() {
		return InvalidPostAuth
	}
	return Invalid
}

// CheckValid reports whether the fee bump could be included in a ledger
// built on ltx. When a pre-auth signer of the fee source was consumed but
// the envelope is invalid anyway, that signer is removed from the fee source
// in ltx; nothing else is written.
func (f *FeeBumpFrame) CheckValid(ltx ledger.Txn, current xdr.SequenceNumber, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, fullCheck bool) (bool, error) {
	validity, err := f.checkValid(ltx, current, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, fullCheck)
	if err != nil {
		return false, err
	}
	f.validity = validity
	if validity == InvalidPostAuth {
		if err := f.removeOneTimeSignerKeyFromFeeSource(ltx); err != nil {
			return false, err
		}
	}
	return validity == FullyValid, nil
}

func (f *FeeBumpFrame) checkValid(ltx ledger.Txn, current xdr.SequenceNumber, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, fullCheck bool) (ValidationType, error) {
	child, err := ltx.NewChild()
	if err != nil {
		return Invalid, err
	}
	defer child.Rollback()

	header := child.Header()
	f.resetResults(header, int64(header.BaseFee), false)
	checker := signature.NewChecker(uint32(header.LedgerVersion), f.contentsHash, f.envelope.FeeBump.Signatures, f.opts.verifier)
	defer func() { f.sigChecks += checker.Invocations() }()

	validity, err := f.commonValid(checker, child, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, false, fullCheck)
	if err != nil || validity != FullyValid {
		return validity, err
	}
	if fullCheck && !checker.CheckAllSignaturesUsed() {
		f.setCode(xdr.TransactionResultCodeTxBadAuthExtra)
		return postAuth(checker), nil
	}

	ok, err := f.inner.checkValid(child, current, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, fullCheck, false)
	if err != nil {
		return Invalid, err
	}
	f.updateResult()
	if !ok {
		return postAuth(checker), nil
	}
	return FullyValid, nil
}

// Apply re-checks the fee bump against the ledger it is applied to, removes
// the consumed pre-auth signer from the fee source and applies the inner
// transaction. The fee must have been processed beforehand.
func (f *FeeBumpFrame) Apply(ltx ledger.Txn, meta *xdr.TransactionMeta) (bool, error) {
	metaV2 := ensureMetaV2(meta)
	child, err := ltx.NewChild()
	if err != nil {
		return false, err
	}
	header := child.Header()
	checker := signature.NewChecker(uint32(header.LedgerVersion), f.contentsHash, f.envelope.FeeBump.Signatures, f.opts.verifier)
	validity, err := f.commonValid(checker, child, 0, 0, true, true)
	f.sigChecks += checker.Invocations()
	if err != nil {
		child.Rollback()
		return false, err
	}
	if validity == FullyValid || validity == InvalidPostAuth {
		if err := f.removeOneTimeSignerKeyFromFeeSource(child); err != nil {
			child.Rollback()
			return false, err
		}
	}
	metaV2.TxChangesBefore = append(metaV2.TxChangesBefore, child.Changes()...)
	if err := child.Commit(); err != nil {
		return false, err
	}
	if validity != FullyValid {
		f.validity = validity
		return false, nil
	}

	ok, err := f.inner.apply(ltx, meta, false)
	if err != nil {
		return false, err
	}
	f.updateResult()
	f.validity = f.inner.Validity()
	return ok, nil
}

// removeOneTimeSignerKeyFromFeeSource drops the pre-auth signer equal to the
// contents hash from the fee source, if both still exist.
func (f *FeeBumpFrame) removeOneTimeSignerKeyFromFeeSource(ltx ledger.Txn) error {
	account, ok, err := ltx.LoadAccount(f.FeeSourceID())
	if err != nil || !ok {
		return err
	}
	if !removeSigner(&account, preAuthTxKey(f.contentsHash)) {
		return nil
	}
	return ltx.StoreAccount(account)
}
