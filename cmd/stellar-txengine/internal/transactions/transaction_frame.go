package transactions

import (
	"fmt"
	"math"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

const maxExtraSigners = 2

// stage is how far validation of a plain transaction got before failing.
type stage int

const (
	stageInvalid stage = iota
	stageInvalidUpdateSeqNum
	stageInvalidPostAuth
	stageMaybeValid
)

// TransactionFrame is a plain (V0 or V1) transaction. Legacy envelopes are
// evaluated through their V1 upgrade but keep their original encoding.
type TransactionFrame struct {
	networkID    xdr.Hash
	envelope     xdr.TransactionEnvelope
	tx           xdr.Transaction
	signatures   []xdr.DecoratedSignature
	contentsHash xdr.Hash
	fullHash     xdr.Hash
	opts         options

	result    xdr.TransactionResult
	opResults []xdr.OperationResult
	validity  ValidationType
	sigChecks int
}

func NewTransactionFrame(networkID xdr.Hash, env xdr.TransactionEnvelope, opts ...Option) (*TransactionFrame, error) {
	if env.Type != xdr.EnvelopeTypeEnvelopeTypeTxV0 && env.Type != xdr.EnvelopeTypeEnvelopeTypeTx {
		return nil, fmt.Errorf("%w: envelope type %d is not a plain transaction", txbridge.ErrMalformedEnvelope, env.Type)
	}
	contentsHash, err := txbridge.ContentsHash(networkID, env)
	if err != nil {
		return nil, err
	}
	fullHash, err := txbridge.FullHash(env)
	if err != nil {
		return nil, err
	}
	upgraded := txbridge.UpgradeLegacy(env)
	f := &TransactionFrame{
		networkID:    networkID,
		envelope:     env,
		tx:           upgraded.V1.Tx,
		signatures:   upgraded.V1.Signatures,
		contentsHash: contentsHash,
		fullHash:     fullHash,
		opts:         buildOptions(opts),
	}
	f.resetOpResults()
	f.setCode(xdr.TransactionResultCodeTxSuccess)
	return f, nil
}

func (f *TransactionFrame) Envelope() xdr.TransactionEnvelope { return f.envelope }
func (f *TransactionFrame) ContentsHash() xdr.Hash            { return f.contentsHash }
func (f *TransactionFrame) FullHash() xdr.Hash                { return f.fullHash }
func (f *TransactionFrame) NetworkID() xdr.Hash               { return f.networkID }
func (f *TransactionFrame) FeeBid() int64                     { return int64(f.tx.Fee) }
func (f *TransactionFrame) NumOperations() uint32             { return uint32(len(f.tx.Operations)) }
func (f *TransactionFrame) SeqNum() xdr.SequenceNumber        { return f.tx.SeqNum }
func (f *TransactionFrame) SourceID() xdr.AccountId           { return f.tx.SourceAccount.ToAccountId() }
func (f *TransactionFrame) FeeSourceID() xdr.AccountId        { return f.SourceID() }
func (f *TransactionFrame) Result() xdr.TransactionResult     { return f.result }
func (f *TransactionFrame) Validity() ValidationType          { return f.validity }
func (f *TransactionFrame) SignatureChecks() int              { return f.sigChecks }

func (f *TransactionFrame) ResultCode() xdr.TransactionResultCode {
	return f.result.Result.Code
}

func (f *TransactionFrame) ToStellarMessage() xdr.StellarMessage {
	return toStellarMessage(f.envelope)
}

func (f *TransactionFrame) MinFee(header xdr.LedgerHeader) int64 {
	return int64(header.BaseFee) * int64(f.NumOperations())
}

func (f *TransactionFrame) Fee(header xdr.LedgerHeader, baseFee int64, applying bool) int64 {
	numOps := max(1, f.NumOperations())
	if !applying {
		return baseFee * int64(numOps)
	}
	return min(f.FeeBid(), f.opts.feePolicy.MaxChargeable(header, baseFee, numOps))
}

func (f *TransactionFrame) KeysForFeeProcessing(keys *ledger.KeySet) {
	keys.Add(ledger.AccountKey(f.SourceID()))
}

func (f *TransactionFrame) KeysForApply(keys *ledger.KeySet) {
	keys.Add(ledger.AccountKey(f.SourceID()))
	for _, op := range f.tx.Operations {
		keys.Add(ledger.AccountKey(f.opSourceID(op)))
		switch op.Body.Type {
		case xdr.OperationTypeCreateAccount:
			keys.Add(ledger.AccountKey(op.Body.CreateAccountOp.Destination))
		case xdr.OperationTypePayment:
			keys.Add(ledger.AccountKey(op.Body.PaymentOp.Destination.ToAccountId()))
		}
	}
}

func (f *TransactionFrame) opSourceID(op xdr.Operation) xdr.AccountId {
	if op.SourceAccount != nil {
		return op.SourceAccount.ToAccountId()
	}
	return f.SourceID()
}

func (f *TransactionFrame) resetOpResults() {
	f.opResults = make([]xdr.OperationResult, len(f.tx.Operations))
	for i, op := range f.tx.Operations {
		f.opResults[i] = successResult(op)
	}
}

// resetResults clears the outcome of a previous evaluation. A transaction
// wrapped in a fee bump does not pay its own fee and reports zero charged.
func (f *TransactionFrame) resetResults(header xdr.LedgerHeader, baseFee int64, applying, chargeFee bool) {
	f.resetOpResults()
	f.result = xdr.TransactionResult{}
	if chargeFee {
		f.result.FeeCharged = xdr.Int64(f.Fee(header, baseFee, applying))
	}
	f.setCode(xdr.TransactionResultCodeTxSuccess)
}

func (f *TransactionFrame) setCode(code xdr.TransactionResultCode) {
	f.result.Result = xdr.TransactionResultResult{Code: code}
	if code == xdr.TransactionResultCodeTxSuccess || code == xdr.TransactionResultCodeTxFailed {
		results := f.opResults
		f.result.Result.Results = &results
	}
}

func (f *TransactionFrame) ProcessFeeSeqNum(ltx ledger.Txn, baseFee int64) error {
	f.resetResults(ltx.Header(), baseFee, true, true)
	charged, err := chargeFee(ltx, f.SourceID(), int64(f.result.FeeCharged))
	if err != nil {
		return err
	}
	f.result.FeeCharged = xdr.Int64(charged)
	return nil
}

// checkHeaderOnly runs the checks that need nothing but the envelope and the
// ledger header.
func (f *TransactionFrame) checkHeaderOnly(header xdr.LedgerHeader, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, chargeFee bool) bool {
	if len(f.tx.Operations) == 0 {
		f.setCode(xdr.TransactionResultCodeTxMissingOperation)
		return false
	}
	if code, ok := f.checkPreconditions(header, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset); !ok {
		f.setCode(code)
		return false
	}
	if chargeFee && f.FeeBid() < f.MinFee(header) {
		f.setCode(xdr.TransactionResultCodeTxInsufficientFee)
		return false
	}
	return true
}

func (f *TransactionFrame) checkPreconditions(header xdr.LedgerHeader, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64) (xdr.TransactionResultCode, bool) {
	var (
		timeBounds   *xdr.TimeBounds
		ledgerBounds *xdr.LedgerBounds
		general      *xdr.PreconditionsV2
	)
	switch f.tx.Cond.Type {
	case xdr.PreconditionTypePrecondTime:
		timeBounds = f.tx.Cond.TimeBounds
	case xdr.PreconditionTypePrecondV2:
		general = f.tx.Cond.V2
		timeBounds = general.TimeBounds
		ledgerBounds = general.LedgerBounds
	}

	closeTime := uint64(header.ScpValue.CloseTime)
	if timeBounds != nil {
		if timeBounds.MinTime != 0 && closeTime+lowerBoundCloseTimeOffset < uint64(timeBounds.MinTime) {
			return xdr.TransactionResultCodeTxTooEarly, false
		}
		if timeBounds.MaxTime != 0 && closeTime+upperBoundCloseTimeOffset > uint64(timeBounds.MaxTime) {
			return xdr.TransactionResultCodeTxTooLate, false
		}
	}
	if ledgerBounds != nil {
		if ledgerBounds.MinLedger > header.LedgerSeq {
			return xdr.TransactionResultCodeTxTooEarly, false
		}
		if ledgerBounds.MaxLedger != 0 && ledgerBounds.MaxLedger <= header.LedgerSeq {
			return xdr.TransactionResultCodeTxTooLate, false
		}
	}
	if general != nil {
		// sequence age and gap need per-account history this engine does
		// not keep
		if general.MinSeqAge != 0 || general.MinSeqLedgerGap != 0 {
			return xdr.TransactionResultCodeTxNotSupported, false
		}
		if len(general.ExtraSigners) > maxExtraSigners {
			return xdr.TransactionResultCodeTxMalformed, false
		}
	}
	return xdr.TransactionResultCodeTxSuccess, true
}

func (f *TransactionFrame) minSeqNum() *xdr.SequenceNumber {
	if f.tx.Cond.Type == xdr.PreconditionTypePrecondV2 {
		return f.tx.Cond.V2.MinSeqNum
	}
	return nil
}

func (f *TransactionFrame) extraSigners() []xdr.SignerKey {
	if f.tx.Cond.Type == xdr.PreconditionTypePrecondV2 {
		return f.tx.Cond.V2.ExtraSigners
	}
	return nil
}

func (f *TransactionFrame) checkSeqNum(source xdr.AccountEntry, current xdr.SequenceNumber) bool {
	if current == 0 {
		current = source.SeqNum
	}
	if current == math.MaxInt64 {
		return false
	}
	if minSeq := f.minSeqNum(); minSeq != nil {
		return *minSeq <= current && current < f.tx.SeqNum
	}
	return current+1 == f.tx.SeqNum
}

func (f *TransactionFrame) commonValid(checker *signature.Checker, ltx ledger.Txn, current xdr.SequenceNumber,
	lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, applying, fullCheck, chargeFee bool,
) (stage, error) {
	header := ltx.Header()
	if !f.checkHeaderOnly(header, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, chargeFee) {
		return stageInvalid, nil
	}
	if !fullCheck {
		return stageMaybeValid, nil
	}

	source, ok, err := ltx.LoadAccount(f.SourceID())
	if err != nil {
		return stageInvalid, err
	}
	if !ok {
		f.setCode(xdr.TransactionResultCodeTxNoAccount)
		return stageInvalid, nil
	}
	if !f.checkSeqNum(source, current) {
		f.setCode(xdr.TransactionResultCodeTxBadSeq)
		return stageInvalid, nil
	}

	if !checker.CheckSignature(signature.AccountSigners(source), lowThreshold(source)) {
		f.setCode(xdr.TransactionResultCodeTxBadAuth)
		return stageInvalidUpdateSeqNum, nil
	}
	for _, key := range f.extraSigners() {
		if !checker.CheckSignature([]xdr.Signer{{Key: key, Weight: 1}}, 1) {
			f.setCode(xdr.TransactionResultCodeTxBadAuth)
			return stageInvalidUpdateSeqNum, nil
		}
	}

	// when applying, the fee was already taken from the balance
	if chargeFee && !applying && availableBalance(header, source) < f.FeeBid() {
		f.setCode(xdr.TransactionResultCodeTxInsufficientBalance)
		return stageInvalidPostAuth, nil
	}
	return stageMaybeValid, nil
}

// checkOperations authorizes and statically checks every operation. On
// failure the transaction code becomes txFAILED.
func (f *TransactionFrame) checkOperations(checker *signature.Checker, ltx ledger.Txn) (bool, error) {
	valid := true
	for i, op := range f.tx.Operations {
		ok, err := checkOperation(checker, ltx, op, f.opSourceID(op), &f.opResults[i])
		if err != nil {
			return false, err
		}
		valid = valid && ok
	}
	if !valid {
		f.setCode(xdr.TransactionResultCodeTxFailed)
		return false, nil
	}
	if !checker.CheckAllSignaturesUsed() {
		f.setCode(xdr.TransactionResultCodeTxBadAuthExtra)
		return false, nil
	}
	return true, nil
}

func outcome(valid bool, reached stage, checker *signature.Checker) ValidationType {
	switch {
	case valid:
		return FullyValid
	case reached >= stageInvalidPostAuth && checker.UsedOneTimeSigner():
		return InvalidPostAuth
	default:
		return Invalid
	}
}

func (f *TransactionFrame) CheckValid(ltx ledger.Txn, current xdr.SequenceNumber, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, fullCheck bool) (bool, error) {
	return f.checkValid(ltx, current, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, fullCheck, true)
}

// checkValid never modifies ltx. chargeFee is false for the inner
// transaction of a fee bump, whose fee is paid by the outer envelope.
func (f *TransactionFrame) checkValid(ltx ledger.Txn, current xdr.SequenceNumber, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset uint64, fullCheck, chargeFee bool) (bool, error) {
	child, err := ltx.NewChild()
	if err != nil {
		return false, err
	}
	defer child.Rollback()

	header := child.Header()
	f.resetResults(header, int64(header.BaseFee), false, chargeFee)
	checker := signature.NewChecker(uint32(header.LedgerVersion), f.contentsHash, f.signatures, f.opts.verifier)
	defer func() { f.sigChecks += checker.Invocations() }()

	reached, err := f.commonValid(checker, child, current, lowerBoundCloseTimeOffset, upperBoundCloseTimeOffset, false, fullCheck, chargeFee)
	if err != nil {
		return false, err
	}
	valid := reached == stageMaybeValid
	if valid && fullCheck {
		if valid, err = f.checkOperations(checker, child); err != nil {
			return false, err
		}
	}
	f.validity = outcome(valid, reached, checker)
	return valid, nil
}

func (f *TransactionFrame) Apply(ltx ledger.Txn, meta *xdr.TransactionMeta) (bool, error) {
	return f.apply(ltx, meta, true)
}

// apply re-validates the transaction against the state it is applied to,
// consumes its sequence number and one-time signers, then runs the
// operations. The fee must have been processed beforehand.
func (f *TransactionFrame) apply(ltx ledger.Txn, meta *xdr.TransactionMeta, chargeFee bool) (bool, error) {
	metaV2 := ensureMetaV2(meta)
	header := ltx.Header()
	if !chargeFee {
		f.resetResults(header, int64(header.BaseFee), true, false)
	} else {
		f.resetOpResults()
		f.setCode(xdr.TransactionResultCodeTxSuccess)
	}

	child, err := ltx.NewChild()
	if err != nil {
		return false, err
	}
	checker := signature.NewChecker(uint32(header.LedgerVersion), f.contentsHash, f.signatures, f.opts.verifier)
	defer func() { f.sigChecks += checker.Invocations() }()

	reached, err := f.commonValid(checker, child, 0, 0, 0, true, true, chargeFee)
	if err != nil {
		child.Rollback()
		return false, err
	}
	if reached >= stageInvalidUpdateSeqNum {
		if err := f.processSeqNum(child); err != nil {
			child.Rollback()
			return false, err
		}
	}
	valid := reached == stageMaybeValid
	if reached >= stageInvalidPostAuth {
		if valid {
			if valid, err = f.checkOperations(checker, child); err != nil {
				child.Rollback()
				return false, err
			}
		}
		if err := f.removeOneTimeSigners(child); err != nil {
			child.Rollback()
			return false, err
		}
	}
	metaV2.TxChangesBefore = append(metaV2.TxChangesBefore, child.Changes()...)
	if err := child.Commit(); err != nil {
		return false, err
	}

	if !valid {
		f.validity = outcome(false, reached, checker)
		return false, nil
	}
	ok, err := f.applyOperations(ltx, metaV2)
	if err != nil {
		return false, err
	}
	f.validity = Invalid
	if ok {
		f.validity = FullyValid
	}
	return ok, nil
}

func (f *TransactionFrame) processSeqNum(ltx ledger.Txn) error {
	source, ok, err := ltx.LoadAccount(f.SourceID())
	if err != nil || !ok {
		return err
	}
	source.SeqNum = f.tx.SeqNum
	return ltx.StoreAccount(source)
}

// removeOneTimeSigners drops the pre-auth signer for this transaction from
// every source account it names.
func (f *TransactionFrame) removeOneTimeSigners(ltx ledger.Txn) error {
	key := preAuthTxKey(f.contentsHash)
	seen := ledger.NewKeySet()
	ids := []xdr.AccountId{f.SourceID()}
	for _, op := range f.tx.Operations {
		ids = append(ids, f.opSourceID(op))
	}
	for _, id := range ids {
		if !seen.Add(ledger.AccountKey(id)) {
			continue
		}
		account, ok, err := ltx.LoadAccount(id)
		if err != nil {
			return err
		}
		if ok && removeSigner(&account, key) {
			if err := ltx.StoreAccount(account); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyOperations runs each operation in its own nested txn. Either all of
// them take effect or none do.
func (f *TransactionFrame) applyOperations(ltx ledger.Txn, meta *xdr.TransactionMetaV2) (bool, error) {
	opsTxn, err := ltx.NewChild()
	if err != nil {
		return false, err
	}
	opMetas := make([]xdr.OperationMeta, 0, len(f.tx.Operations))
	success := true
	for i, op := range f.tx.Operations {
		opTxn, err := opsTxn.NewChild()
		if err != nil {
			opsTxn.Rollback()
			return false, err
		}
		ok, err := applyOperation(opTxn, op, f.opSourceID(op), &f.opResults[i])
		if err != nil {
			opTxn.Rollback()
			opsTxn.Rollback()
			return false, err
		}
		if !ok {
			success = false
			opTxn.Rollback()
			continue
		}
		opMetas = append(opMetas, xdr.OperationMeta{Changes: opTxn.Changes()})
		if err := opTxn.Commit(); err != nil {
			opsTxn.Rollback()
			return false, err
		}
	}

	if !success {
		opsTxn.Rollback()
		f.setCode(xdr.TransactionResultCodeTxFailed)
		return false, nil
	}
	if err := opsTxn.Commit(); err != nil {
		return false, err
	}
	meta.Operations = opMetas
	f.setCode(xdr.TransactionResultCodeTxSuccess)
	return true, nil
}
