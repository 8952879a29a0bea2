package transactions

import (
	"math"

	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

const maxThreshold = 255

func operationSupported(op xdr.Operation) bool {
	switch op.Body.Type {
	case xdr.OperationTypeCreateAccount, xdr.OperationTypeBumpSequence:
		return true
	case xdr.OperationTypePayment:
		return op.Body.PaymentOp.Asset.Type == xdr.AssetTypeAssetTypeNative
	case xdr.OperationTypeSetOptions:
		set := op.Body.SetOptionsOp
		return set.InflationDest == nil && set.ClearFlags == nil && set.SetFlags == nil && set.HomeDomain == nil
	default:
		return false
	}
}

// operationThreshold is the signer weight needed to authorize op.
func operationThreshold(op xdr.Operation, source xdr.AccountEntry) int32 {
	switch op.Body.Type {
	case xdr.OperationTypeBumpSequence:
		return lowThreshold(source)
	case xdr.OperationTypeSetOptions:
		set := op.Body.SetOptionsOp
		if set.MasterWeight != nil || set.LowThreshold != nil || set.MedThreshold != nil ||
			set.HighThreshold != nil || set.Signer != nil {
			return highThreshold(source)
		}
		return mediumThreshold(source)
	default:
		return mediumThreshold(source)
	}
}

func opCodeResult(code xdr.OperationResultCode) xdr.OperationResult {
	return xdr.OperationResult{Code: code}
}

func createAccountResult(code xdr.CreateAccountResultCode) xdr.OperationResult {
	return xdr.OperationResult{
		Code: xdr.OperationResultCodeOpInner,
		Tr: &xdr.OperationResultTr{
			Type:                xdr.OperationTypeCreateAccount,
			CreateAccountResult: &xdr.CreateAccountResult{Code: code},
		},
	}
}

func paymentResult(code xdr.PaymentResultCode) xdr.OperationResult {
	return xdr.OperationResult{
		Code: xdr.OperationResultCodeOpInner,
		Tr: &xdr.OperationResultTr{
			Type:          xdr.OperationTypePayment,
			PaymentResult: &xdr.PaymentResult{Code: code},
		},
	}
}

func bumpSequenceResult(code xdr.BumpSequenceResultCode) xdr.OperationResult {
	return xdr.OperationResult{
		Code: xdr.OperationResultCodeOpInner,
		Tr: &xdr.OperationResultTr{
			Type:          xdr.OperationTypeBumpSequence,
			BumpSeqResult: &xdr.BumpSequenceResult{Code: code},
		},
	}
}

func setOptionsResult(code xdr.SetOptionsResultCode) xdr.OperationResult {
	return xdr.OperationResult{
		Code: xdr.OperationResultCodeOpInner,
		Tr: &xdr.OperationResultTr{
			Type:             xdr.OperationTypeSetOptions,
			SetOptionsResult: &xdr.SetOptionsResult{Code: code},
		},
	}
}

// successResult is the result an operation reports before it is evaluated.
func successResult(op xdr.Operation) xdr.OperationResult {
	switch op.Body.Type {
	case xdr.OperationTypeCreateAccount:
		return createAccountResult(xdr.CreateAccountResultCodeCreateAccountSuccess)
	case xdr.OperationTypePayment:
		return paymentResult(xdr.PaymentResultCodePaymentSuccess)
	case xdr.OperationTypeBumpSequence:
		return bumpSequenceResult(xdr.BumpSequenceResultCodeBumpSequenceSuccess)
	case xdr.OperationTypeSetOptions:
		return setOptionsResult(xdr.SetOptionsResultCodeSetOptionsSuccess)
	default:
		return opCodeResult(xdr.OperationResultCodeOpNotSupported)
	}
}

// checkOperation authorizes op against its source account and checks its
// static fields. The outcome is written to result.
func checkOperation(checker *signature.Checker, ltx ledger.Txn, op xdr.Operation, sourceID xdr.AccountId, result *xdr.OperationResult) (bool, error) {
	if !operationSupported(op) {
		*result = opCodeResult(xdr.OperationResultCodeOpNotSupported)
		return false, nil
	}
	source, ok, err := ltx.LoadAccount(sourceID)
	if err != nil {
		return false, err
	}
	if !ok {
		*result = opCodeResult(xdr.OperationResultCodeOpNoAccount)
		return false, nil
	}
	if !checker.CheckSignature(signature.AccountSigners(source), operationThreshold(op, source)) {
		*result = opCodeResult(xdr.OperationResultCodeOpBadAuth)
		return false, nil
	}
	return checkOperationFields(op, sourceID, result), nil
}

func checkOperationFields(op xdr.Operation, sourceID xdr.AccountId, result *xdr.OperationResult) bool {
	switch op.Body.Type {
	case xdr.OperationTypeCreateAccount:
		create := op.Body.CreateAccountOp
		if create.StartingBalance <= 0 || create.Destination.Equals(sourceID) {
			*result = createAccountResult(xdr.CreateAccountResultCodeCreateAccountMalformed)
			return false
		}
	case xdr.OperationTypePayment:
		if op.Body.PaymentOp.Amount <= 0 {
			*result = paymentResult(xdr.PaymentResultCodePaymentMalformed)
			return false
		}
	case xdr.OperationTypeBumpSequence:
		if op.Body.BumpSequenceOp.BumpTo < 0 {
			*result = bumpSequenceResult(xdr.BumpSequenceResultCodeBumpSequenceBadSeq)
			return false
		}
	case xdr.OperationTypeSetOptions:
		set := op.Body.SetOptionsOp
		for _, t := range []*xdr.Uint32{set.MasterWeight, set.LowThreshold, set.MedThreshold, set.HighThreshold} {
			if t != nil && *t > maxThreshold {
				*result = setOptionsResult(xdr.SetOptionsResultCodeSetOptionsThresholdOutOfRange)
				return false
			}
		}
		if set.Signer != nil {
			if set.Signer.Weight > signature.MaxSignerWeight || isMasterKey(set.Signer.Key, sourceID) {
				*result = setOptionsResult(xdr.SetOptionsResultCodeSetOptionsBadSigner)
				return false
			}
		}
	}
	return true
}

func isMasterKey(key xdr.SignerKey, id xdr.AccountId) bool {
	return key.Type == xdr.SignerKeyTypeSignerKeyTypeEd25519 && *key.Ed25519 == *id.Ed25519
}

// applyOperation executes op inside ltx. A false return with a nil error is
// an operation failure described by result.
func applyOperation(ltx ledger.Txn, op xdr.Operation, sourceID xdr.AccountId, result *xdr.OperationResult) (bool, error) {
	source, ok, err := ltx.LoadAccount(sourceID)
	if err != nil {
		return false, err
	}
	if !ok {
		*result = opCodeResult(xdr.OperationResultCodeOpNoAccount)
		return false, nil
	}
	header := ltx.Header()
	*result = successResult(op)

	switch op.Body.Type {
	case xdr.OperationTypeCreateAccount:
		return applyCreateAccount(ltx, header, source, *op.Body.CreateAccountOp, result)
	case xdr.OperationTypePayment:
		return applyPayment(ltx, header, source, *op.Body.PaymentOp, result)
	case xdr.OperationTypeBumpSequence:
		bumpTo := op.Body.BumpSequenceOp.BumpTo
		if bumpTo > source.SeqNum {
			source.SeqNum = bumpTo
			return true, ltx.StoreAccount(source)
		}
		return true, nil
	case xdr.OperationTypeSetOptions:
		return applySetOptions(ltx, header, source, *op.Body.SetOptionsOp, result)
	default:
		*result = opCodeResult(xdr.OperationResultCodeOpNotSupported)
		return false, nil
	}
}

func applyCreateAccount(ltx ledger.Txn, header xdr.LedgerHeader, source xdr.AccountEntry, op xdr.CreateAccountOp, result *xdr.OperationResult) (bool, error) {
	_, exists, err := ltx.LoadAccount(op.Destination)
	if err != nil {
		return false, err
	}
	switch {
	case exists:
		*result = createAccountResult(xdr.CreateAccountResultCodeCreateAccountAlreadyExist)
		return false, nil
	case int64(op.StartingBalance) < 2*int64(header.BaseReserve):
		*result = createAccountResult(xdr.CreateAccountResultCodeCreateAccountLowReserve)
		return false, nil
	case availableBalance(header, source) < int64(op.StartingBalance):
		*result = createAccountResult(xdr.CreateAccountResultCodeCreateAccountUnderfunded)
		return false, nil
	}

	source.Balance -= op.StartingBalance
	if err := ltx.StoreAccount(source); err != nil {
		return false, err
	}
	created := xdr.AccountEntry{
		AccountId:  op.Destination,
		Balance:    op.StartingBalance,
		SeqNum:     xdr.SequenceNumber(int64(header.LedgerSeq) << 32),
		Thresholds: xdr.Thresholds{1, 0, 0, 0},
	}
	return true, ltx.StoreAccount(created)
}

func applyPayment(ltx ledger.Txn, header xdr.LedgerHeader, source xdr.AccountEntry, op xdr.PaymentOp, result *xdr.OperationResult) (bool, error) {
	destID := op.Destination.ToAccountId()
	if destID.Equals(source.AccountId) {
		return true, nil
	}
	dest, ok, err := ltx.LoadAccount(destID)
	if err != nil {
		return false, err
	}
	switch {
	case !ok:
		*result = paymentResult(xdr.PaymentResultCodePaymentNoDestination)
		return false, nil
	case availableBalance(header, source) < int64(op.Amount):
		*result = paymentResult(xdr.PaymentResultCodePaymentUnderfunded)
		return false, nil
	case int64(dest.Balance) > math.MaxInt64-int64(op.Amount):
		*result = paymentResult(xdr.PaymentResultCodePaymentLineFull)
		return false, nil
	}

	source.Balance -= op.Amount
	dest.Balance += op.Amount
	if err := ltx.StoreAccount(source); err != nil {
		return false, err
	}
	return true, ltx.StoreAccount(dest)
}

func applySetOptions(ltx ledger.Txn, header xdr.LedgerHeader, source xdr.AccountEntry, op xdr.SetOptionsOp, result *xdr.OperationResult) (bool, error) {
	if op.MasterWeight != nil {
		source.Thresholds[xdr.ThresholdIndexesThresholdMasterWeight] = byte(*op.MasterWeight)
	}
	if op.LowThreshold != nil {
		source.Thresholds[xdr.ThresholdIndexesThresholdLow] = byte(*op.LowThreshold)
	}
	if op.MedThreshold != nil {
		source.Thresholds[xdr.ThresholdIndexesThresholdMed] = byte(*op.MedThreshold)
	}
	if op.HighThreshold != nil {
		source.Thresholds[xdr.ThresholdIndexesThresholdHigh] = byte(*op.HighThreshold)
	}

	if signer := op.Signer; signer != nil {
		switch {
		case signer.Weight == 0:
			removeSigner(&source, signer.Key)
		case updateSignerWeight(&source, *signer):
		default:
			if len(source.Signers) >= txbridge.MaxSignatures {
				*result = setOptionsResult(xdr.SetOptionsResultCodeSetOptionsTooManySigners)
				return false, nil
			}
			if int64(source.Balance) < minBalance(header, source, 1) {
				*result = setOptionsResult(xdr.SetOptionsResultCodeSetOptionsLowReserve)
				return false, nil
			}
			source.Signers = append(source.Signers, *signer)
			source.NumSubEntries++
		}
	}
	return true, ltx.StoreAccount(source)
}

func updateSignerWeight(account *xdr.AccountEntry, signer xdr.Signer) bool {
	for i := range account.Signers {
		if signerKeysEqual(account.Signers[i].Key, signer.Key) {
			account.Signers[i].Weight = signer.Weight
			return true
		}
	}
	return false
}
