package transactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

const startingBalance = 1_000_000_000

func newRoot(t *testing.T, header xdr.LedgerHeader, accounts ...xdr.AccountEntry) *ledger.Root {
	root := ledger.NewRoot(header, nil)
	for _, account := range accounts {
		require.NoError(t, root.Seed(xdr.LedgerEntry{
			Data: xdr.LedgerEntryData{Type: xdr.LedgerEntryTypeAccount, Account: &account},
		}))
	}
	return root
}

func loadAccount(t *testing.T, root *ledger.Root, kp keypair.KP) xdr.AccountEntry {
	account, ok := root.LoadAccount(txtest.AccountID(kp))
	require.True(t, ok, "account %s missing", kp.Address())
	return account
}

func mustFeeBump(t *testing.T, env xdr.TransactionEnvelope, opts ...Option) *FeeBumpFrame {
	frame, err := NewFeeBumpFrame(txtest.NetworkID, env, opts...)
	require.NoError(t, err)
	return frame
}

// countingTxn counts account loads through it and every child it opens.
type countingTxn struct {
	ledger.Txn
	loads *int
}

func (c countingTxn) LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool, error) {
	*c.loads++
	return c.Txn.LoadAccount(id)
}

func (c countingTxn) NewChild() (ledger.Txn, error) {
	child, err := c.Txn.NewChild()
	if err != nil {
		return nil, err
	}
	return countingTxn{Txn: child, loads: c.loads}, nil
}

type feeBumpScenario struct {
	feeSource, source, dest *keypair.Full
	root                    *ledger.Root
	inner                   xdr.TransactionEnvelope
}

// newScenario funds a fee source, an inner source at sequence 5 and a
// payment destination. The inner transaction pays 1000 stroops with a fee of
// 100 for its single operation.
func newScenario(t *testing.T) *feeBumpScenario {
	s := &feeBumpScenario{
		feeSource: keypair.MustRandom(),
		source:    keypair.MustRandom(),
		dest:      keypair.MustRandom(),
	}
	s.root = newRoot(t, txtest.Header(10, 1000),
		txtest.Account(s.feeSource, startingBalance, 1),
		txtest.Account(s.source, startingBalance, 5),
		txtest.Account(s.dest, startingBalance, 1),
	)
	s.inner = txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 1000)).Sign(s.source).MustBuild()
	return s
}

func (s *feeBumpScenario) feeBump(t *testing.T, bid int64, signers ...*keypair.Full) *FeeBumpFrame {
	env := txtest.NewFeeBump(s.feeSource, bid, s.inner).Sign(signers...).MustBuild()
	return mustFeeBump(t, env)
}

func (s *feeBumpScenario) checkValid(t *testing.T, frame Frame, fullCheck bool) bool {
	ltx, err := s.root.NewChild()
	require.NoError(t, err)
	defer ltx.Rollback()
	ok, err := frame.CheckValid(ltx, 0, 0, 0, fullCheck)
	require.NoError(t, err)
	return ok
}

func (s *feeBumpScenario) apply(t *testing.T, frame Frame) (bool, xdr.TransactionMeta) {
	ltx, err := s.root.NewChild()
	require.NoError(t, err)
	header := ltx.Header()
	require.NoError(t, frame.ProcessFeeSeqNum(ltx, int64(header.BaseFee)))
	var meta xdr.TransactionMeta
	ok, err := frame.Apply(ltx, &meta)
	require.NoError(t, err)
	require.NoError(t, ltx.Commit())
	return ok, meta
}

func TestFeeBumpEndToEnd(t *testing.T) {
	s := newScenario(t)

	// one inner operation plus the bump itself at a base fee of 100
	low := s.feeBump(t, 150, s.feeSource)
	assert.Equal(t, uint32(2), low.NumOperations())
	assert.Equal(t, int64(200), low.MinFee(s.root.Header()))
	assert.False(t, s.checkValid(t, low, false))
	assert.Equal(t, xdr.TransactionResultCodeTxInsufficientFee, low.ResultCode())
	assert.Equal(t, xdr.Int64(200), low.Result().FeeCharged)
	assert.Equal(t, Invalid, low.Validity())
	assert.Zero(t, low.SignatureChecks())

	assert.False(t, s.checkValid(t, low, true))
	assert.Equal(t, xdr.TransactionResultCodeTxInsufficientFee, low.ResultCode())
	assert.Zero(t, low.SignatureChecks())

	frame := s.feeBump(t, 250, s.feeSource)
	assert.True(t, s.checkValid(t, frame, true))
	assert.Equal(t, FullyValid, frame.Validity())
	assert.Equal(t, xdr.TransactionResultCodeTxFeeBumpInnerSuccess, frame.ResultCode())

	ok, meta := s.apply(t, frame)
	require.True(t, ok)
	result := frame.Result()
	assert.Equal(t, xdr.Int64(200), result.FeeCharged)
	assert.Equal(t, xdr.TransactionResultCodeTxFeeBumpInnerSuccess, result.Result.Code)
	require.NotNil(t, result.Result.InnerResultPair)
	assert.Equal(t, frame.Inner().ContentsHash(), result.Result.InnerResultPair.TransactionHash)
	assert.Equal(t, xdr.TransactionResultCodeTxSuccess, result.Result.InnerResultPair.Result.Result.Code)
	assert.Zero(t, result.Result.InnerResultPair.Result.FeeCharged)
	_, err := result.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, xdr.Int64(startingBalance-200), loadAccount(t, s.root, s.feeSource).Balance)
	source := loadAccount(t, s.root, s.source)
	assert.Equal(t, xdr.Int64(startingBalance-1000), source.Balance)
	assert.Equal(t, xdr.SequenceNumber(6), source.SeqNum)
	assert.Equal(t, xdr.Int64(startingBalance+1000), loadAccount(t, s.root, s.dest).Balance)
	assert.Equal(t, xdr.Int64(200), s.root.Header().FeePool)

	require.NotNil(t, meta.V2)
	assert.Len(t, meta.V2.Operations, 1)
	assert.NotEmpty(t, meta.V2.TxChangesBefore)
}

func TestFeeBumpWithoutFullCheckTouchesNoAccounts(t *testing.T) {
	s := newScenario(t)
	empty := newRoot(t, txtest.Header(10, 1000))
	frame := s.feeBump(t, 250, s.feeSource)

	ltx, err := empty.NewChild()
	require.NoError(t, err)
	defer ltx.Rollback()
	loads := 0
	ok, err := frame.CheckValid(countingTxn{Txn: ltx, loads: &loads}, 0, 0, 0, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, loads)
	assert.Zero(t, frame.SignatureChecks())
	assert.Equal(t, FullyValid, frame.Validity())
}

func TestFeeBumpProtocolGate(t *testing.T) {
	s := newScenario(t)
	header := txtest.Header(10, 1000)
	header.LedgerVersion = FeeBumpProtocolVersion - 1
	s.root = newRoot(t, header, txtest.Account(s.feeSource, startingBalance, 1))

	frame := s.feeBump(t, 250, s.feeSource)
	assert.False(t, s.checkValid(t, frame, false))
	assert.Equal(t, xdr.TransactionResultCodeTxNotSupported, frame.ResultCode())
}

func TestFeeBumpFeeRate(t *testing.T) {
	s := newScenario(t)
	s.inner = txtest.NewV1(s.source, 6, 1000, txtest.Payment(s.dest, 1000)).Sign(s.source).MustBuild()

	// 300/200 is below the inner rate of 1000/100
	frame := s.feeBump(t, 300, s.feeSource)
	assert.False(t, s.checkValid(t, frame, false))
	assert.Equal(t, xdr.TransactionResultCodeTxInsufficientFee, frame.ResultCode())
	assert.Equal(t, xdr.Int64(2000), frame.Result().FeeCharged)

	frame = s.feeBump(t, 2000, s.feeSource)
	assert.True(t, s.checkValid(t, frame, true))
}

func TestCeilDiv128(t *testing.T) {
	assert.Equal(t, int64(3), ceilDiv128(0, 7, 3))
	assert.Equal(t, int64(2), ceilDiv128(0, 6, 3))
	assert.Equal(t, int64(1<<62), ceilDiv128(1, 0, 4))
	assert.Equal(t, int64(9223372036854775807), ceilDiv128(5, 0, 5))
	assert.Equal(t, int64(9223372036854775807), ceilDiv128(0, 1, 0))
}

func TestFeeBumpFailures(t *testing.T) {
	stranger := keypair.MustRandom()
	for _, tc := range []struct {
		name     string
		prepare  func(s *feeBumpScenario)
		signers  func(s *feeBumpScenario) []*keypair.Full
		code     xdr.TransactionResultCode
		innerErr xdr.TransactionResultCode
	}{
		{
			name: "missing fee source",
			prepare: func(s *feeBumpScenario) {
				s.root = newRoot(t, txtest.Header(10, 1000), txtest.Account(s.source, startingBalance, 5))
			},
			signers: func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{s.feeSource} },
			code:    xdr.TransactionResultCodeTxNoAccount,
		},
		{
			name:    "wrong signer",
			signers: func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{stranger} },
			code:    xdr.TransactionResultCodeTxBadAuth,
		},
		{
			name:    "unused extra signature",
			signers: func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{s.feeSource, stranger} },
			code:    xdr.TransactionResultCodeTxBadAuthExtra,
		},
		{
			name: "fee source below reserve",
			prepare: func(s *feeBumpScenario) {
				s.root = newRoot(t, txtest.Header(10, 1000),
					txtest.Account(s.feeSource, 2*txtest.BaseReserve+100, 1),
					txtest.Account(s.source, startingBalance, 5),
				)
			},
			signers: func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{s.feeSource} },
			code:    xdr.TransactionResultCodeTxInsufficientBalance,
		},
		{
			name: "inner bad sequence",
			prepare: func(s *feeBumpScenario) {
				s.inner = txtest.NewV1(s.source, 9, 100, txtest.Payment(s.dest, 1000)).Sign(s.source).MustBuild()
			},
			signers:  func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{s.feeSource} },
			code:     xdr.TransactionResultCodeTxFeeBumpInnerFailed,
			innerErr: xdr.TransactionResultCodeTxBadSeq,
		},
		{
			name: "inner unsigned",
			prepare: func(s *feeBumpScenario) {
				s.inner = txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 1000)).MustBuild()
			},
			signers:  func(s *feeBumpScenario) []*keypair.Full { return []*keypair.Full{s.feeSource} },
			code:     xdr.TransactionResultCodeTxFeeBumpInnerFailed,
			innerErr: xdr.TransactionResultCodeTxBadAuth,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newScenario(t)
			if tc.prepare != nil {
				tc.prepare(s)
			}
			frame := s.feeBump(t, 250, tc.signers(s)...)
			assert.False(t, s.checkValid(t, frame, true))
			assert.Equal(t, tc.code, frame.ResultCode())
			assert.Equal(t, Invalid, frame.Validity())
			if tc.innerErr != 0 {
				pair := frame.Result().Result.InnerResultPair
				require.NotNil(t, pair)
				assert.Equal(t, tc.innerErr, pair.Result.Result.Code)
			}
			_, err := frame.Result().MarshalBinary()
			require.NoError(t, err)
		})
	}
}

func TestFeeBumpInnerHeaderChecksWithoutFullCheck(t *testing.T) {
	s := newScenario(t)
	s.inner = txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 1000)).
		SetMaxTime(999).Sign(s.source).MustBuild()

	frame := s.feeBump(t, 250, s.feeSource)
	assert.False(t, s.checkValid(t, frame, false))
	assert.Equal(t, xdr.TransactionResultCodeTxFeeBumpInnerFailed, frame.ResultCode())
	assert.Equal(t, xdr.TransactionResultCodeTxTooLate, frame.Result().Result.InnerResultPair.Result.Result.Code)
	assert.Zero(t, frame.SignatureChecks())
}

func TestFeeBumpInvalidPostAuthRemovesOneTimeSigner(t *testing.T) {
	s := newScenario(t)
	env := txtest.NewFeeBump(s.feeSource, 250, s.inner).MustBuild()
	frame := mustFeeBump(t, env)

	feeSource := txtest.Account(s.feeSource, 3*txtest.BaseReserve+100, 1)
	feeSource.Signers = []xdr.Signer{txtest.PreAuthSigner(frame.ContentsHash(), 1)}
	feeSource.NumSubEntries = 1
	s.root = newRoot(t, txtest.Header(10, 1000), feeSource, txtest.Account(s.source, startingBalance, 5))

	ltx, err := s.root.NewChild()
	require.NoError(t, err)
	ok, err := frame.CheckValid(ltx, 0, 0, 0, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, InvalidPostAuth, frame.Validity())
	assert.Equal(t, xdr.TransactionResultCodeTxInsufficientBalance, frame.ResultCode())

	account, found, err := ltx.LoadAccount(txtest.AccountID(s.feeSource))
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, account.Signers)
	assert.Equal(t, xdr.Uint32(0), account.NumSubEntries)
	ltx.Rollback()

	// nothing was committed
	assert.Len(t, loadAccount(t, s.root, s.feeSource).Signers, 1)
}

func TestFeeBumpApplyConsumesOneTimeSigner(t *testing.T) {
	s := newScenario(t)
	env := txtest.NewFeeBump(s.feeSource, 250, s.inner).MustBuild()
	frame := mustFeeBump(t, env)

	feeSource := txtest.Account(s.feeSource, startingBalance, 1)
	feeSource.Signers = []xdr.Signer{txtest.PreAuthSigner(frame.ContentsHash(), 1)}
	feeSource.NumSubEntries = 1
	s.root = newRoot(t, txtest.Header(10, 1000),
		feeSource,
		txtest.Account(s.source, startingBalance, 5),
		txtest.Account(s.dest, startingBalance, 1),
	)

	assert.True(t, s.checkValid(t, frame, true))
	ok, meta := s.apply(t, frame)
	require.True(t, ok)
	account := loadAccount(t, s.root, s.feeSource)
	assert.Empty(t, account.Signers)
	assert.Equal(t, xdr.Uint32(0), account.NumSubEntries)
	assert.NotEmpty(t, meta.V2.TxChangesBefore)
}

func TestFeeBumpApplyInnerFailureStillCharges(t *testing.T) {
	s := newScenario(t)
	missing := keypair.MustRandom()
	s.inner = txtest.NewV1(s.source, 6, 100, txtest.Payment(missing, 1000)).Sign(s.source).MustBuild()
	frame := s.feeBump(t, 250, s.feeSource)

	ok, meta := s.apply(t, frame)
	assert.False(t, ok)
	assert.Equal(t, xdr.TransactionResultCodeTxFeeBumpInnerFailed, frame.ResultCode())
	inner := frame.Result().Result.InnerResultPair.Result
	assert.Equal(t, xdr.TransactionResultCodeTxFailed, inner.Result.Code)
	require.NotNil(t, inner.Result.Results)
	assert.Equal(t, xdr.PaymentResultCodePaymentNoDestination, (*inner.Result.Results)[0].Tr.PaymentResult.Code)
	assert.Empty(t, meta.V2.Operations)

	assert.Equal(t, xdr.Int64(startingBalance-200), loadAccount(t, s.root, s.feeSource).Balance)
	source := loadAccount(t, s.root, s.source)
	assert.Equal(t, xdr.Int64(startingBalance), source.Balance)
	assert.Equal(t, xdr.SequenceNumber(6), source.SeqNum)
}

type flatFeePolicy int64

func (p flatFeePolicy) MaxChargeable(xdr.LedgerHeader, int64, uint32) int64 { return int64(p) }

func TestFeeBumpCharging(t *testing.T) {
	s := newScenario(t)
	header := s.root.Header()
	env := txtest.NewFeeBump(s.feeSource, 150, s.inner).Sign(s.feeSource).MustBuild()

	frame := mustFeeBump(t, env)
	assert.Equal(t, int64(200), frame.Fee(header, 100, false))
	assert.Equal(t, int64(150), frame.Fee(header, 100, true))
	assert.Equal(t, int64(100), frame.Fee(header, 50, true))

	capped := mustFeeBump(t, env, WithFeePolicy(flatFeePolicy(120)))
	assert.Equal(t, int64(120), capped.Fee(header, 100, true))

	// the charge never exceeds the balance
	s.root = newRoot(t, header, txtest.Account(s.feeSource, 60, 1))
	ltx, err := s.root.NewChild()
	require.NoError(t, err)
	require.NoError(t, frame.ProcessFeeSeqNum(ltx, 100))
	require.NoError(t, ltx.Commit())
	assert.Equal(t, xdr.Int64(60), frame.Result().FeeCharged)
	assert.Equal(t, xdr.Int64(0), loadAccount(t, s.root, s.feeSource).Balance)
	assert.Equal(t, xdr.Int64(60), s.root.Header().FeePool)
}

func TestSurgePricingPolicy(t *testing.T) {
	header := txtest.Header(2, 10)
	for _, tc := range []struct {
		baseFee  int64
		numOps   uint32
		expected int64
	}{
		{100, 0, 100},
		{100, 1, 100},
		{100, 3, 300},
		{250, 2, 500},
		{0, 4, 0},
	} {
		assert.Equal(t, tc.expected, SurgePricingPolicy{}.MaxChargeable(header, tc.baseFee, tc.numOps),
			"baseFee %d, numOps %d", tc.baseFee, tc.numOps)
	}

	// a fee bump over one operation is charged for two
	s := newScenario(t)
	env := txtest.NewFeeBump(s.feeSource, 1000, s.inner).Sign(s.feeSource).MustBuild()
	frame := mustFeeBump(t, env)
	require.Equal(t, uint32(2), frame.NumOperations())
	assert.Equal(t, SurgePricingPolicy{}.MaxChargeable(header, 100, 2), frame.Fee(header, 100, true))
}

func TestFeeBumpHashes(t *testing.T) {
	s := newScenario(t)
	env := txtest.NewFeeBump(s.feeSource, 250, s.inner).Sign(s.feeSource).MustBuild()
	frame := mustFeeBump(t, env)
	again := mustFeeBump(t, env)
	assert.Equal(t, frame.ContentsHash(), again.ContentsHash())
	assert.Equal(t, frame.FullHash(), again.FullHash())

	innerHash, err := txbridge.FullHash(s.inner)
	require.NoError(t, err)
	assert.Equal(t, innerHash, frame.InnerFullHash())
	assert.NotEqual(t, frame.FullHash(), frame.InnerFullHash())

	// signatures are part of the full hash only
	unsigned := mustFeeBump(t, txtest.NewFeeBump(s.feeSource, 250, s.inner).MustBuild())
	assert.Equal(t, frame.ContentsHash(), unsigned.ContentsHash())
	assert.NotEqual(t, frame.FullHash(), unsigned.FullHash())

	otherNetwork, err := NewFeeBumpFrame(xdr.Hash(network.ID(network.PublicNetworkPassphrase)), env)
	require.NoError(t, err)
	assert.NotEqual(t, frame.ContentsHash(), otherNetwork.ContentsHash())
	assert.Equal(t, frame.FullHash(), otherNetwork.FullHash())
}

func TestFeeBumpKeys(t *testing.T) {
	s := newScenario(t)
	frame := s.feeBump(t, 250, s.feeSource)

	fee := ledger.NewKeySet()
	frame.KeysForFeeProcessing(fee)
	assert.Equal(t, 1, fee.Len())
	assert.True(t, fee.Has(ledger.AccountKey(txtest.AccountID(s.feeSource))))

	apply := ledger.NewKeySet()
	frame.KeysForApply(apply)
	for _, kp := range []keypair.KP{s.feeSource, s.source, s.dest} {
		assert.True(t, apply.Has(ledger.AccountKey(txtest.AccountID(kp))))
	}

	assert.Equal(t, txtest.AccountID(s.feeSource), frame.FeeSourceID())
	assert.Equal(t, txtest.AccountID(s.source), frame.SourceID())
	assert.Equal(t, xdr.SequenceNumber(6), frame.SeqNum())
}

func TestMakeFromWire(t *testing.T) {
	s := newScenario(t)

	legacy := txtest.NewV0(s.source, 6, 100, txtest.Payment(s.dest, 1)).Sign(s.source).MustBuild()
	frame, err := MakeFromWire(txtest.NetworkID, legacy)
	require.NoError(t, err)
	require.IsType(t, &TransactionFrame{}, frame)
	assert.Equal(t, xdr.EnvelopeTypeEnvelopeTypeTxV0, frame.Envelope().Type)
	upgraded, err := MakeFromWire(txtest.NetworkID, txbridge.UpgradeLegacy(legacy))
	require.NoError(t, err)
	assert.Equal(t, upgraded.ContentsHash(), frame.ContentsHash())

	bump, err := MakeFromWire(txtest.NetworkID, txtest.NewFeeBump(s.feeSource, 250, s.inner).MustBuild())
	require.NoError(t, err)
	require.IsType(t, &FeeBumpFrame{}, bump)

	msg := bump.ToStellarMessage()
	assert.Equal(t, xdr.MessageTypeTransaction, msg.Type)
	require.NotNil(t, msg.Transaction)
	assert.Equal(t, xdr.EnvelopeTypeEnvelopeTypeTxFeeBump, msg.Transaction.Type)

	_, err = MakeFromWire(txtest.NetworkID, xdr.TransactionEnvelope{Type: xdr.EnvelopeTypeEnvelopeTypeTx})
	assert.ErrorIs(t, err, txbridge.ErrMalformedEnvelope)
}
