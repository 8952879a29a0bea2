package transactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

type plainScenario struct {
	source, dest *keypair.Full
	root         *ledger.Root
}

func newPlainScenario(t *testing.T, sourceBalance int64) *plainScenario {
	s := &plainScenario{source: keypair.MustRandom(), dest: keypair.MustRandom()}
	s.root = newRoot(t, txtest.Header(10, 1000),
		txtest.Account(s.source, sourceBalance, 5),
		txtest.Account(s.dest, startingBalance, 1),
	)
	return s
}

func mustFrame(t *testing.T, env xdr.TransactionEnvelope) *TransactionFrame {
	frame, err := NewTransactionFrame(txtest.NetworkID, env)
	require.NoError(t, err)
	return frame
}

func checkValid(t *testing.T, root *ledger.Root, frame Frame, lower, upper uint64) bool {
	ltx, err := root.NewChild()
	require.NoError(t, err)
	defer ltx.Rollback()
	ok, err := frame.CheckValid(ltx, 0, lower, upper, true)
	require.NoError(t, err)
	return ok
}

func applyFrame(t *testing.T, root *ledger.Root, frame Frame) (bool, xdr.TransactionMeta) {
	ltx, err := root.NewChild()
	require.NoError(t, err)
	require.NoError(t, frame.ProcessFeeSeqNum(ltx, txtest.BaseFee))
	var meta xdr.TransactionMeta
	ok, err := frame.Apply(ltx, &meta)
	require.NoError(t, err)
	require.NoError(t, ltx.Commit())
	_, err = meta.MarshalBinary()
	require.NoError(t, err)
	result := frame.Result()
	_, err = result.MarshalBinary()
	require.NoError(t, err)
	return ok, meta
}

func TestTransactionValidity(t *testing.T) {
	stranger := keypair.MustRandom()
	minSeq := xdr.SequenceNumber(3)

	for _, tc := range []struct {
		name    string
		balance int64
		build   func(s *plainScenario) xdr.TransactionEnvelope
		lower   uint64
		valid   bool
		code    xdr.TransactionResultCode
	}{
		{
			name: "valid",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).Sign(s.source).MustBuild()
			},
			valid: true,
			code:  xdr.TransactionResultCodeTxSuccess,
		},
		{
			name: "legacy envelope",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV0(s.source, 6, 100, txtest.Payment(s.dest, 10)).Sign(s.source).MustBuild()
			},
			valid: true,
			code:  xdr.TransactionResultCodeTxSuccess,
		},
		{
			name: "bad sequence",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 7, 100, txtest.Payment(s.dest, 10)).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxBadSeq,
		},
		{
			name: "relaxed sequence",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 9, 100, txtest.Payment(s.dest, 10)).
					SetGeneralPrecond(xdr.PreconditionsV2{MinSeqNum: &minSeq}).
					Sign(s.source).MustBuild()
			},
			valid: true,
			code:  xdr.TransactionResultCodeTxSuccess,
		},
		{
			name: "sequence age",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).
					SetGeneralPrecond(xdr.PreconditionsV2{MinSeqAge: 10}).
					Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxNotSupported,
		},
		{
			name: "too early",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).SetMinTime(2000).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxTooEarly,
		},
		{
			name: "lower bound offset",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).SetMinTime(2000).Sign(s.source).MustBuild()
			},
			lower: 1000,
			valid: true,
			code:  xdr.TransactionResultCodeTxSuccess,
		},
		{
			name: "no operations",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxMissingOperation,
		},
		{
			name: "fee below minimum",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 150, txtest.Payment(s.dest, 10), txtest.Payment(s.dest, 10)).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxInsufficientFee,
		},
		{
			name:    "balance below fee",
			balance: 2*txtest.BaseReserve + 50,
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxInsufficientBalance,
		},
		{
			name: "unsigned",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).MustBuild()
			},
			code: xdr.TransactionResultCodeTxBadAuth,
		},
		{
			name: "extra signature",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).Sign(s.source, stranger).MustBuild()
			},
			code: xdr.TransactionResultCodeTxBadAuthExtra,
		},
		{
			name: "missing extra signer",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).
					SetGeneralPrecond(xdr.PreconditionsV2{ExtraSigners: []xdr.SignerKey{txtest.Ed25519Signer(stranger, 1).Key}}).
					Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxBadAuth,
		},
		{
			name: "extra signer present",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				return txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).
					SetGeneralPrecond(xdr.PreconditionsV2{ExtraSigners: []xdr.SignerKey{txtest.Ed25519Signer(stranger, 1).Key}}).
					Sign(s.source, stranger).MustBuild()
			},
			valid: true,
			code:  xdr.TransactionResultCodeTxSuccess,
		},
		{
			name: "unsupported operation",
			build: func(s *plainScenario) xdr.TransactionEnvelope {
				manageData := xdr.Operation{Body: xdr.OperationBody{
					Type:         xdr.OperationTypeManageData,
					ManageDataOp: &xdr.ManageDataOp{DataName: "key"},
				}}
				return txtest.NewV1(s.source, 6, 100, manageData).Sign(s.source).MustBuild()
			},
			code: xdr.TransactionResultCodeTxFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			balance := tc.balance
			if balance == 0 {
				balance = startingBalance
			}
			s := newPlainScenario(t, balance)
			frame := mustFrame(t, tc.build(s))
			assert.Equal(t, tc.valid, checkValid(t, s.root, frame, tc.lower, 0))
			assert.Equal(t, tc.code, frame.ResultCode())
			if tc.valid {
				assert.Equal(t, FullyValid, frame.Validity())
			} else {
				assert.Equal(t, Invalid, frame.Validity())
			}
			result := frame.Result()
			_, err := result.MarshalBinary()
			require.NoError(t, err)
		})
	}
}

func TestOperationSourceMustExist(t *testing.T) {
	s := newPlainScenario(t, startingBalance)
	missing := keypair.MustRandom()
	op := txtest.Payment(s.dest, 10)
	muxed := txtest.MuxedAccount(missing)
	op.SourceAccount = &muxed

	frame := mustFrame(t, txtest.NewV1(s.source, 6, 100, op).Sign(s.source).MustBuild())
	assert.False(t, checkValid(t, s.root, frame, 0, 0))
	assert.Equal(t, xdr.TransactionResultCodeTxFailed, frame.ResultCode())
	results := *frame.Result().Result.Results
	assert.Equal(t, xdr.OperationResultCodeOpNoAccount, results[0].Code)
}

func TestApplyOperations(t *testing.T) {
	s := newPlainScenario(t, startingBalance)
	created, signer := keypair.MustRandom(), keypair.MustRandom()
	env := txtest.NewV1(s.source, 6, 400,
		txtest.CreateAccount(created, 2*txtest.BaseReserve),
		txtest.Payment(s.dest, 1000),
		txtest.AddSigner(txtest.Ed25519Signer(signer, 1)),
		txtest.BumpSequence(100),
	).Sign(s.source).MustBuild()
	frame := mustFrame(t, env)
	assert.True(t, checkValid(t, s.root, frame, 0, 0))

	ok, meta := applyFrame(t, s.root, frame)
	require.True(t, ok)
	assert.Equal(t, xdr.TransactionResultCodeTxSuccess, frame.ResultCode())
	assert.Equal(t, xdr.Int64(400), frame.Result().FeeCharged)
	assert.Len(t, meta.V2.Operations, 4)

	source := loadAccount(t, s.root, s.source)
	assert.Equal(t, xdr.Int64(startingBalance-400-2*txtest.BaseReserve-1000), source.Balance)
	assert.Equal(t, xdr.SequenceNumber(100), source.SeqNum)
	assert.Equal(t, xdr.Uint32(1), source.NumSubEntries)
	require.Len(t, source.Signers, 1)
	assert.Equal(t, txtest.Ed25519Signer(signer, 1), source.Signers[0])

	newAccount := loadAccount(t, s.root, created)
	assert.Equal(t, xdr.Int64(2*txtest.BaseReserve), newAccount.Balance)
	assert.Equal(t, xdr.SequenceNumber(10<<32), newAccount.SeqNum)
	assert.Equal(t, xdr.Int64(startingBalance+1000), loadAccount(t, s.root, s.dest).Balance)
	assert.Equal(t, xdr.Int64(400), s.root.Header().FeePool)
}

func TestApplyIsAtomic(t *testing.T) {
	s := newPlainScenario(t, startingBalance)
	missing := keypair.MustRandom()
	env := txtest.NewV1(s.source, 6, 200,
		txtest.Payment(s.dest, 1000),
		txtest.Payment(missing, 1000),
	).Sign(s.source).MustBuild()
	frame := mustFrame(t, env)

	ok, meta := applyFrame(t, s.root, frame)
	assert.False(t, ok)
	assert.Equal(t, xdr.TransactionResultCodeTxFailed, frame.ResultCode())
	results := *frame.Result().Result.Results
	assert.Equal(t, xdr.PaymentResultCodePaymentSuccess, results[0].Tr.PaymentResult.Code)
	assert.Equal(t, xdr.PaymentResultCodePaymentNoDestination, results[1].Tr.PaymentResult.Code)
	assert.Empty(t, meta.V2.Operations)

	// the fee and the sequence number are consumed anyway
	source := loadAccount(t, s.root, s.source)
	assert.Equal(t, xdr.Int64(startingBalance-200), source.Balance)
	assert.Equal(t, xdr.SequenceNumber(6), source.SeqNum)
	assert.Equal(t, xdr.Int64(startingBalance), loadAccount(t, s.root, s.dest).Balance)
}

func TestApplyConsumesPreAuthSigner(t *testing.T) {
	s := newPlainScenario(t, startingBalance)
	env := txtest.NewV1(s.source, 6, 100, txtest.Payment(s.dest, 10)).MustBuild()
	frame := mustFrame(t, env)

	source := txtest.Account(s.source, startingBalance, 5)
	source.Signers = []xdr.Signer{txtest.PreAuthSigner(frame.ContentsHash(), 1)}
	source.NumSubEntries = 1
	s.root = newRoot(t, txtest.Header(10, 1000), source, txtest.Account(s.dest, startingBalance, 1))

	ok, _ := applyFrame(t, s.root, frame)
	require.True(t, ok)
	account := loadAccount(t, s.root, s.source)
	assert.Empty(t, account.Signers)
	assert.Equal(t, xdr.Uint32(0), account.NumSubEntries)
}

func TestTransactionFee(t *testing.T) {
	s := newPlainScenario(t, startingBalance)
	header := s.root.Header()
	frame := mustFrame(t, txtest.NewV1(s.source, 6, 500, txtest.Payment(s.dest, 1), txtest.Payment(s.dest, 1)).MustBuild())

	assert.Equal(t, int64(200), frame.MinFee(header))
	assert.Equal(t, int64(200), frame.Fee(header, 100, false))
	assert.Equal(t, int64(200), frame.Fee(header, 100, true))
	assert.Equal(t, int64(500), frame.Fee(header, 1000, true))
	assert.Equal(t, frame.SourceID(), frame.FeeSourceID())
}
