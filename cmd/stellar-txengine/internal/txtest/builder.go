// Package txtest holds fixture helpers for building and signing transaction
// envelopes in tests. Nothing outside _test.go files imports it.
package txtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txbridge"
)

var (
	Passphrase = network.TestNetworkPassphrase
	NetworkID  = xdr.Hash(network.ID(Passphrase))
)

var errFeeBumpField = errors.New("field is not present on fee-bump envelopes")

// EnvelopeBuilder mutates a copy of an envelope while keeping the tagged
// union consistent. The first error sticks and is reported by Build.
type EnvelopeBuilder struct {
	env xdr.TransactionEnvelope
	err error
}

func MuxedAccount(kp keypair.KP) xdr.MuxedAccount {
	return xdr.MustMuxedAddress(kp.Address())
}

func AccountID(kp keypair.KP) xdr.AccountId {
	return xdr.MustAddress(kp.Address())
}

// NewV1 starts a V1 envelope with no preconditions.
func NewV1(source keypair.KP, seqNum int64, fee uint32, ops ...xdr.Operation) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx: xdr.Transaction{
				SourceAccount: MuxedAccount(source),
				Fee:           xdr.Uint32(fee),
				SeqNum:        xdr.SequenceNumber(seqNum),
				Cond:          xdr.Preconditions{Type: xdr.PreconditionTypePrecondNone},
				Memo:          xdr.Memo{Type: xdr.MemoTypeMemoNone},
				Operations:    ops,
			},
		},
	}}
}

// NewV0 starts a legacy envelope.
func NewV0(source keypair.KP, seqNum int64, fee uint32, ops ...xdr.Operation) *EnvelopeBuilder {
	muxed := MuxedAccount(source)
	return &EnvelopeBuilder{env: xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTxV0,
		V0: &xdr.TransactionV0Envelope{
			Tx: xdr.TransactionV0{
				SourceAccountEd25519: *muxed.Ed25519,
				Fee:                  xdr.Uint32(fee),
				SeqNum:               xdr.SequenceNumber(seqNum),
				Memo:                 xdr.Memo{Type: xdr.MemoTypeMemoNone},
				Operations:           ops,
			},
		},
	}}
}

// NewFeeBump wraps a V1 envelope. The inner envelope is copied.
func NewFeeBump(feeSource keypair.KP, fee int64, inner xdr.TransactionEnvelope) *EnvelopeBuilder {
	b := &EnvelopeBuilder{}
	if inner.Type != xdr.EnvelopeTypeEnvelopeTypeTx || inner.V1 == nil {
		b.err = fmt.Errorf("fee-bump inner envelope must be v1, got %d", inner.Type)
		return b
	}
	innerV1 := *inner.V1
	b.env = xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTxFeeBump,
		FeeBump: &xdr.FeeBumpTransactionEnvelope{
			Tx: xdr.FeeBumpTransaction{
				FeeSource: MuxedAccount(feeSource),
				Fee:       xdr.Int64(fee),
				InnerTx: xdr.FeeBumpTransactionInnerTx{
					Type: xdr.EnvelopeTypeEnvelopeTypeTx,
					V1:   &innerV1,
				},
			},
		},
	}
	return b
}

// From starts from a deep copy of an existing envelope, so setters never
// write through to the input.
func From(env xdr.TransactionEnvelope) *EnvelopeBuilder {
	b := &EnvelopeBuilder{}
	raw, err := env.MarshalBinary()
	if err != nil {
		b.err = fmt.Errorf("copy envelope of type %d: %w", env.Type, err)
		return b
	}
	if err := xdr.SafeUnmarshal(raw, &b.env); err != nil {
		b.err = fmt.Errorf("copy envelope of type %d: %w", env.Type, err)
	}
	return b
}

func (b *EnvelopeBuilder) SetSeqNum(seq int64) *EnvelopeBuilder {
	switch b.env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		b.env.V0.Tx.SeqNum = xdr.SequenceNumber(seq)
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		b.env.V1.Tx.SeqNum = xdr.SequenceNumber(seq)
	default:
		b.fail(fmt.Errorf("sequence number: %w", errFeeBumpField))
	}
	return b
}

// SetFee sets the fee bid. For fee-bump envelopes it sets the outer fee.
// Legacy and v1 envelopes only carry a uint32 fee.
func (b *EnvelopeBuilder) SetFee(fee int64) *EnvelopeBuilder {
	if b.env.Type != xdr.EnvelopeTypeEnvelopeTypeTxFeeBump && (fee < 0 || fee > math.MaxUint32) {
		b.fail(fmt.Errorf("fee %d does not fit in a uint32", fee))
		return b
	}
	switch b.env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		b.env.V0.Tx.Fee = xdr.Uint32(fee)
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		b.env.V1.Tx.Fee = xdr.Uint32(fee)
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		b.env.FeeBump.Tx.Fee = xdr.Int64(fee)
	}
	return b
}

func (b *EnvelopeBuilder) SetMinTime(minTime uint64) *EnvelopeBuilder {
	if tb := b.timeBounds(); tb != nil {
		tb.MinTime = xdr.TimePoint(minTime)
	}
	return b
}

func (b *EnvelopeBuilder) SetMaxTime(maxTime uint64) *EnvelopeBuilder {
	if tb := b.timeBounds(); tb != nil {
		tb.MaxTime = xdr.TimePoint(maxTime)
	}
	return b
}

// timeBounds returns the time bounds of the envelope, activating them when
// absent. A V1 envelope without preconditions is promoted to time bounds.
func (b *EnvelopeBuilder) timeBounds() *xdr.TimeBounds {
	switch b.env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		if b.env.V0.Tx.TimeBounds == nil {
			b.env.V0.Tx.TimeBounds = &xdr.TimeBounds{}
		}
		return b.env.V0.Tx.TimeBounds
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		cond := &b.env.V1.Tx.Cond
		switch cond.Type {
		case xdr.PreconditionTypePrecondNone:
			cond.Type = xdr.PreconditionTypePrecondTime
			cond.TimeBounds = &xdr.TimeBounds{}
			return cond.TimeBounds
		case xdr.PreconditionTypePrecondTime:
			return cond.TimeBounds
		case xdr.PreconditionTypePrecondV2:
			if cond.V2.TimeBounds == nil {
				cond.V2.TimeBounds = &xdr.TimeBounds{}
			}
			return cond.V2.TimeBounds
		}
	}
	b.fail(fmt.Errorf("time bounds: %w", errFeeBumpField))
	return nil
}

// SetGeneralPrecond replaces the preconditions of a V1 envelope. Legacy and
// fee-bump envelopes cannot carry general preconditions.
func (b *EnvelopeBuilder) SetGeneralPrecond(general xdr.PreconditionsV2) *EnvelopeBuilder {
	if b.env.Type != xdr.EnvelopeTypeEnvelopeTypeTx {
		b.fail(fmt.Errorf("general preconditions require a v1 envelope, got %d", b.env.Type))
		return b
	}
	b.env.V1.Tx.Cond = xdr.Preconditions{
		Type: xdr.PreconditionTypePrecondV2,
		V2:   &general,
	}
	return b
}

func (b *EnvelopeBuilder) SetMemo(memo xdr.Memo) *EnvelopeBuilder {
	switch b.env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		b.env.V0.Tx.Memo = memo
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		b.env.V1.Tx.Memo = memo
	default:
		b.fail(fmt.Errorf("memo: %w", errFeeBumpField))
	}
	return b
}

// Sign appends a signature over the envelope's contents hash for every key.
// For fee-bump envelopes these are the outer signatures.
func (b *EnvelopeBuilder) Sign(keys ...*keypair.Full) *EnvelopeBuilder {
	if b.err != nil {
		return b
	}
	contentsHash, err := txbridge.ContentsHash(NetworkID, b.env)
	if err != nil {
		b.fail(err)
		return b
	}
	for _, key := range keys {
		sig, err := key.SignDecorated(contentsHash[:])
		if err != nil {
			b.fail(err)
			return b
		}
		b.AddSignature(sig)
	}
	return b
}

// AddSignature appends a raw decorated signature.
func (b *EnvelopeBuilder) AddSignature(sig xdr.DecoratedSignature) *EnvelopeBuilder {
	switch b.env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		b.env.V0.Signatures = append(append([]xdr.DecoratedSignature{}, b.env.V0.Signatures...), sig)
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		b.env.V1.Signatures = append(append([]xdr.DecoratedSignature{}, b.env.V1.Signatures...), sig)
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		b.env.FeeBump.Signatures = append(append([]xdr.DecoratedSignature{}, b.env.FeeBump.Signatures...), sig)
	}
	return b
}

func (b *EnvelopeBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *EnvelopeBuilder) Build() (xdr.TransactionEnvelope, error) {
	return b.env, b.err
}

// MustBuild is Build for fixtures that cannot fail.
func (b *EnvelopeBuilder) MustBuild() xdr.TransactionEnvelope {
	env, err := b.Build()
	if err != nil {
		panic(err)
	}
	return env
}
