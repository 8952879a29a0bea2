// Package txbridge gives uniform access to the three transaction envelope
// shapes (legacy V0, V1 and fee-bump) so validation and serialization code do
// not need to switch on the envelope type themselves.
package txbridge

import (
	"errors"
	"fmt"

	"github.com/stellar/go/hash"
	"github.com/stellar/go/xdr"
)

const (
	// MaxOpsPerTx is the maximum number of operations a transaction may carry.
	MaxOpsPerTx = 100
	// MaxSignatures is the maximum number of decorated signatures per envelope.
	MaxSignatures = 20
)

var ErrMalformedEnvelope = errors.New("malformed transaction envelope")

// Signatures returns the outer signature list of the envelope. For fee-bump
// envelopes these are the fee-bump's own signatures, not the inner ones.
func Signatures(env xdr.TransactionEnvelope) []xdr.DecoratedSignature {
	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		return env.V0.Signatures
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		return env.V1.Signatures
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		return env.FeeBump.Signatures
	default:
		panic(fmt.Sprintf("unknown envelope type %d", env.Type))
	}
}

// InnerSignatures reaches through a fee-bump envelope to the signatures of
// the wrapped transaction. For other shapes it is the same as Signatures.
func InnerSignatures(env xdr.TransactionEnvelope) []xdr.DecoratedSignature {
	if env.Type == xdr.EnvelopeTypeEnvelopeTypeTxFeeBump {
		return mustInnerV1(env).Signatures
	}
	return Signatures(env)
}

// Operations returns the operation list, reaching through fee-bump envelopes
// to the inner transaction.
func Operations(env xdr.TransactionEnvelope) []xdr.Operation {
	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		return env.V0.Tx.Operations
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		return env.V1.Tx.Operations
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		return mustInnerV1(env).Tx.Operations
	default:
		panic(fmt.Sprintf("unknown envelope type %d", env.Type))
	}
}

// InnerEnvelope wraps the inner transaction of a fee-bump envelope into a
// standalone V1 envelope.
func InnerEnvelope(env xdr.TransactionEnvelope) xdr.TransactionEnvelope {
	return xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1:   mustInnerV1(env),
	}
}

// mustInnerV1 panics when the fee-bump invariant does not hold. Decode rejects
// such envelopes, so reaching the panic means a caller skipped decoding.
func mustInnerV1(env xdr.TransactionEnvelope) *xdr.TransactionV1Envelope {
	if env.Type != xdr.EnvelopeTypeEnvelopeTypeTxFeeBump || env.FeeBump == nil {
		panic(fmt.Sprintf("expected fee-bump envelope, got type %d", env.Type))
	}
	inner := env.FeeBump.Tx.InnerTx
	if inner.Type != xdr.EnvelopeTypeEnvelopeTypeTx || inner.V1 == nil {
		panic(fmt.Sprintf("fee-bump inner transaction has type %d, expected V1", inner.Type))
	}
	return inner.V1
}

// UpgradeLegacy converts a V0 envelope into the equivalent V1 envelope. V1 and
// fee-bump envelopes are returned unchanged.
func UpgradeLegacy(env xdr.TransactionEnvelope) xdr.TransactionEnvelope {
	if env.Type != xdr.EnvelopeTypeEnvelopeTypeTxV0 {
		return env
	}
	txV0 := env.V0.Tx

	sourceKey := txV0.SourceAccountEd25519
	txV1 := xdr.Transaction{
		SourceAccount: xdr.MuxedAccount{
			Type:    xdr.CryptoKeyTypeKeyTypeEd25519,
			Ed25519: &sourceKey,
		},
		Fee:        txV0.Fee,
		SeqNum:     txV0.SeqNum,
		Cond:       xdr.Preconditions{Type: xdr.PreconditionTypePrecondNone},
		Memo:       txV0.Memo,
		Operations: txV0.Operations,
	}
	if txV0.TimeBounds != nil {
		timeBounds := *txV0.TimeBounds
		txV1.Cond = xdr.Preconditions{
			Type:       xdr.PreconditionTypePrecondTime,
			TimeBounds: &timeBounds,
		}
	}

	return xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx:         txV1,
			Signatures: env.V0.Signatures,
		},
	}
}

// Decode parses a base64 XDR envelope and rejects shapes the transaction
// frames must never see.
func Decode(b64 string) (xdr.TransactionEnvelope, error) {
	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(b64, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := CheckShape(env); err != nil {
		return xdr.TransactionEnvelope{}, err
	}
	return env, nil
}

// CheckShape verifies the envelope discriminants and the signature and
// operation list bounds.
func CheckShape(env xdr.TransactionEnvelope) error {
	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		if env.V0 == nil {
			return fmt.Errorf("%w: missing v0 body", ErrMalformedEnvelope)
		}
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		if env.V1 == nil {
			return fmt.Errorf("%w: missing v1 body", ErrMalformedEnvelope)
		}
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		if env.FeeBump == nil {
			return fmt.Errorf("%w: missing fee-bump body", ErrMalformedEnvelope)
		}
		inner := env.FeeBump.Tx.InnerTx
		if inner.Type != xdr.EnvelopeTypeEnvelopeTypeTx || inner.V1 == nil {
			return fmt.Errorf("%w: fee-bump inner transaction must be v1", ErrMalformedEnvelope)
		}
		if n := len(inner.V1.Signatures); n > MaxSignatures {
			return fmt.Errorf("%w: inner transaction has %d signatures", ErrMalformedEnvelope, n)
		}
	default:
		return fmt.Errorf("%w: unknown envelope type %d", ErrMalformedEnvelope, env.Type)
	}

	if n := len(Signatures(env)); n > MaxSignatures {
		return fmt.Errorf("%w: %d signatures exceeds %d", ErrMalformedEnvelope, n, MaxSignatures)
	}
	if n := len(Operations(env)); n > MaxOpsPerTx {
		return fmt.Errorf("%w: %d operations exceeds %d", ErrMalformedEnvelope, n, MaxOpsPerTx)
	}
	return nil
}

// ContentsHash computes the signature payload hash of the envelope for the
// given network: everything except the signature list. Legacy envelopes hash
// as their V1 upgrade.
func ContentsHash(networkID xdr.Hash, env xdr.TransactionEnvelope) (xdr.Hash, error) {
	env = UpgradeLegacy(env)
	payload := xdr.TransactionSignaturePayload{NetworkId: networkID}
	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		tx := env.V1.Tx
		payload.TaggedTransaction = xdr.TransactionSignaturePayloadTaggedTransaction{
			Type: xdr.EnvelopeTypeEnvelopeTypeTx,
			Tx:   &tx,
		}
	case xdr.EnvelopeTypeEnvelopeTypeTxFeeBump:
		tx := env.FeeBump.Tx
		payload.TaggedTransaction = xdr.TransactionSignaturePayloadTaggedTransaction{
			Type:    xdr.EnvelopeTypeEnvelopeTypeTxFeeBump,
			FeeBump: &tx,
		}
	default:
		panic(fmt.Sprintf("unknown envelope type %d", env.Type))
	}
	raw, err := payload.MarshalBinary()
	if err != nil {
		return xdr.Hash{}, fmt.Errorf("could not encode signature payload: %w", err)
	}
	return hash.Hash(raw), nil
}

// FullHash hashes the complete envelope, signatures included.
func FullHash(env xdr.TransactionEnvelope) (xdr.Hash, error) {
	raw, err := env.MarshalBinary()
	if err != nil {
		return xdr.Hash{}, fmt.Errorf("could not encode envelope: %w", err)
	}
	return hash.Hash(raw), nil
}
