package signature

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/txtest"
)

var contentsHash = xdr.Hash(sha256.Sum256([]byte("contents")))

func sign(t *testing.T, kp *keypair.Full) xdr.DecoratedSignature {
	sig, err := kp.SignDecorated(contentsHash[:])
	require.NoError(t, err)
	return sig
}

func TestEd25519Threshold(t *testing.T) {
	a, b, c := keypair.MustRandom(), keypair.MustRandom(), keypair.MustRandom()
	signers := []xdr.Signer{txtest.Ed25519Signer(a, 1), txtest.Ed25519Signer(b, 2), txtest.Ed25519Signer(c, 4)}

	checker := NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{sign(t, a), sign(t, b)}, nil)
	assert.True(t, checker.CheckSignature(signers, 3))
	assert.True(t, checker.CheckAllSignaturesUsed())
	assert.False(t, checker.UsedOneTimeSigner())

	checker = NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{sign(t, a), sign(t, b)}, nil)
	assert.False(t, checker.CheckSignature(signers, 4))

	// a signature over other data never counts
	wrong, err := c.SignDecorated([]byte("something else"))
	require.NoError(t, err)
	checker = NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{wrong}, nil)
	assert.False(t, checker.CheckSignature(signers, 1))
	assert.False(t, checker.CheckAllSignaturesUsed())
	assert.Equal(t, 1, checker.Invocations())
}

func TestSignerCountsOnce(t *testing.T) {
	a := keypair.MustRandom()
	sig := sign(t, a)
	checker := NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{sig, sig}, nil)
	assert.False(t, checker.CheckSignature([]xdr.Signer{txtest.Ed25519Signer(a, 1)}, 2))
	// the duplicate stays unused
	assert.False(t, checker.CheckAllSignaturesUsed())
}

func TestWeightCap(t *testing.T) {
	a := keypair.MustRandom()
	signers := []xdr.Signer{txtest.Ed25519Signer(a, 1000)}

	checker := NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{sign(t, a)}, nil)
	assert.False(t, checker.CheckSignature(signers, 256))

	checker = NewChecker(9, contentsHash, []xdr.DecoratedSignature{sign(t, a)}, nil)
	assert.True(t, checker.CheckSignature(signers, 256))
}

func TestPreAuthTx(t *testing.T) {
	signers := []xdr.Signer{txtest.PreAuthSigner(contentsHash, 1)}
	checker := NewChecker(txtest.ProtocolVersion, contentsHash, nil, nil)
	assert.True(t, checker.CheckSignature(signers, 1))
	assert.True(t, checker.UsedOneTimeSigner())
	assert.True(t, checker.CheckAllSignaturesUsed())

	other := []xdr.Signer{txtest.PreAuthSigner(xdr.Hash{1}, 1)}
	checker = NewChecker(txtest.ProtocolVersion, contentsHash, nil, nil)
	assert.False(t, checker.CheckSignature(other, 1))
	assert.False(t, checker.UsedOneTimeSigner())
}

func TestHashX(t *testing.T) {
	preimage := []byte("open sesame")
	x := xdr.Uint256(sha256.Sum256(preimage))
	signer := xdr.Signer{
		Key:    xdr.SignerKey{Type: xdr.SignerKeyTypeSignerKeyTypeHashX, HashX: &x},
		Weight: 1,
	}
	var hint xdr.SignatureHint
	copy(hint[:], x[28:])

	checker := NewChecker(txtest.ProtocolVersion, contentsHash,
		[]xdr.DecoratedSignature{{Hint: hint, Signature: preimage}}, nil)
	assert.True(t, checker.CheckSignature([]xdr.Signer{signer}, 1))

	checker = NewChecker(txtest.ProtocolVersion, contentsHash,
		[]xdr.DecoratedSignature{{Hint: hint, Signature: []byte("guess")}}, nil)
	assert.False(t, checker.CheckSignature([]xdr.Signer{signer}, 1))
}

func TestSignedPayload(t *testing.T) {
	a := keypair.MustRandom()
	payload := []byte("pay me")
	pub := *txtest.AccountID(a).Ed25519
	signer := xdr.Signer{
		Key: xdr.SignerKey{
			Type:                 xdr.SignerKeyTypeSignerKeyTypeEd25519SignedPayload,
			Ed25519SignedPayload: &xdr.SignerKeyEd25519SignedPayload{Ed25519: pub, Payload: payload},
		},
		Weight: 1,
	}
	raw, err := a.Sign(payload)
	require.NoError(t, err)
	var hint xdr.SignatureHint
	copy(hint[:], signedPayloadHint(pub, payload))

	checker := NewChecker(txtest.ProtocolVersion, contentsHash,
		[]xdr.DecoratedSignature{{Hint: hint, Signature: raw}}, nil)
	assert.True(t, checker.CheckSignature([]xdr.Signer{signer}, 1))
}

func TestAccountSigners(t *testing.T) {
	a, b := keypair.MustRandom(), keypair.MustRandom()
	account := txtest.Account(a, 100, 1)
	account.Signers = []xdr.Signer{txtest.Ed25519Signer(b, 5)}

	signers := AccountSigners(account)
	require.Len(t, signers, 2)
	assert.Equal(t, txtest.Ed25519Signer(a, 1), signers[0])

	account.Thresholds[xdr.ThresholdIndexesThresholdMasterWeight] = 0
	assert.Len(t, AccountSigners(account), 1)
}

func TestVerifierCache(t *testing.T) {
	a := keypair.MustRandom()
	verifier, err := NewVerifier(16, interfaces.MakeNoOpDeamon())
	require.NoError(t, err)
	sig := sign(t, a)
	pub := *txtest.AccountID(a).Ed25519

	assert.True(t, verifier.Verify(pub, sig.Signature, contentsHash[:]))
	assert.True(t, verifier.Verify(pub, sig.Signature, contentsHash[:]))
	assert.Equal(t, 1, verifier.cache.Len())
	assert.False(t, verifier.Verify(pub, sig.Signature, []byte("tampered")))
	assert.Equal(t, 2, verifier.cache.Len())
}

func TestSignatureReusedAcrossChecks(t *testing.T) {
	a := keypair.MustRandom()
	signers := []xdr.Signer{txtest.Ed25519Signer(a, 1)}
	checker := NewChecker(txtest.ProtocolVersion, contentsHash, []xdr.DecoratedSignature{sign(t, a)}, nil)
	assert.True(t, checker.CheckSignature(signers, 1))
	assert.True(t, checker.CheckSignature(signers, 1))
	assert.Equal(t, 2, checker.Invocations())
	assert.True(t, checker.CheckAllSignaturesUsed())
}
